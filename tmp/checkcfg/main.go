package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"optrack/internal/config"
	"optrack/internal/db"
	"optrack/internal/engine"
	"optrack/internal/migrate"
	"optrack/internal/server"
)

func main() {
	workspace := "/tmp/optrack-check2"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	e := engine.New(conn, config.Default())
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "check-secret"}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token := devToken(ts.URL)

	body := map[string]any{
		"name": "Ilot des Peupliers",
		"type": "OPP",
		"aco":  "Scratch ACO",
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/operations", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}

func devToken(baseURL string) string {
	body, _ := json.Marshal(map[string]any{"actor_id": "checker"})
	res, err := http.Post(baseURL+"/v0/auth/dev/login", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		panic(err)
	}
	return out.Token
}
