package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"optrack/internal/config"
	"optrack/internal/db"
	"optrack/internal/domain"
	"optrack/internal/engine"
	"optrack/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

// doJSON sends the request as "tester" unless the headers override the
// credentials.
func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestOperationLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations", map[string]any{
		"name":      "Les Terrasses",
		"type":      "OPP",
		"aco":       "Aurore Habitat",
		"city":      "Lyon",
		"units_lls": 12,
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create operation status %d: %s", createRes.StatusCode, string(data))
	}
	var created domain.Operation
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal operation: %v", err)
	}
	if created.Status != domain.StatusInAssembly {
		t.Fatalf("expected status %s, got %s", domain.StatusInAssembly, created.Status)
	}
	opURL := fmt.Sprintf("%s/v0/operations/%d", srv.URL, created.ID)

	phasesRes, phasesBody := doJSON(t, client, http.MethodGet, opURL+"/phases", nil, nil)
	if phasesRes.StatusCode != http.StatusOK {
		t.Fatalf("list phases status %d: %s", phasesRes.StatusCode, string(phasesBody))
	}
	var phases []domain.Phase
	if err := json.Unmarshal(phasesBody, &phases); err != nil {
		t.Fatalf("unmarshal phases: %v", err)
	}
	if len(phases) != 12 {
		t.Fatalf("expected 12 catalog phases, got %d", len(phases))
	}

	valRes, valBody := doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/phases/%d", opURL, phases[0].ID), map[string]any{
		"validate": true,
	}, nil)
	if valRes.StatusCode != http.StatusOK {
		t.Fatalf("validate phase status %d: %s", valRes.StatusCode, string(valBody))
	}
	var validated domain.Phase
	if err := json.Unmarshal(valBody, &validated); err != nil {
		t.Fatalf("unmarshal phase: %v", err)
	}
	if !validated.Validated || validated.Marker != domain.MarkerDone {
		t.Fatalf("expected validated done phase, got validated=%v marker=%s", validated.Validated, validated.Marker)
	}

	opRes, opBody := doJSON(t, client, http.MethodGet, opURL, nil, nil)
	if opRes.StatusCode != http.StatusOK {
		t.Fatalf("get operation status %d: %s", opRes.StatusCode, string(opBody))
	}
	var fetched domain.Operation
	if err := json.Unmarshal(opBody, &fetched); err != nil {
		t.Fatalf("unmarshal operation: %v", err)
	}
	if fetched.CompletionPct <= 0 {
		t.Fatalf("expected completion above zero, got %v", fetched.CompletionPct)
	}

	journalRes, journalBody := doJSON(t, client, http.MethodGet, opURL+"/journal", nil, nil)
	if journalRes.StatusCode != http.StatusOK {
		t.Fatalf("list journal status %d: %s", journalRes.StatusCode, string(journalBody))
	}
	var entries []domain.JournalEntry
	if err := json.Unmarshal(journalBody, &entries); err != nil {
		t.Fatalf("unmarshal journal: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected creation journal entry")
	}

	eventsRes, eventsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, nil)
	if eventsRes.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", eventsRes.StatusCode, string(eventsBody))
	}
	var page paginatedEvents
	if err := json.Unmarshal(eventsBody, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatalf("expected events after lifecycle")
	}
}

func TestJournalBlockageOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations", map[string]any{
		"name": "Quai Sud",
		"type": "VEFA",
		"aco":  "Aurore Habitat",
	}, nil)
	var created domain.Operation
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal operation: %v", err)
	}
	opURL := fmt.Sprintf("%s/v0/operations/%d", srv.URL, created.ID)

	appendRes, appendBody := doJSON(t, client, http.MethodPost, opURL+"/journal", map[string]any{
		"author":   "chef-proj",
		"action":   "blockage",
		"text":     "Permit suspended by prefecture",
		"urgency":  4,
		"blockage": true,
	}, nil)
	if appendRes.StatusCode != http.StatusCreated {
		t.Fatalf("append journal status %d: %s", appendRes.StatusCode, string(appendBody))
	}
	var appended JournalAppendResponse
	if err := json.Unmarshal(appendBody, &appended); err != nil {
		t.Fatalf("unmarshal append response: %v", err)
	}
	if !appended.Entry.Blockage {
		t.Fatalf("expected blockage entry")
	}
	if appended.Alert == nil || appended.Alert.Type != domain.AlertBlockage {
		t.Fatalf("expected blockage alert, got %+v", appended.Alert)
	}

	opRes, opBody := doJSON(t, client, http.MethodGet, opURL, nil, nil)
	if opRes.StatusCode != http.StatusOK {
		t.Fatalf("get operation status %d: %s", opRes.StatusCode, string(opBody))
	}
	var blocked domain.Operation
	_ = json.Unmarshal(opBody, &blocked)
	if blocked.Status != domain.StatusBlocked || !blocked.ActiveBlockage {
		t.Fatalf("expected blocked operation, got status=%s active=%v", blocked.Status, blocked.ActiveBlockage)
	}

	resolveRes, resolveBody := doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/journal/%d/resolve", opURL, appended.Entry.ID), map[string]any{
		"note": "Permit reinstated",
	}, nil)
	if resolveRes.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", resolveRes.StatusCode, string(resolveBody))
	}
	var resolved domain.JournalEntry
	if err := json.Unmarshal(resolveBody, &resolved); err != nil {
		t.Fatalf("unmarshal resolved entry: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedBy == nil || *resolved.ResolvedBy != "tester" {
		t.Fatalf("expected entry resolved by tester, got %+v", resolved)
	}

	afterRes, afterBody := doJSON(t, client, http.MethodGet, opURL, nil, nil)
	if afterRes.StatusCode != http.StatusOK {
		t.Fatalf("get operation status %d: %s", afterRes.StatusCode, string(afterBody))
	}
	var after domain.Operation
	_ = json.Unmarshal(afterBody, &after)
	if after.ActiveBlockage || after.Status == domain.StatusBlocked {
		t.Fatalf("expected blockage lifted, got status=%s active=%v", after.Status, after.ActiveBlockage)
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	healthRes, err := client.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", healthRes.StatusCode)
	}

	anonReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/operations", nil)
	anonRes, err := client.Do(anonReq)
	if err != nil {
		t.Fatalf("anonymous request: %v", err)
	}
	anonRes.Body.Close()
	if anonRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", anonRes.StatusCode)
	}

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev",
		"roles":    []string{"admin"},
	}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected token")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meBody))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(meBody, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "dev" || me.Source != "jwt" {
		t.Fatalf("expected jwt principal dev, got %+v", me)
	}

	keyRes, keyBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "svc-bot",
		"name":     "ci",
	}, nil)
	if keyRes.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", keyRes.StatusCode, string(keyBody))
	}
	var key APIKeyCreatedResponse
	if err := json.Unmarshal(keyBody, &key); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if !strings.HasPrefix(key.Key, "ok_") {
		t.Fatalf("unexpected key format %q", key.Key)
	}

	keyMeRes, keyMeBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if keyMeRes.StatusCode != http.StatusOK {
		t.Fatalf("me with api key status %d: %s", keyMeRes.StatusCode, string(keyMeBody))
	}
	var keyMe WhoAmIResponse
	_ = json.Unmarshal(keyMeBody, &keyMe)
	if keyMe.ActorID != "svc-bot" || keyMe.Source != "api_key" {
		t.Fatalf("expected api_key principal svc-bot, got %+v", keyMe)
	}
}

func TestPhaseScopedToOperation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data1 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations", map[string]any{
		"name": "Op One",
		"type": "AMO",
		"aco":  "Aurore Habitat",
	}, nil)
	var op1 domain.Operation
	_ = json.Unmarshal(data1, &op1)

	_, data2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations", map[string]any{
		"name": "Op Two",
		"type": "AMO",
		"aco":  "Aurore Habitat",
	}, nil)
	var op2 domain.Operation
	_ = json.Unmarshal(data2, &op2)

	_, phasesBody := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/operations/%d/phases", srv.URL, op2.ID), nil, nil)
	var phases []domain.Phase
	if err := json.Unmarshal(phasesBody, &phases); err != nil || len(phases) == 0 {
		t.Fatalf("list phases for second operation: %v", err)
	}

	crossRes, crossBody := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/operations/%d/phases/%d", srv.URL, op1.ID, phases[0].ID), nil, nil)
	if crossRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign phase, got %d: %s", crossRes.StatusCode, string(crossBody))
	}
}
