package optracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Optrack HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Operation represents the API operation model (partial).
type Operation struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	CurrentPhase   string  `json:"current_phase,omitempty"`
	CompletionPct  float64 `json:"completion_pct"`
	RiskScore      float64 `json:"risk_score"`
	ActiveBlockage bool    `json:"active_blockage"`
}

// Phase represents one schedule step of an operation.
type Phase struct {
	ID          int64  `json:"id"`
	OperationID int64  `json:"operation_id"`
	Position    int    `json:"position"`
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Marker      string `json:"marker,omitempty"`
	Validated   bool   `json:"validated"`
}

// JournalEntry represents a diary entry.
type JournalEntry struct {
	ID          int64  `json:"id"`
	OperationID int64  `json:"operation_id"`
	Author      string `json:"author"`
	Action      string `json:"action"`
	Text        string `json:"text"`
	Urgency     int    `json:"urgency"`
	Blockage    bool   `json:"blockage"`
	Resolved    bool   `json:"resolved"`
}

// Alert represents a raised signal.
type Alert struct {
	ID          int64  `json:"id"`
	OperationID int64  `json:"operation_id"`
	Type        string `json:"type"`
	Urgency     int    `json:"urgency"`
	Impact      int    `json:"impact"`
	Message     string `json:"message"`
	Treated     bool   `json:"treated"`
}

// JournalResult is the append response: the stored entry plus the alert the
// append raised, when one was.
type JournalResult struct {
	Entry JournalEntry `json:"entry"`
	Alert *Alert       `json:"alert,omitempty"`
}

// REMProjection represents a management result snapshot.
type REMProjection struct {
	OperationID int64   `json:"operation_id"`
	Annual      float64 `json:"annual"`
	SemiAnnual  float64 `json:"semi_annual"`
	Correction  float64 `json:"correction"`
	ComputedAt  string  `json:"computed_at"`
}

// RiskEntry pairs an operation with the reasons behind its score.
type RiskEntry struct {
	Operation Operation `json:"operation"`
	Reasons   []string  `json:"reasons"`
}

// PortfolioSummary aggregates the whole portfolio.
type PortfolioSummary struct {
	Operations      int     `json:"operations"`
	Active          int     `json:"active"`
	Blocked         int     `json:"blocked"`
	UnitsTotal      int     `json:"units_total"`
	AnnualREM       float64 `json:"annual_rem"`
	SemiAnnualREM   float64 `json:"semi_annual_rem"`
	AvgRisk         float64 `json:"avg_risk"`
	UntreatedAlerts int     `json:"untreated_alerts"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	OperationID int64          `json:"operation_id"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateOperation creates an operation with the minimal required fields.
func (c *Client) CreateOperation(ctx context.Context, name, opType, aco string) (Operation, error) {
	body := map[string]any{
		"name": name,
		"type": opType,
		"aco":  aco,
	}
	var resp Operation
	err := c.do(ctx, http.MethodPost, "v0/operations", body, &resp)
	return resp, err
}

// ListOperations returns all operations.
func (c *Client) ListOperations(ctx context.Context) ([]Operation, error) {
	var resp []Operation
	err := c.do(ctx, http.MethodGet, "v0/operations", nil, &resp)
	return resp, err
}

// GetOperation fetches one operation.
func (c *Client) GetOperation(ctx context.Context, id int64) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodGet, c.operationPath(id, ""), nil, &resp)
	return resp, err
}

// ListPhases returns the phases of an operation in position order.
func (c *Client) ListPhases(ctx context.Context, operationID int64) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, c.operationPath(operationID, "phases"), nil, &resp)
	return resp, err
}

// ValidatePhase marks a phase validated.
func (c *Client) ValidatePhase(ctx context.Context, operationID, phaseID int64) (Phase, error) {
	body := map[string]any{"validate": true}
	var resp Phase
	endpoint := c.operationPath(operationID, fmt.Sprintf("phases/%d", phaseID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// AppendJournal appends a diary entry.
func (c *Client) AppendJournal(ctx context.Context, operationID int64, author, action, text string, blockage bool) (JournalResult, error) {
	body := map[string]any{
		"author":   author,
		"action":   action,
		"text":     text,
		"blockage": blockage,
	}
	var resp JournalResult
	err := c.do(ctx, http.MethodPost, c.operationPath(operationID, "journal"), body, &resp)
	return resp, err
}

// ResolveBlockage resolves a blockage journal entry.
func (c *Client) ResolveBlockage(ctx context.Context, operationID, entryID int64, note string) (JournalEntry, error) {
	body := map[string]any{"note": note}
	var resp JournalEntry
	endpoint := c.operationPath(operationID, fmt.Sprintf("journal/%d/resolve", entryID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListAlerts returns alerts for an operation.
func (c *Client) ListAlerts(ctx context.Context, operationID int64, untreatedOnly bool) ([]Alert, error) {
	endpoint := c.operationPath(operationID, "alerts")
	if untreatedOnly {
		endpoint += "?untreated=true"
	}
	var resp []Alert
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TopRisk returns the most at-risk operations.
func (c *Client) TopRisk(ctx context.Context, limit int) ([]RiskEntry, error) {
	endpoint := "v0/risk/top"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []RiskEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CurrentProjection fetches the latest REM projection for an operation.
func (c *Client) CurrentProjection(ctx context.Context, operationID int64) (REMProjection, error) {
	var resp REMProjection
	err := c.do(ctx, http.MethodGet, c.operationPath(operationID, "rem"), nil, &resp)
	return resp, err
}

// Portfolio returns the portfolio summary.
func (c *Client) Portfolio(ctx context.Context) (PortfolioSummary, error) {
	var resp PortfolioSummary
	err := c.do(ctx, http.MethodGet, "v0/portfolio", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) operationPath(id int64, p string) string {
	base := fmt.Sprintf("v0/operations/%d", id)
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
