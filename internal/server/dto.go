package server

import (
	"encoding/json"

	"optrack/internal/domain"
)

// Request payloads

type CreateOperationRequest struct {
	Name          string  `json:"name"`
	Type          string  `json:"type" enum:"OPP,VEFA,AMO,MANDAT"`
	ACO           string  `json:"aco"`
	City          string  `json:"city,omitempty"`
	UnitsLLS      int     `json:"units_lls,omitempty"`
	UnitsLLTS     int     `json:"units_llts,omitempty"`
	UnitsPLS      int     `json:"units_pls,omitempty"`
	Budget        float64 `json:"budget,omitempty"`
	Grants        float64 `json:"grants,omitempty"`
	StartDate     string  `json:"start_date,omitempty" format:"date"`
	DeliveryDate  string  `json:"delivery_date,omitempty" format:"date"`
	StartPosition int     `json:"start_position,omitempty"`
}

type UpdateUnitsRequest struct {
	UnitsLLS  int `json:"units_lls"`
	UnitsLLTS int `json:"units_llts"`
	UnitsPLS  int `json:"units_pls"`
}

// UpdatePhaseRequest date fields take ISO dates; an explicit empty string
// clears the stored value, which is why they carry no format tag.
type UpdatePhaseRequest struct {
	Validate      *bool   `json:"validate,omitempty"`
	BlockReason   *string `json:"block_reason,omitempty"`
	ClearBlockage bool    `json:"clear_blockage,omitempty"`
	PlannedStart  *string `json:"planned_start,omitempty"`
	PlannedEnd    *string `json:"planned_end,omitempty"`
	ActualStart   *string `json:"actual_start,omitempty"`
	ActualEnd     *string `json:"actual_end,omitempty"`
	MinDays       *int    `json:"min_days,omitempty"`
	MaxDays       *int    `json:"max_days,omitempty"`
}

type InsertPhaseRequest struct {
	Name        string `json:"name"`
	Principal   string `json:"principal"`
	Domain      string `json:"domain,omitempty" enum:"operational,legal,budgetary"`
	Responsible string `json:"responsible,omitempty"`
	Position    int    `json:"position"`
	MinDays     int    `json:"min_days,omitempty"`
	MaxDays     int    `json:"max_days,omitempty"`
}

type ReorderPhasesRequest struct {
	PhaseIDs []int64 `json:"phase_ids"`
}

type AppendJournalRequest struct {
	Author   string `json:"author,omitempty"`
	Action   string `json:"action,omitempty" enum:"creation,validation,note,update,blockage,resolution"`
	Text     string `json:"text"`
	Urgency  int    `json:"urgency,omitempty"`
	PhaseID  *int64 `json:"phase_id,omitempty"`
	Blockage bool   `json:"blockage,omitempty"`
}

type ResolveBlockageRequest struct {
	Note string `json:"note,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

// JournalAppendResponse carries the stored entry plus the alert the append
// synthesized, when one was raised.
type JournalAppendResponse struct {
	Entry domain.JournalEntry `json:"entry"`
	Alert *domain.Alert       `json:"alert,omitempty"`
}

// APIKeyCreatedResponse is the only place the clear-text key ever appears.
type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source,omitempty"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	OperationID int64          `json:"operation_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		OperationID: e.OperationID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
