package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine, one per mutation.
const (
	OperationCreated    = "operation.created"
	OperationRecomputed = "operation.recomputed"
	PhaseUpdated        = "phase.updated"
	PhaseInserted       = "phase.inserted"
	PhasesReordered     = "phase.reordered"
	JournalAppended     = "journal.appended"
	JournalResolved     = "journal.resolved"
	AlertCreated        = "alert.created"
	AlertTreated        = "alert.treated"
	REMProjected        = "rem.projected"
	UnitsUpdated        = "units.updated"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, operationID int64, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var opID any
	if operationID > 0 {
		opID = operationID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,operation_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, opID, entityKind, entityID, actorID, string(data))
	return err
}
