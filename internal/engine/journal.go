package engine

import (
	"context"
	"errors"
	"strings"

	"optrack/internal/domain"
	"optrack/internal/engine/fault"
	"optrack/internal/events"
)

// JournalAppendOptions are parameters for appending a journal entry.
type JournalAppendOptions struct {
	OperationID int64
	PhaseID     *int64
	Author      string
	Action      string
	Text        string
	Urgency     int
	Blockage    bool
}

// AppendJournal records an entry, scans it for blockage keywords, raises an
// alert when warranted and, for a blockage-action entry carrying a blockage,
// forces the operation to blocked ahead of the deriver.
func (e Engine) AppendJournal(ctx context.Context, opts JournalAppendOptions) (domain.JournalEntry, *domain.Alert, error) {
	if e.Config == nil {
		return domain.JournalEntry{}, nil, errors.New("config not loaded")
	}
	if opts.Author == "" {
		return domain.JournalEntry{}, nil, fault.Validationf("author is required")
	}
	if opts.Text == "" {
		return domain.JournalEntry{}, nil, fault.Validationf("text is required")
	}
	if opts.Action == "" {
		opts.Action = domain.ActionNote
	}
	if !domain.ValidActions[opts.Action] {
		return domain.JournalEntry{}, nil, fault.Validationf("unknown action %q", opts.Action)
	}
	if opts.Urgency == 0 {
		opts.Urgency = 1
	}
	if opts.Urgency < 1 || opts.Urgency > 5 {
		return domain.JournalEntry{}, nil, fault.Validationf("urgency %d out of range 1..5", opts.Urgency)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JournalEntry{}, nil, fault.Storagef(err, "begin append journal")
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, opts.OperationID)
	if err != nil {
		return domain.JournalEntry{}, nil, err
	}
	if opts.PhaseID != nil {
		ph, err := e.Repo.GetPhaseTx(ctx, tx, *opts.PhaseID)
		if err != nil {
			return domain.JournalEntry{}, nil, err
		}
		if ph.OperationID != op.ID {
			return domain.JournalEntry{}, nil, fault.Validationf("phase %d does not belong to operation %d", ph.ID, op.ID)
		}
	}

	ts := e.nowStr()
	entry := domain.JournalEntry{
		OperationID: op.ID,
		PhaseID:     opts.PhaseID,
		Author:      opts.Author,
		Action:      opts.Action,
		Text:        opts.Text,
		Urgency:     opts.Urgency,
		Blockage:    opts.Blockage,
		CreatedAt:   ts,
	}
	matched := scanKeywords(opts.Text, e.Config.Blockage.Keywords)
	if len(matched) > 0 {
		entry.Keywords = matched
		if !entry.Blockage {
			entry.Blockage = true
			if entry.Urgency < 3 {
				entry.Urgency = 3
			}
		}
	}
	entry.ID, err = e.Repo.InsertJournalTx(ctx, tx, entry)
	if err != nil {
		return domain.JournalEntry{}, nil, fault.Storagef(err, "insert journal entry")
	}

	var alert *domain.Alert
	if entry.Blockage || entry.Urgency >= 4 {
		alertType := domain.AlertAttention
		if entry.Blockage {
			alertType = domain.AlertBlockage
		}
		a := domain.Alert{
			OperationID: op.ID,
			JournalID:   &entry.ID,
			PhaseID:     entry.PhaseID,
			Type:        alertType,
			Urgency:     entry.Urgency,
			Impact:      e.Config.AlertPriority(alertType) * entry.Urgency,
			Message:     preview(entry.Text, 100),
			CreatedAt:   ts,
		}
		a.ID, err = e.Repo.InsertAlertTx(ctx, tx, a)
		if err != nil {
			return domain.JournalEntry{}, nil, fault.Storagef(err, "insert alert")
		}
		op.LastAlertType = optionalString(a.Type)
		op.LastAlertAt = &ts
		if err := e.Events.Append(ctx, tx, events.AlertCreated, op.ID, "alert", idStr(a.ID), opts.Author, events.EventPayload{"type": a.Type}); err != nil {
			return domain.JournalEntry{}, nil, err
		}
		alert = &a
	}

	if entry.Blockage && entry.Action == domain.ActionBlockage {
		// direct override: blocked takes effect now, not at the next derive
		op.Status = domain.StatusBlocked
		op.ActiveBlockage = true
		op.StatusOverride = true
	}

	if err := e.deriveTx(ctx, tx, &op, opts.Author); err != nil {
		return domain.JournalEntry{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.JournalAppended, op.ID, "journal", idStr(entry.ID), opts.Author, events.EventPayload{
		"action":   entry.Action,
		"blockage": entry.Blockage,
	}); err != nil {
		return domain.JournalEntry{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JournalEntry{}, nil, fault.Storagef(err, "commit append journal")
	}
	return entry, alert, nil
}

// ResolveBlockage closes a blockage entry, records the resolution as its own
// entry, treats the linked alerts and lifts the status override once no
// unresolved blockage remains.
func (e Engine) ResolveBlockage(ctx context.Context, journalID int64, resolver, note string) (domain.JournalEntry, error) {
	if e.Config == nil {
		return domain.JournalEntry{}, errors.New("config not loaded")
	}
	if resolver == "" {
		return domain.JournalEntry{}, fault.Validationf("resolver is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JournalEntry{}, fault.Storagef(err, "begin resolve blockage")
	}
	defer tx.Rollback()

	entry, err := e.Repo.GetJournalEntryTx(ctx, tx, journalID)
	if err != nil {
		return domain.JournalEntry{}, err
	}
	if !entry.Blockage {
		return domain.JournalEntry{}, fault.Validationf("journal entry %d is not a blockage", journalID)
	}
	if entry.Resolved {
		return domain.JournalEntry{}, fault.Validationf("blockage %d already resolved", journalID)
	}
	op, err := e.Repo.GetOperationTx(ctx, tx, entry.OperationID)
	if err != nil {
		return domain.JournalEntry{}, err
	}

	ts := e.nowStr()
	if note == "" {
		note = "Blockage resolved"
	}
	if err := e.Repo.ResolveJournalTx(ctx, tx, journalID, resolver, note, ts); err != nil {
		return domain.JournalEntry{}, err
	}
	entry.Resolved = true
	entry.ResolvedAt = &ts
	entry.ResolvedBy = &resolver
	entry.ResolutionNote = &note

	resolution := domain.JournalEntry{
		OperationID: op.ID,
		PhaseID:     entry.PhaseID,
		Author:      resolver,
		Action:      domain.ActionResolution,
		Text:        note,
		Urgency:     1,
		CreatedAt:   ts,
	}
	if _, err := e.Repo.InsertJournalTx(ctx, tx, resolution); err != nil {
		return domain.JournalEntry{}, fault.Storagef(err, "insert resolution entry")
	}
	if err := e.Repo.TreatJournalAlertsTx(ctx, tx, journalID, resolver, ts); err != nil {
		return domain.JournalEntry{}, fault.Storagef(err, "treat linked alerts")
	}

	remaining, err := e.Repo.CountUnresolvedBlockagesTx(ctx, tx, op.ID)
	if err != nil {
		return domain.JournalEntry{}, fault.Storagef(err, "count unresolved blockages")
	}
	if remaining == 0 {
		op.StatusOverride = false
	}

	if err := e.deriveTx(ctx, tx, &op, resolver); err != nil {
		return domain.JournalEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, events.JournalResolved, op.ID, "journal", idStr(journalID), resolver, nil); err != nil {
		return domain.JournalEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JournalEntry{}, fault.Storagef(err, "commit resolve blockage")
	}
	return entry, nil
}

// scanKeywords returns the configured blockage keywords found in the text.
// Matching is case-insensitive on the whole text.
func scanKeywords(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	var matched []string
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, k) {
			matched = append(matched, k)
		}
	}
	return matched
}

// preview truncates text to max runes for alert messages, appending an
// ellipsis when cut.
func preview(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
