package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"optrack/internal/config"
	"optrack/internal/domain"
	"optrack/internal/engine/fault"
	"optrack/internal/events"
)

// generatePhasesTx instantiates the catalog templates for the operation.
// Positions below startPosition come pre-validated, so a dossier picked up
// mid-life starts at the right place. Planned dates chain from startDate
// using the mean of each template's duration bounds.
func (e Engine) generatePhasesTx(ctx context.Context, tx *sql.Tx, op *domain.Operation, templates []config.PhaseTemplate, startPosition int, startDate time.Time, actorID string) error {
	ts := e.nowStr()
	cursor := startDate
	for i, tpl := range templates {
		position := i + 1
		ph := domain.Phase{
			OperationID: op.ID,
			Position:    position,
			Principal:   tpl.Principal,
			Name:        tpl.Name,
			Domain:      tpl.Domain,
			Responsible: tpl.Responsible,
			MinDays:     tpl.MinDays,
			MaxDays:     tpl.MaxDays,
			REMImpact:   tpl.REMImpact,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if !startDate.IsZero() {
			mean := (tpl.MinDays + tpl.MaxDays) / 2
			start := cursor.Format(dateLayout)
			end := cursor.AddDate(0, 0, mean).Format(dateLayout)
			ph.PlannedStart = &start
			ph.PlannedEnd = &end
			cursor = cursor.AddDate(0, 0, mean)
		}
		if position < startPosition {
			ph.Validated = true
			ph.ValidatedAt = &ts
			ph.ValidatedBy = optionalString(actorID)
		}
		if _, err := e.Repo.InsertPhaseTx(ctx, tx, ph); err != nil {
			return fault.Storagef(err, "insert phase %q", tpl.Name)
		}
	}
	return nil
}

// PhaseUpdateOptions mutate a single phase. Nil pointer fields are left
// untouched; an empty string in a date pointer clears the date.
type PhaseUpdateOptions struct {
	Validate      *bool
	BlockReason   *string
	ClearBlockage bool
	PlannedStart  *string
	PlannedEnd    *string
	ActualStart   *string
	ActualEnd     *string
	MinDays       *int
	MaxDays       *int
	ActorID       string
}

// UpdatePhase applies validation, blockage and date changes to one phase and
// re-runs the deriver for its operation.
func (e Engine) UpdatePhase(ctx context.Context, phaseID int64, opts PhaseUpdateOptions) (domain.Phase, error) {
	if e.Config == nil {
		return domain.Phase{}, errors.New("config not loaded")
	}
	for _, d := range []*string{opts.PlannedStart, opts.PlannedEnd, opts.ActualStart, opts.ActualEnd} {
		if d != nil && *d != "" {
			if _, err := time.Parse(dateLayout, *d); err != nil {
				return domain.Phase{}, fault.Validationf("date %q not in YYYY-MM-DD form", *d)
			}
		}
	}
	if opts.BlockReason != nil && *opts.BlockReason == "" {
		return domain.Phase{}, fault.Validationf("blockage reason is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, fault.Storagef(err, "begin update phase")
	}
	defer tx.Rollback()

	ph, err := e.Repo.GetPhaseTx(ctx, tx, phaseID)
	if err != nil {
		return domain.Phase{}, err
	}
	op, err := e.Repo.GetOperationTx(ctx, tx, ph.OperationID)
	if err != nil {
		return domain.Phase{}, err
	}

	ts := e.nowStr()
	assignDate(&ph.PlannedStart, opts.PlannedStart)
	assignDate(&ph.PlannedEnd, opts.PlannedEnd)
	assignDate(&ph.ActualStart, opts.ActualStart)
	assignDate(&ph.ActualEnd, opts.ActualEnd)
	if opts.MinDays != nil {
		ph.MinDays = *opts.MinDays
	}
	if opts.MaxDays != nil {
		ph.MaxDays = *opts.MaxDays
	}
	if ph.MinDays < 0 || ph.MaxDays < ph.MinDays {
		return domain.Phase{}, fault.Validationf("duration bounds %d..%d are inverted", ph.MinDays, ph.MaxDays)
	}
	if opts.BlockReason != nil {
		ph.Blocked = true
		ph.BlockageReason = opts.BlockReason
		ph.BlockedAt = &ts
	}
	if opts.ClearBlockage {
		ph.Blocked = false
		ph.BlockageReason = nil
		ph.BlockedAt = nil
	}
	var note string
	if opts.Validate != nil {
		if *opts.Validate {
			ph.Validated = true
			ph.ValidatedAt = &ts
			ph.ValidatedBy = optionalString(opts.ActorID)
			// validating a phase supersedes its blockage
			ph.Blocked = false
			ph.BlockageReason = nil
			ph.BlockedAt = nil
			note = fmt.Sprintf("Phase %q validated", ph.Name)
		} else {
			ph.Validated = false
			ph.ValidatedAt = nil
			ph.ValidatedBy = nil
			note = fmt.Sprintf("Phase %q validation withdrawn", ph.Name)
		}
	}
	ph.UpdatedAt = ts
	if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
		return domain.Phase{}, err
	}
	if note != "" {
		entry := domain.JournalEntry{
			OperationID: op.ID,
			PhaseID:     &ph.ID,
			Author:      opts.ActorID,
			Action:      domain.ActionValidation,
			Text:        note,
			Urgency:     1,
			CreatedAt:   ts,
		}
		if _, err := e.Repo.InsertJournalTx(ctx, tx, entry); err != nil {
			return domain.Phase{}, fault.Storagef(err, "insert validation journal entry")
		}
	}
	if err := e.deriveTx(ctx, tx, &op, opts.ActorID); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Events.Append(ctx, tx, events.PhaseUpdated, op.ID, "phase", idStr(ph.ID), opts.ActorID, events.EventPayload{
		"validated": ph.Validated,
		"blocked":   ph.Blocked,
	}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, fault.Storagef(err, "commit update phase")
	}
	ph.Marker = phaseMarker(ph, e.today())
	return ph, nil
}

// CustomPhaseOptions describe an operation-specific phase to splice into the
// ordered set.
type CustomPhaseOptions struct {
	OperationID int64
	Name        string
	Principal   string
	Domain      string
	Responsible string
	Position    int
	MinDays     int
	MaxDays     int
	ActorID     string
}

// InsertCustomPhase inserts a phase at the requested position, shifting every
// later phase down by one so positions stay contiguous.
func (e Engine) InsertCustomPhase(ctx context.Context, opts CustomPhaseOptions) (domain.Phase, error) {
	if e.Config == nil {
		return domain.Phase{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Phase{}, fault.Validationf("phase name is required")
	}
	if opts.Principal == "" {
		return domain.Phase{}, fault.Validationf("principal phase is required")
	}
	if opts.Domain == "" {
		opts.Domain = domain.DomainOperational
	}
	if !domain.ValidDomains[opts.Domain] {
		return domain.Phase{}, fault.Validationf("unknown phase domain %q", opts.Domain)
	}
	if opts.MinDays < 0 || opts.MaxDays < opts.MinDays {
		return domain.Phase{}, fault.Validationf("duration bounds %d..%d are inverted", opts.MinDays, opts.MaxDays)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, fault.Storagef(err, "begin insert phase")
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, opts.OperationID)
	if err != nil {
		return domain.Phase{}, err
	}
	existing, err := e.Repo.ListPhasesTx(ctx, tx, op.ID)
	if err != nil {
		return domain.Phase{}, err
	}
	if opts.Position < 1 || opts.Position > len(existing)+1 {
		return domain.Phase{}, fault.Validationf("position %d out of range 1..%d", opts.Position, len(existing)+1)
	}
	ts := e.nowStr()
	if err := e.Repo.ShiftPositionsTx(ctx, tx, op.ID, opts.Position, ts); err != nil {
		return domain.Phase{}, fault.Storagef(err, "shift phase positions")
	}
	ph := domain.Phase{
		OperationID: op.ID,
		Position:    opts.Position,
		Principal:   opts.Principal,
		Name:        opts.Name,
		Domain:      opts.Domain,
		Responsible: opts.Responsible,
		MinDays:     opts.MinDays,
		MaxDays:     opts.MaxDays,
		Custom:      true,
		CreatedBy:   optionalString(opts.ActorID),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	ph.ID, err = e.Repo.InsertPhaseTx(ctx, tx, ph)
	if err != nil {
		return domain.Phase{}, fault.Storagef(err, "insert custom phase")
	}
	if err := e.ensureContiguousTx(ctx, tx, op.ID); err != nil {
		return domain.Phase{}, err
	}
	if err := e.deriveTx(ctx, tx, &op, opts.ActorID); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Events.Append(ctx, tx, events.PhaseInserted, op.ID, "phase", idStr(ph.ID), opts.ActorID, events.EventPayload{
		"name":     ph.Name,
		"position": ph.Position,
	}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, fault.Storagef(err, "commit insert phase")
	}
	ph.Marker = phaseMarker(ph, e.today())
	return ph, nil
}

// ReorderPhases applies a complete permutation of the operation's phase ids.
// A partial list, a duplicate or a foreign id rejects the whole request and
// leaves every position unchanged.
func (e Engine) ReorderPhases(ctx context.Context, operationID int64, phaseIDs []int64, actorID string) ([]domain.Phase, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Storagef(err, "begin reorder phases")
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, operationID)
	if err != nil {
		return nil, err
	}
	existing, err := e.Repo.ListPhasesTx(ctx, tx, op.ID)
	if err != nil {
		return nil, err
	}
	if len(phaseIDs) != len(existing) {
		return nil, fault.Validationf("reorder needs all %d phase ids, got %d", len(existing), len(phaseIDs))
	}
	known := make(map[int64]bool, len(existing))
	for _, p := range existing {
		known[p.ID] = true
	}
	seen := make(map[int64]bool, len(phaseIDs))
	for _, id := range phaseIDs {
		if !known[id] {
			return nil, fault.Validationf("phase %d does not belong to operation %d", id, op.ID)
		}
		if seen[id] {
			return nil, fault.Validationf("phase %d listed twice", id)
		}
		seen[id] = true
	}
	ts := e.nowStr()
	for i, id := range phaseIDs {
		if err := e.Repo.UpdatePhasePositionTx(ctx, tx, id, i+1, ts); err != nil {
			return nil, fault.Storagef(err, "move phase %d", id)
		}
	}
	if err := e.ensureContiguousTx(ctx, tx, op.ID); err != nil {
		return nil, err
	}
	if err := e.deriveTx(ctx, tx, &op, actorID); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.PhasesReordered, op.ID, "operation", idStr(op.ID), actorID, events.EventPayload{
		"order": phaseIDs,
	}); err != nil {
		return nil, err
	}
	phases, err := e.Repo.ListPhasesTx(ctx, tx, op.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Storagef(err, "commit reorder phases")
	}
	fillMarkers(phases, e.today())
	return phases, nil
}

// ensureContiguousTx verifies positions run 1..N with no gap after a shift
// or reorder.
func (e Engine) ensureContiguousTx(ctx context.Context, tx *sql.Tx, operationID int64) error {
	phases, err := e.Repo.ListPhasesTx(ctx, tx, operationID)
	if err != nil {
		return err
	}
	for i, p := range phases {
		if p.Position != i+1 {
			return fmt.Errorf("phase positions not contiguous: phase %d at %d, want %d", p.ID, p.Position, i+1)
		}
	}
	return nil
}

// phaseMarker is the display state of a phase, derived on read and never
// stored: done, blocked, late or in_progress, in that precedence.
func phaseMarker(p domain.Phase, today string) string {
	switch {
	case p.Validated:
		return domain.MarkerDone
	case p.Blocked:
		return domain.MarkerBlocked
	case phaseOverdue(p, today):
		return domain.MarkerLate
	default:
		return domain.MarkerInProgress
	}
}

// phaseOverdue reports whether an unvalidated phase's planned end has passed.
// Planned dates are ISO strings, so lexicographic comparison is date order.
func phaseOverdue(p domain.Phase, today string) bool {
	return !p.Validated && p.PlannedEnd != nil && *p.PlannedEnd < today
}

func fillMarkers(phases []domain.Phase, today string) {
	for i := range phases {
		phases[i].Marker = phaseMarker(phases[i], today)
	}
}

func assignDate(dst **string, src *string) {
	if src == nil {
		return
	}
	if *src == "" {
		*dst = nil
		return
	}
	v := *src
	*dst = &v
}
