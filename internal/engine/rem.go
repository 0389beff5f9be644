package engine

import (
	"context"
	"database/sql"
	"errors"

	"optrack/internal/config"
	"optrack/internal/domain"
	"optrack/internal/engine/fault"
	"optrack/internal/events"
	"optrack/internal/repo"
)

// computeProjection derives the rent projection from the unit mix and the
// configured category rates. The correction starts at 1.0, loses the delay
// penalty when construction lags below 60% and gains the early bonus above
// 80%; it scales the category figures so annual stays their sum.
func computeProjection(op domain.Operation, cfg *config.Config) (domain.REMProjection, error) {
	if op.UnitsLLS < 0 || op.UnitsLLTS < 0 || op.UnitsPLS < 0 {
		return domain.REMProjection{}, fault.Computationf("operation %d has a negative unit count", op.ID)
	}
	total := op.UnitsLLS + op.UnitsLLTS + op.UnitsPLS
	if total == 0 {
		return domain.REMProjection{}, fault.Computationf("operation %d has no units to project", op.ID)
	}
	lls := float64(op.UnitsLLS) * cfg.REM.Rates.LLS
	llts := float64(op.UnitsLLTS) * cfg.REM.Rates.LLTS
	pls := float64(op.UnitsPLS) * cfg.REM.Rates.PLS
	if lls+llts+pls == 0 {
		return domain.REMProjection{}, fault.Computationf("operation %d unit mix yields no revenue", op.ID)
	}
	correction := 1.0
	switch {
	case op.Status == domain.StatusInConstruction && op.CompletionPct < 60:
		correction -= cfg.REM.DelayPenalty
	case op.CompletionPct > 80:
		correction += cfg.REM.EarlyBonus
	}
	lls *= correction
	llts *= correction
	pls *= correction
	annual := lls + llts + pls
	return domain.REMProjection{
		OperationID: op.ID,
		Annual:      annual,
		SemiAnnual:  annual / 2,
		LLS:         lls,
		LLTS:        llts,
		PLS:         pls,
		Correction:  correction,
	}, nil
}

// refreshProjectionTx appends a new snapshot when the computed projection
// differs from the latest one. A computation fault is swallowed here: the
// history keeps its last good snapshot and the fault resurfaces on explicit
// projection reads.
func (e Engine) refreshProjectionTx(ctx context.Context, tx *sql.Tx, op *domain.Operation, actorID string) error {
	proj, err := computeProjection(*op, e.Config)
	if err != nil {
		if fault.IsKind(err, fault.Computation) {
			return nil
		}
		return err
	}
	latest, err := e.Repo.LatestProjectionTx(ctx, tx, op.ID)
	if err == nil && sameProjection(latest, proj) {
		return nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fault.Storagef(err, "load latest projection")
	}
	proj.ComputedAt = e.nowStr()
	proj.ID, err = e.Repo.InsertProjectionTx(ctx, tx, proj)
	if err != nil {
		return fault.Storagef(err, "insert projection")
	}
	return e.Events.Append(ctx, tx, events.REMProjected, op.ID, "projection", idStr(proj.ID), actorID, events.EventPayload{
		"annual":     proj.Annual,
		"correction": proj.Correction,
	})
}

func sameProjection(a, b domain.REMProjection) bool {
	return a.Annual == b.Annual &&
		a.SemiAnnual == b.SemiAnnual &&
		a.LLS == b.LLS &&
		a.LLTS == b.LLTS &&
		a.PLS == b.PLS &&
		a.Correction == b.Correction
}

// CurrentProjection returns the latest snapshot. When none exists because
// the unit mix never produced one, the computation fault explains why.
func (e Engine) CurrentProjection(ctx context.Context, operationID int64) (domain.REMProjection, error) {
	if e.Config == nil {
		return domain.REMProjection{}, errors.New("config not loaded")
	}
	op, err := e.Repo.GetOperation(ctx, operationID)
	if err != nil {
		return domain.REMProjection{}, err
	}
	proj, err := e.Repo.LatestProjection(ctx, operationID)
	if errors.Is(err, repo.ErrNotFound) {
		if _, cerr := computeProjection(op, e.Config); cerr != nil {
			return domain.REMProjection{}, cerr
		}
		return domain.REMProjection{}, err
	}
	return proj, err
}

// ProjectionHistory returns the snapshots, most recent first.
func (e Engine) ProjectionHistory(ctx context.Context, operationID int64, limit int) ([]domain.REMProjection, error) {
	if _, err := e.Repo.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.Repo.ListProjections(ctx, operationID, limit)
}
