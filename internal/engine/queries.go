package engine

import (
	"context"

	"optrack/internal/domain"
	"optrack/internal/repo"
)

func (e Engine) GetOperation(ctx context.Context, id int64) (domain.Operation, error) {
	return e.Repo.GetOperation(ctx, id)
}

func (e Engine) ListOperations(ctx context.Context, f repo.OperationFilters) ([]domain.Operation, error) {
	return e.Repo.ListOperations(ctx, f)
}

// ListPhases returns the ordered phase set with display markers filled in.
func (e Engine) ListPhases(ctx context.Context, operationID int64) ([]domain.Phase, error) {
	if _, err := e.Repo.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	phases, err := e.Repo.ListPhases(ctx, operationID)
	if err != nil {
		return nil, err
	}
	fillMarkers(phases, e.today())
	return phases, nil
}

func (e Engine) GetPhase(ctx context.Context, id int64) (domain.Phase, error) {
	ph, err := e.Repo.GetPhase(ctx, id)
	if err != nil {
		return domain.Phase{}, err
	}
	ph.Marker = phaseMarker(ph, e.today())
	return ph, nil
}

func (e Engine) ListJournal(ctx context.Context, operationID int64, limit int) ([]domain.JournalEntry, error) {
	if _, err := e.Repo.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.Repo.ListJournal(ctx, operationID, limit)
}

func (e Engine) ListAlerts(ctx context.Context, operationID int64, onlyUntreated bool, limit int) ([]domain.Alert, error) {
	if _, err := e.Repo.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return e.Repo.ListAlerts(ctx, operationID, onlyUntreated, limit)
}

func (e Engine) PortfolioSummary(ctx context.Context) (domain.PortfolioSummary, error) {
	return e.Repo.PortfolioSummary(ctx)
}
