package repo

import (
	"context"
	"database/sql"

	"optrack/internal/domain"
)

const projectionCols = `id,operation_id,annual,semi_annual,lls,llts,pls,correction,computed_at`

func scanProjection(sc scanner) (domain.REMProjection, error) {
	var p domain.REMProjection
	err := sc.Scan(&p.ID, &p.OperationID, &p.Annual, &p.SemiAnnual, &p.LLS, &p.LLTS,
		&p.PLS, &p.Correction, &p.ComputedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProjectionTx(ctx context.Context, tx *sql.Tx, p domain.REMProjection) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO rem_projections(operation_id,annual,semi_annual,lls,llts,pls,correction,computed_at)
VALUES (?,?,?,?,?,?,?,?)`,
		p.OperationID, p.Annual, p.SemiAnnual, p.LLS, p.LLTS, p.PLS, p.Correction, p.ComputedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestProjection returns the current snapshot: history is append-only so
// the highest id per operation is the most recent.
func (r Repo) LatestProjection(ctx context.Context, operationID int64) (domain.REMProjection, error) {
	return scanProjection(r.DB.QueryRowContext(ctx, `SELECT `+projectionCols+` FROM rem_projections WHERE operation_id=? ORDER BY id DESC LIMIT 1`, operationID))
}

func (r Repo) LatestProjectionTx(ctx context.Context, tx *sql.Tx, operationID int64) (domain.REMProjection, error) {
	return scanProjection(tx.QueryRowContext(ctx, `SELECT `+projectionCols+` FROM rem_projections WHERE operation_id=? ORDER BY id DESC LIMIT 1`, operationID))
}

func (r Repo) ListProjections(ctx context.Context, operationID int64, limit int) ([]domain.REMProjection, error) {
	q := `SELECT ` + projectionCols + ` FROM rem_projections WHERE operation_id=? ORDER BY id DESC`
	args := []any{operationID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.REMProjection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// PortfolioSummary aggregates operation counts, unit totals, average risk
// and the REM totals over each operation's current projection.
func (r Repo) PortfolioSummary(ctx context.Context) (domain.PortfolioSummary, error) {
	var s domain.PortfolioSummary
	err := r.DB.QueryRowContext(ctx, `SELECT count(*),
COALESCE(SUM(CASE WHEN status != ? THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN active_blockage=1 OR status = ? THEN 1 ELSE 0 END),0),
COALESCE(SUM(units_lls+units_llts+units_pls),0),
COALESCE(AVG(CASE WHEN status != ? THEN risk_score END),0)
FROM operations`, domain.StatusClosed, domain.StatusBlocked, domain.StatusClosed).
		Scan(&s.Operations, &s.Active, &s.Blocked, &s.UnitsTotal, &s.AvgRisk)
	if err != nil {
		return s, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(annual),0), COALESCE(SUM(semi_annual),0)
FROM rem_projections WHERE id IN (SELECT MAX(id) FROM rem_projections GROUP BY operation_id)`).
		Scan(&s.AnnualREM, &s.SemiAnnualREM)
	if err != nil {
		return s, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT count(*) FROM alerts WHERE treated=0`).Scan(&s.UntreatedAlerts)
	return s, err
}
