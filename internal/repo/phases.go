package repo

import (
	"context"
	"database/sql"

	"optrack/internal/domain"
)

const phaseCols = `id,operation_id,position,principal,name,domain,responsible,min_days,max_days,rem_impact,custom,created_by,validated,validated_at,validated_by,planned_start,planned_end,actual_start,actual_end,blocked,blockage_reason,blocked_at,created_at,updated_at`

func scanPhase(sc scanner) (domain.Phase, error) {
	var p domain.Phase
	var createdBy, validatedAt, validatedBy, plannedStart, plannedEnd, actualStart, actualEnd, blockageReason, blockedAt sql.NullString
	err := sc.Scan(&p.ID, &p.OperationID, &p.Position, &p.Principal, &p.Name, &p.Domain,
		&p.Responsible, &p.MinDays, &p.MaxDays, &p.REMImpact, &p.Custom, &createdBy,
		&p.Validated, &validatedAt, &validatedBy, &plannedStart, &plannedEnd,
		&actualStart, &actualEnd, &p.Blocked, &blockageReason, &blockedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if createdBy.Valid {
		p.CreatedBy = &createdBy.String
	}
	if validatedAt.Valid {
		p.ValidatedAt = &validatedAt.String
	}
	if validatedBy.Valid {
		p.ValidatedBy = &validatedBy.String
	}
	if plannedStart.Valid {
		p.PlannedStart = &plannedStart.String
	}
	if plannedEnd.Valid {
		p.PlannedEnd = &plannedEnd.String
	}
	if actualStart.Valid {
		p.ActualStart = &actualStart.String
	}
	if actualEnd.Valid {
		p.ActualEnd = &actualEnd.String
	}
	if blockageReason.Valid {
		p.BlockageReason = &blockageReason.String
	}
	if blockedAt.Valid {
		p.BlockedAt = &blockedAt.String
	}
	return p, nil
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO phases(operation_id,position,principal,name,domain,responsible,min_days,max_days,rem_impact,custom,created_by,validated,validated_at,validated_by,planned_start,planned_end,actual_start,actual_end,blocked,blockage_reason,blocked_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.OperationID, p.Position, p.Principal, p.Name, p.Domain, p.Responsible,
		p.MinDays, p.MaxDays, p.REMImpact, p.Custom, nullableStringPtr(p.CreatedBy),
		p.Validated, nullableStringPtr(p.ValidatedAt), nullableStringPtr(p.ValidatedBy),
		nullableStringPtr(p.PlannedStart), nullableStringPtr(p.PlannedEnd),
		nullableStringPtr(p.ActualStart), nullableStringPtr(p.ActualEnd),
		p.Blocked, nullableStringPtr(p.BlockageReason), nullableStringPtr(p.BlockedAt),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetPhase(ctx context.Context, id int64) (domain.Phase, error) {
	return scanPhase(r.DB.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id))
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Phase, error) {
	return scanPhase(tx.QueryRowContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE id=?`, id))
}

func (r Repo) ListPhases(ctx context.Context, operationID int64) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE operation_id=? ORDER BY position ASC`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

func (r Repo) ListPhasesTx(ctx context.Context, tx *sql.Tx, operationID int64) ([]domain.Phase, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE operation_id=? ORDER BY position ASC`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

func collectPhases(rows *sql.Rows) ([]domain.Phase, error) {
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdatePhaseTx rewrites every mutable column of a phase row.
func (r Repo) UpdatePhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases SET position=?, principal=?, name=?, domain=?, responsible=?, min_days=?, max_days=?, rem_impact=?, validated=?, validated_at=?, validated_by=?, planned_start=?, planned_end=?, actual_start=?, actual_end=?, blocked=?, blockage_reason=?, blocked_at=?, updated_at=? WHERE id=?`,
		p.Position, p.Principal, p.Name, p.Domain, p.Responsible, p.MinDays, p.MaxDays,
		p.REMImpact, p.Validated, nullableStringPtr(p.ValidatedAt), nullableStringPtr(p.ValidatedBy),
		nullableStringPtr(p.PlannedStart), nullableStringPtr(p.PlannedEnd),
		nullableStringPtr(p.ActualStart), nullableStringPtr(p.ActualEnd),
		p.Blocked, nullableStringPtr(p.BlockageReason), nullableStringPtr(p.BlockedAt),
		p.UpdatedAt, p.ID)
	return err
}

// ShiftPositionsTx moves every phase at or after fromPos up by one.
// Safe without a UNIQUE(operation_id,position) constraint; contiguity is
// re-checked by the engine before commit.
func (r Repo) ShiftPositionsTx(ctx context.Context, tx *sql.Tx, operationID int64, fromPos int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases SET position=position+1, updated_at=? WHERE operation_id=? AND position>=?`,
		updatedAt, operationID, fromPos)
	return err
}

func (r Repo) UpdatePhasePositionTx(ctx context.Context, tx *sql.Tx, id int64, position int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases SET position=?, updated_at=? WHERE id=?`, position, updatedAt, id)
	return err
}
