package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"optrack/internal/domain"
)

const journalCols = `id,operation_id,phase_id,author,action,text,urgency,blockage,keywords_json,resolved,resolved_at,resolved_by,resolution_note,created_at`

func scanJournal(sc scanner) (domain.JournalEntry, error) {
	var e domain.JournalEntry
	var phaseID sql.NullInt64
	var keywords, resolvedAt, resolvedBy, resolutionNote sql.NullString
	err := sc.Scan(&e.ID, &e.OperationID, &phaseID, &e.Author, &e.Action, &e.Text,
		&e.Urgency, &e.Blockage, &keywords, &e.Resolved, &resolvedAt, &resolvedBy,
		&resolutionNote, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if phaseID.Valid {
		e.PhaseID = &phaseID.Int64
	}
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &e.Keywords); err != nil {
			return e, err
		}
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.String
	}
	if resolvedBy.Valid {
		e.ResolvedBy = &resolvedBy.String
	}
	if resolutionNote.Valid {
		e.ResolutionNote = &resolutionNote.String
	}
	return e, nil
}

func (r Repo) InsertJournalTx(ctx context.Context, tx *sql.Tx, e domain.JournalEntry) (int64, error) {
	var keywords any
	if len(e.Keywords) > 0 {
		data, err := json.Marshal(e.Keywords)
		if err != nil {
			return 0, err
		}
		keywords = string(data)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO journal(operation_id,phase_id,author,action,text,urgency,blockage,keywords_json,resolved,resolved_at,resolved_by,resolution_note,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.OperationID, nullableInt64Ptr(e.PhaseID), e.Author, e.Action, e.Text,
		e.Urgency, e.Blockage, keywords, e.Resolved,
		nullableStringPtr(e.ResolvedAt), nullableStringPtr(e.ResolvedBy),
		nullableStringPtr(e.ResolutionNote), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetJournalEntry(ctx context.Context, id int64) (domain.JournalEntry, error) {
	return scanJournal(r.DB.QueryRowContext(ctx, `SELECT `+journalCols+` FROM journal WHERE id=?`, id))
}

func (r Repo) GetJournalEntryTx(ctx context.Context, tx *sql.Tx, id int64) (domain.JournalEntry, error) {
	return scanJournal(tx.QueryRowContext(ctx, `SELECT `+journalCols+` FROM journal WHERE id=?`, id))
}

func (r Repo) ListJournal(ctx context.Context, operationID int64, limit int) ([]domain.JournalEntry, error) {
	query := `SELECT ` + journalCols + ` FROM journal WHERE operation_id=? ORDER BY created_at DESC, id DESC`
	args := []any{operationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) ResolveJournalTx(ctx context.Context, tx *sql.Tx, id int64, resolvedBy, note, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE journal SET resolved=1, resolved_at=?, resolved_by=?, resolution_note=? WHERE id=?`,
		resolvedAt, resolvedBy, nullable(note), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnresolvedBlockagesTx counts the declared blockage entries still open.
// Keyword-detected blockages on other actions raise alerts but do not hold
// the operation blocked, so they are excluded here.
func (r Repo) CountUnresolvedBlockagesTx(ctx context.Context, tx *sql.Tx, operationID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM journal WHERE operation_id=? AND blockage=1 AND resolved=0 AND action=?`, operationID, domain.ActionBlockage).Scan(&n)
	return n, err
}

const alertCols = `id,operation_id,journal_id,phase_id,type,urgency,impact,message,treated,treated_at,treated_by,created_at`

func scanAlert(sc scanner) (domain.Alert, error) {
	var a domain.Alert
	var journalID, phaseID sql.NullInt64
	var treatedAt, treatedBy sql.NullString
	err := sc.Scan(&a.ID, &a.OperationID, &journalID, &phaseID, &a.Type, &a.Urgency,
		&a.Impact, &a.Message, &a.Treated, &treatedAt, &treatedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if journalID.Valid {
		a.JournalID = &journalID.Int64
	}
	if phaseID.Valid {
		a.PhaseID = &phaseID.Int64
	}
	if treatedAt.Valid {
		a.TreatedAt = &treatedAt.String
	}
	if treatedBy.Valid {
		a.TreatedBy = &treatedBy.String
	}
	return a, nil
}

func (r Repo) InsertAlertTx(ctx context.Context, tx *sql.Tx, a domain.Alert) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO alerts(operation_id,journal_id,phase_id,type,urgency,impact,message,treated,treated_at,treated_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.OperationID, nullableInt64Ptr(a.JournalID), nullableInt64Ptr(a.PhaseID),
		a.Type, a.Urgency, a.Impact, a.Message, a.Treated,
		nullableStringPtr(a.TreatedAt), nullableStringPtr(a.TreatedBy), a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAlert(ctx context.Context, id int64) (domain.Alert, error) {
	return scanAlert(r.DB.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id=?`, id))
}

func (r Repo) GetAlertTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Alert, error) {
	return scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id=?`, id))
}

func (r Repo) ListAlerts(ctx context.Context, operationID int64, onlyUntreated bool, limit int) ([]domain.Alert, error) {
	query := `SELECT ` + alertCols + ` FROM alerts WHERE operation_id=?`
	args := []any{operationID}
	if onlyUntreated {
		query += ` AND treated=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) TreatAlertTx(ctx context.Context, tx *sql.Tx, id int64, treatedBy, treatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE alerts SET treated=1, treated_at=?, treated_by=? WHERE id=? AND treated=0`,
		treatedAt, treatedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TreatJournalAlertsTx marks every alert linked to a journal entry treated.
func (r Repo) TreatJournalAlertsTx(ctx context.Context, tx *sql.Tx, journalID int64, treatedBy, treatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE alerts SET treated=1, treated_at=?, treated_by=? WHERE journal_id=? AND treated=0`,
		treatedAt, treatedBy, journalID)
	return err
}

func (r Repo) CountUntreatedAlertsTx(ctx context.Context, tx *sql.Tx, operationID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM alerts WHERE operation_id=? AND treated=0`, operationID).Scan(&n)
	return n, err
}

func (r Repo) CountUntreatedAlerts(ctx context.Context, operationID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM alerts WHERE operation_id=? AND treated=0`, operationID).Scan(&n)
	return n, err
}

func (r Repo) ExistsUntreatedPhaseAlertTx(ctx context.Context, tx *sql.Tx, phaseID int64, alertType string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM alerts WHERE phase_id=? AND type=? AND treated=0 LIMIT 1`, phaseID, alertType).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ExistsAlertTypeTx(ctx context.Context, tx *sql.Tx, operationID int64, alertType string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM alerts WHERE operation_id=? AND type=? LIMIT 1`, operationID, alertType).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
