package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"optrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// scanner covers *sql.Row and *sql.Rows so wide rows are mapped once.
type scanner interface {
	Scan(dest ...any) error
}

const operationCols = `o.id,o.name,o.type,o.aco_id,a.name,o.city,o.units_lls,o.units_llts,o.units_pls,o.budget,o.grants,o.start_date,o.delivery_date,o.status,o.completion_pct,o.risk_score,o.current_phase,o.active_blockage,o.status_override,o.last_alert_type,o.last_alert_at,o.created_at,o.updated_at`

const operationFrom = ` FROM operations o JOIN acos a ON a.id=o.aco_id`

func scanOperation(sc scanner) (domain.Operation, error) {
	var op domain.Operation
	var startDate, deliveryDate, lastAlertType, lastAlertAt sql.NullString
	err := sc.Scan(&op.ID, &op.Name, &op.Type, &op.ACOID, &op.ACOName, &op.City,
		&op.UnitsLLS, &op.UnitsLLTS, &op.UnitsPLS, &op.Budget, &op.Grants,
		&startDate, &deliveryDate, &op.Status, &op.CompletionPct, &op.RiskScore,
		&op.CurrentPhase, &op.ActiveBlockage, &op.StatusOverride,
		&lastAlertType, &lastAlertAt, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if startDate.Valid {
		op.StartDate = &startDate.String
	}
	if deliveryDate.Valid {
		op.DeliveryDate = &deliveryDate.String
	}
	if lastAlertType.Valid {
		op.LastAlertType = &lastAlertType.String
	}
	if lastAlertAt.Valid {
		op.LastAlertAt = &lastAlertAt.String
	}
	return op, nil
}

func (r Repo) InsertOperationTx(ctx context.Context, tx *sql.Tx, op domain.Operation) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO operations(name,type,aco_id,city,units_lls,units_llts,units_pls,budget,grants,start_date,delivery_date,status,completion_pct,risk_score,current_phase,active_blockage,status_override,last_alert_type,last_alert_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		op.Name, op.Type, op.ACOID, op.City, op.UnitsLLS, op.UnitsLLTS, op.UnitsPLS,
		op.Budget, op.Grants, nullableStringPtr(op.StartDate), nullableStringPtr(op.DeliveryDate),
		op.Status, op.CompletionPct, op.RiskScore, op.CurrentPhase, op.ActiveBlockage,
		op.StatusOverride, nullableStringPtr(op.LastAlertType), nullableStringPtr(op.LastAlertAt),
		op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetOperation(ctx context.Context, id int64) (domain.Operation, error) {
	return scanOperation(r.DB.QueryRowContext(ctx, `SELECT `+operationCols+operationFrom+` WHERE o.id=?`, id))
}

func (r Repo) GetOperationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Operation, error) {
	return scanOperation(tx.QueryRowContext(ctx, `SELECT `+operationCols+operationFrom+` WHERE o.id=?`, id))
}

func (r Repo) GetOperationByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.Operation, error) {
	return scanOperation(tx.QueryRowContext(ctx, `SELECT `+operationCols+operationFrom+` WHERE o.name=?`, name))
}

// UpdateOperationDerivedTx rewrites the cached fields owned by the deriver.
func (r Repo) UpdateOperationDerivedTx(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	_, err := tx.ExecContext(ctx, `UPDATE operations SET status=?, completion_pct=?, risk_score=?, current_phase=?, active_blockage=?, status_override=?, last_alert_type=?, last_alert_at=?, updated_at=? WHERE id=?`,
		op.Status, op.CompletionPct, op.RiskScore, op.CurrentPhase, op.ActiveBlockage,
		op.StatusOverride, nullableStringPtr(op.LastAlertType), nullableStringPtr(op.LastAlertAt),
		op.UpdatedAt, op.ID)
	return err
}

func (r Repo) UpdateOperationUnitsTx(ctx context.Context, tx *sql.Tx, id int64, lls, llts, pls int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE operations SET units_lls=?, units_llts=?, units_pls=?, updated_at=? WHERE id=?`,
		lls, llts, pls, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OperationFilters struct {
	ACO      string
	Type     string
	Status   string
	SortRisk bool
	Limit    int
}

func (r Repo) ListOperations(ctx context.Context, f OperationFilters) ([]domain.Operation, error) {
	var clauses []string
	var args []any
	if f.ACO != "" {
		clauses = append(clauses, "a.name=?")
		args = append(args, f.ACO)
	}
	if f.Type != "" {
		clauses = append(clauses, "o.type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "o.status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	order := ` ORDER BY o.created_at DESC, o.id DESC`
	if f.SortRisk {
		order = ` ORDER BY o.active_blockage DESC, o.risk_score DESC, o.updated_at ASC`
	}
	query := `SELECT ` + operationCols + operationFrom + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// TopRisk returns non-closed operations in attention order: blocked first,
// then highest risk, stalest update first among equals.
func (r Repo) TopRisk(ctx context.Context, limit int) ([]domain.Operation, error) {
	query := `SELECT ` + operationCols + operationFrom +
		` WHERE o.status != ? ORDER BY o.active_blockage DESC, o.risk_score DESC, o.updated_at ASC`
	args := []any{domain.StatusClosed}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

func (r Repo) EnsureACOTx(ctx context.Context, tx *sql.Tx, name, createdAt string) (domain.ACO, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO acos(name,created_at) VALUES (?,?)`, name, createdAt); err != nil {
		return domain.ACO{}, err
	}
	var a domain.ACO
	err := tx.QueryRowContext(ctx, `SELECT id,name,operations_count,active_count,created_at FROM acos WHERE name=?`, name).
		Scan(&a.ID, &a.Name, &a.OperationsCount, &a.ActiveCount, &a.CreatedAt)
	return a, err
}

func (r Repo) BumpACOCountersTx(ctx context.Context, tx *sql.Tx, id int64, opsDelta, activeDelta int) error {
	_, err := tx.ExecContext(ctx, `UPDATE acos SET operations_count=operations_count+?, active_count=active_count+? WHERE id=?`,
		opsDelta, activeDelta, id)
	return err
}

func (r Repo) GetACO(ctx context.Context, id int64) (domain.ACO, error) {
	var a domain.ACO
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,operations_count,active_count,created_at FROM acos WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.OperationsCount, &a.ActiveCount, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListACOs(ctx context.Context) ([]domain.ACO, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,operations_count,active_count,created_at FROM acos ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ACO
	for rows.Next() {
		var a domain.ACO
		if err := rows.Scan(&a.ID, &a.Name, &a.OperationsCount, &a.ActiveCount, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, operationID int64, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, operationID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor, operationID int64, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if operationID > 0 {
		clauses = append(clauses, "operation_id=?")
		args = append(args, operationID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,operation_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var opID sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &opID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if opID.Valid {
			e.OperationID = opID.Int64
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor, operationID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if operationID > 0 {
		clauses = append(clauses, "operation_id=?")
		args = append(args, operationID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,operation_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var opID sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &opID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if opID.Valid {
			e.OperationID = opID.Int64
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
