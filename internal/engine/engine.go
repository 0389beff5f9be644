package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"optrack/internal/config"
	"optrack/internal/domain"
	"optrack/internal/engine/fault"
	"optrack/internal/events"
	"optrack/internal/repo"
)

const dateLayout = "2006-01-02"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) today() string {
	return e.now().UTC().Format(dateLayout)
}

// OperationCreateOptions are parameters for creating an operation.
type OperationCreateOptions struct {
	Name          string
	Type          string
	ACO           string
	City          string
	UnitsLLS      int
	UnitsLLTS     int
	UnitsPLS      int
	Budget        float64
	Grants        float64
	StartDate     string
	DeliveryDate  string
	StartPosition int
	ActorID       string
}

// CreateOperation instantiates the catalog phases for the type, writes the
// creation journal entry and info alert, seeds the REM projection and runs
// the deriver, all in one transaction.
func (e Engine) CreateOperation(ctx context.Context, opts OperationCreateOptions) (domain.Operation, error) {
	if e.Config == nil {
		return domain.Operation{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Operation{}, fault.Validationf("name is required")
	}
	if !domain.ValidOperationTypes[opts.Type] {
		return domain.Operation{}, fault.Validationf("unknown operation type %q", opts.Type)
	}
	if opts.ACO == "" {
		return domain.Operation{}, fault.Validationf("responsible party is required")
	}
	if opts.UnitsLLS < 0 || opts.UnitsLLTS < 0 || opts.UnitsPLS < 0 {
		return domain.Operation{}, fault.Validationf("unit counts must be >= 0")
	}
	templates := e.Config.Templates(opts.Type)
	if opts.StartPosition == 0 {
		opts.StartPosition = 1
	}
	if opts.StartPosition < 1 || opts.StartPosition > len(templates)+1 {
		return domain.Operation{}, fault.Validationf("start position %d out of range 1..%d", opts.StartPosition, len(templates)+1)
	}
	var startDate time.Time
	if opts.StartDate != "" {
		var err error
		startDate, err = time.Parse(dateLayout, opts.StartDate)
		if err != nil {
			return domain.Operation{}, fault.Validationf("start date %q not in YYYY-MM-DD form", opts.StartDate)
		}
	}
	if opts.DeliveryDate != "" {
		if _, err := time.Parse(dateLayout, opts.DeliveryDate); err != nil {
			return domain.Operation{}, fault.Validationf("delivery date %q not in YYYY-MM-DD form", opts.DeliveryDate)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, fault.Storagef(err, "begin create operation")
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetOperationByNameTx(ctx, tx, opts.Name); err == nil {
		return domain.Operation{}, fault.Validationf("operation %q already exists", opts.Name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Operation{}, fault.Storagef(err, "check operation name")
	}

	ts := e.nowStr()
	aco, err := e.Repo.EnsureACOTx(ctx, tx, opts.ACO, ts)
	if err != nil {
		return domain.Operation{}, fault.Storagef(err, "ensure responsible party")
	}

	op := domain.Operation{
		Name:         opts.Name,
		Type:         opts.Type,
		ACOID:        aco.ID,
		ACOName:      aco.Name,
		City:         opts.City,
		UnitsLLS:     opts.UnitsLLS,
		UnitsLLTS:    opts.UnitsLLTS,
		UnitsPLS:     opts.UnitsPLS,
		Budget:       opts.Budget,
		Grants:       opts.Grants,
		StartDate:    optionalString(opts.StartDate),
		DeliveryDate: optionalString(opts.DeliveryDate),
		Status:       domain.StatusInAssembly,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	op.ID, err = e.Repo.InsertOperationTx(ctx, tx, op)
	if err != nil {
		return domain.Operation{}, fault.Storagef(err, "insert operation")
	}

	if err := e.generatePhasesTx(ctx, tx, &op, templates, opts.StartPosition, startDate, opts.ActorID); err != nil {
		return domain.Operation{}, err
	}

	if err := e.Repo.BumpACOCountersTx(ctx, tx, aco.ID, 1, 1); err != nil {
		return domain.Operation{}, fault.Storagef(err, "bump responsible counters")
	}

	entry := domain.JournalEntry{
		OperationID: op.ID,
		Author:      opts.ActorID,
		Action:      domain.ActionCreation,
		Text:        fmt.Sprintf("Operation %s created", op.Name),
		Urgency:     1,
		CreatedAt:   ts,
	}
	entryID, err := e.Repo.InsertJournalTx(ctx, tx, entry)
	if err != nil {
		return domain.Operation{}, fault.Storagef(err, "insert creation journal entry")
	}

	info := domain.Alert{
		OperationID: op.ID,
		JournalID:   &entryID,
		Type:        domain.AlertInfo,
		Urgency:     1,
		Impact:      e.Config.AlertPriority(domain.AlertInfo),
		Message:     fmt.Sprintf("Operation %s created", op.Name),
		CreatedAt:   ts,
	}
	infoID, err := e.Repo.InsertAlertTx(ctx, tx, info)
	if err != nil {
		return domain.Operation{}, fault.Storagef(err, "insert info alert")
	}
	if err := e.Events.Append(ctx, tx, events.AlertCreated, op.ID, "alert", idStr(infoID), opts.ActorID, events.EventPayload{"type": info.Type}); err != nil {
		return domain.Operation{}, err
	}

	if err := e.deriveTx(ctx, tx, &op, opts.ActorID); err != nil {
		return domain.Operation{}, err
	}

	if err := e.Events.Append(ctx, tx, events.OperationCreated, op.ID, "operation", idStr(op.ID), opts.ActorID, events.EventPayload{
		"name":   op.Name,
		"type":   op.Type,
		"status": op.Status,
	}); err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, fault.Storagef(err, "commit create operation")
	}
	return op, nil
}

// UpdateUnits changes the unit mix; the deriver refreshes the projection.
func (e Engine) UpdateUnits(ctx context.Context, operationID int64, lls, llts, pls int, actorID string) (domain.Operation, error) {
	if e.Config == nil {
		return domain.Operation{}, errors.New("config not loaded")
	}
	if lls < 0 || llts < 0 || pls < 0 {
		return domain.Operation{}, fault.Validationf("unit counts must be >= 0")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, fault.Storagef(err, "begin update units")
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, operationID)
	if err != nil {
		return domain.Operation{}, err
	}
	if err := e.Repo.UpdateOperationUnitsTx(ctx, tx, op.ID, lls, llts, pls, e.nowStr()); err != nil {
		return domain.Operation{}, fault.Storagef(err, "update units")
	}
	op.UnitsLLS, op.UnitsLLTS, op.UnitsPLS = lls, llts, pls
	if err := e.deriveTx(ctx, tx, &op, actorID); err != nil {
		return domain.Operation{}, err
	}
	if err := e.Events.Append(ctx, tx, events.UnitsUpdated, op.ID, "operation", idStr(op.ID), actorID, events.EventPayload{
		"lls": lls, "llts": llts, "pls": pls,
	}); err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, fault.Storagef(err, "commit update units")
	}
	return op, nil
}

// Recompute refreshes the cached status, percentage, risk and current phase
// from phase and journal state. Idempotent.
func (e Engine) Recompute(ctx context.Context, operationID int64, actorID string) (domain.Operation, error) {
	if e.Config == nil {
		return domain.Operation{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, fault.Storagef(err, "begin recompute")
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, operationID)
	if err != nil {
		return domain.Operation{}, err
	}
	if err := e.deriveTx(ctx, tx, &op, actorID); err != nil {
		return domain.Operation{}, err
	}
	if err := e.Events.Append(ctx, tx, events.OperationRecomputed, op.ID, "operation", idStr(op.ID), actorID, events.EventPayload{
		"status": op.Status,
		"risk":   op.RiskScore,
	}); err != nil {
		return domain.Operation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operation{}, fault.Storagef(err, "commit recompute")
	}
	return op, nil
}

// TreatAlert dismisses an alert explicitly.
func (e Engine) TreatAlert(ctx context.Context, alertID int64, actorID string) (domain.Alert, error) {
	if e.Config == nil {
		return domain.Alert{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Alert{}, fault.Storagef(err, "begin treat alert")
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAlertTx(ctx, tx, alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	if a.Treated {
		return domain.Alert{}, fault.Validationf("alert %d already treated", alertID)
	}
	op, err := e.Repo.GetOperationTx(ctx, tx, a.OperationID)
	if err != nil {
		return domain.Alert{}, err
	}
	ts := e.nowStr()
	if err := e.Repo.TreatAlertTx(ctx, tx, alertID, actorID, ts); err != nil {
		return domain.Alert{}, fault.Storagef(err, "treat alert")
	}
	a.Treated = true
	a.TreatedAt = &ts
	a.TreatedBy = &actorID
	if err := e.deriveTx(ctx, tx, &op, actorID); err != nil {
		return domain.Alert{}, err
	}
	if err := e.Events.Append(ctx, tx, events.AlertTreated, op.ID, "alert", idStr(alertID), actorID, events.EventPayload{"type": a.Type}); err != nil {
		return domain.Alert{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Alert{}, fault.Storagef(err, "commit treat alert")
	}
	return a, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func idStr(id int64) string {
	return strconv.FormatInt(id, 10)
}
