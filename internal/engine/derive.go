package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"optrack/internal/config"
	"optrack/internal/domain"
	"optrack/internal/engine/fault"
	"optrack/internal/events"
)

// deriveTx recomputes every cached field of the operation from phase,
// journal and alert state, raises delay and validation alerts, refreshes the
// REM projection and writes the row. Any derivation failure aborts the
// transaction so the previously cached values stand.
func (e Engine) deriveTx(ctx context.Context, tx *sql.Tx, op *domain.Operation, actorID string) error {
	phases, err := e.Repo.ListPhasesTx(ctx, tx, op.ID)
	if err != nil {
		return err
	}
	unresolved, err := e.Repo.CountUnresolvedBlockagesTx(ctx, tx, op.ID)
	if err != nil {
		return fault.Storagef(err, "count unresolved blockages")
	}

	today := e.today()
	oldStatus := op.Status
	pct := completionPct(phases)
	blocked := unresolved > 0
	for _, p := range phases {
		if p.Blocked {
			blocked = true
			break
		}
	}

	var status string
	switch {
	case op.StatusOverride:
		// a forced blockage holds until resolution lifts the override
		status = domain.StatusBlocked
		blocked = true
	case blocked:
		status = domain.StatusBlocked
	default:
		status, err = evaluateStatus(e.Config.Rules(op.Type), phases, pct)
		if err != nil {
			return err
		}
	}

	if err := e.raiseDerivedAlertsTx(ctx, tx, op, phases, pct, today, actorID); err != nil {
		return err
	}

	untreated, err := e.Repo.CountUntreatedAlertsTx(ctx, tx, op.ID)
	if err != nil {
		return fault.Storagef(err, "count untreated alerts")
	}
	late := 0
	blockedPhases := 0
	for _, p := range phases {
		if phaseOverdue(p, today) {
			late++
		}
		if p.Blocked {
			blockedPhases++
		}
	}

	op.CompletionPct = pct
	op.CurrentPhase = currentPhaseName(phases)
	op.Status = status
	op.ActiveBlockage = blocked
	op.RiskScore = riskScore(pct, status, blocked, untreated, late, blockedPhases)
	op.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateOperationDerivedTx(ctx, tx, *op); err != nil {
		return fault.Storagef(err, "write derived fields")
	}

	if oldStatus != status {
		if status == domain.StatusClosed {
			if err := e.Repo.BumpACOCountersTx(ctx, tx, op.ACOID, 0, -1); err != nil {
				return fault.Storagef(err, "decrement active counter")
			}
		} else if oldStatus == domain.StatusClosed {
			if err := e.Repo.BumpACOCountersTx(ctx, tx, op.ACOID, 0, 1); err != nil {
				return fault.Storagef(err, "increment active counter")
			}
		}
	}

	return e.refreshProjectionTx(ctx, tx, op, actorID)
}

// raiseDerivedAlertsTx creates the alerts the deriver itself owns: one delay
// alert per overdue phase while none is untreated for it, and a single
// validation alert when the set reaches 100%.
func (e Engine) raiseDerivedAlertsTx(ctx context.Context, tx *sql.Tx, op *domain.Operation, phases []domain.Phase, pct float64, today, actorID string) error {
	ts := e.nowStr()
	for _, p := range phases {
		if !phaseOverdue(p, today) {
			continue
		}
		exists, err := e.Repo.ExistsUntreatedPhaseAlertTx(ctx, tx, p.ID, domain.AlertDelay)
		if err != nil {
			return fault.Storagef(err, "probe delay alert")
		}
		if exists {
			continue
		}
		pid := p.ID
		a := domain.Alert{
			OperationID: op.ID,
			PhaseID:     &pid,
			Type:        domain.AlertDelay,
			Urgency:     3,
			Impact:      e.Config.AlertPriority(domain.AlertDelay) * 3,
			Message:     fmt.Sprintf("Phase %q passed its planned end %s", p.Name, *p.PlannedEnd),
			CreatedAt:   ts,
		}
		id, err := e.Repo.InsertAlertTx(ctx, tx, a)
		if err != nil {
			return fault.Storagef(err, "insert delay alert")
		}
		op.LastAlertType = optionalString(a.Type)
		op.LastAlertAt = &ts
		if err := e.Events.Append(ctx, tx, events.AlertCreated, op.ID, "alert", idStr(id), actorID, events.EventPayload{"type": a.Type}); err != nil {
			return err
		}
	}
	if pct == 100 {
		exists, err := e.Repo.ExistsAlertTypeTx(ctx, tx, op.ID, domain.AlertValidation)
		if err != nil {
			return fault.Storagef(err, "probe validation alert")
		}
		if !exists {
			a := domain.Alert{
				OperationID: op.ID,
				Type:        domain.AlertValidation,
				Urgency:     2,
				Impact:      e.Config.AlertPriority(domain.AlertValidation) * 2,
				Message:     "All phases validated",
				CreatedAt:   ts,
			}
			id, err := e.Repo.InsertAlertTx(ctx, tx, a)
			if err != nil {
				return fault.Storagef(err, "insert validation alert")
			}
			op.LastAlertType = optionalString(a.Type)
			op.LastAlertAt = &ts
			if err := e.Events.Append(ctx, tx, events.AlertCreated, op.ID, "alert", idStr(id), actorID, events.EventPayload{"type": a.Type}); err != nil {
				return err
			}
		}
	}
	return nil
}

// completionPct is validated phases over total, as a percentage with one
// decimal.
func completionPct(phases []domain.Phase) float64 {
	if len(phases) == 0 {
		return 0
	}
	validated := 0
	for _, p := range phases {
		if p.Validated {
			validated++
		}
	}
	return round1(float64(validated) / float64(len(phases)) * 100)
}

// currentPhaseName is the name of the lowest-position unvalidated phase, or
// empty once everything is validated.
func currentPhaseName(phases []domain.Phase) string {
	for _, p := range phases {
		if !p.Validated {
			return p.Name
		}
	}
	return ""
}

// evaluateStatus walks the type's rule table in order and returns the first
// matching label. Tables end with an unconditional rule, so no match means
// the configuration is broken and derivation fails closed.
func evaluateStatus(rules []config.StatusRule, phases []domain.Phase, pct float64) (string, error) {
	if len(rules) == 0 {
		return "", fault.Derivationf("no status rules configured")
	}
	for _, r := range rules {
		if ruleMatches(r, phases, pct) {
			return r.Status, nil
		}
	}
	return "", fault.Derivationf("no status rule matched at %.1f%%", pct)
}

// ruleMatches ANDs every predicate the rule sets. Group predicates are false
// when the group has no phases, so a rule never matches vacuously.
func ruleMatches(r config.StatusRule, phases []domain.Phase, pct float64) bool {
	if r.AllValidated {
		for _, p := range phases {
			if !p.Validated {
				return false
			}
		}
	}
	if r.NoneValidated {
		for _, p := range phases {
			if p.Validated {
				return false
			}
		}
	}
	if r.MinPct != nil && pct < *r.MinPct {
		return false
	}
	if r.MaxPct != nil && pct > *r.MaxPct {
		return false
	}
	if r.PhaseDone != "" && !groupDone(phases, func(p domain.Phase) bool { return p.Principal == r.PhaseDone }) {
		return false
	}
	if r.PhaseStarted != "" && !groupStarted(phases, func(p domain.Phase) bool { return p.Principal == r.PhaseStarted }) {
		return false
	}
	if r.DomainDone != "" && !groupDone(phases, func(p domain.Phase) bool { return p.Domain == r.DomainDone }) {
		return false
	}
	return true
}

func groupDone(phases []domain.Phase, in func(domain.Phase) bool) bool {
	found := false
	for _, p := range phases {
		if !in(p) {
			continue
		}
		found = true
		if !p.Validated {
			return false
		}
	}
	return found
}

func groupStarted(phases []domain.Phase, in func(domain.Phase) bool) bool {
	for _, p := range phases {
		if in(p) && p.Validated {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
