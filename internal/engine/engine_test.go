package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"optrack/internal/config"
	"optrack/internal/db"
	"optrack/internal/domain"
	"optrack/internal/engine"
	"optrack/internal/engine/fault"
	"optrack/internal/migrate"
	"optrack/internal/repo"
)

const testConfig = `catalog:
  OPP:
    - {principal: assembly, name: Land secured, min_days: 10, max_days: 20, responsible: development officer, domain: operational}
    - {principal: studies, name: Feasibility study, min_days: 10, max_days: 20, responsible: programme manager, domain: operational}
    - {principal: consultation, name: Tender published, min_days: 10, max_days: 20, responsible: programme manager, domain: operational}
    - {principal: construction, name: Works complete, min_days: 10, max_days: 20, responsible: works supervisor, domain: operational}
    - {principal: reception, name: Works acceptance, min_days: 10, max_days: 20, responsible: works supervisor, domain: operational, rem_impact: true}
status_rules:
  OPP:
    - {all_validated: true, status: closed}
    - {phase_done: reception, status: delivered}
    - {phase_done: construction, status: in_reception}
    - {phase_started: construction, status: in_construction}
    - {phase_done: consultation, status: in_construction}
    - {phase_started: consultation, status: in_consultation}
    - {phase_done: studies, status: in_consultation}
    - {phase_started: studies, status: in_study}
    - {status: in_assembly}
alerts:
  priorities: {blockage: 5, delay: 4, attention: 3, validation: 2, info: 1}
blockage:
  keywords: [blocked, dispute, refusal]
rem:
  rates: {lls: 1000, llts: 800, pls: 0}
  delay_penalty: 0.1
  early_bonus: 0.05
`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg, err := config.FromYAML([]byte(testConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createOp(t *testing.T, env testEnv, name string) domain.Operation {
	t.Helper()
	op, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		Name:      name,
		Type:      domain.TypeOPP,
		ACO:       "Habitat Nord",
		City:      "Lille",
		UnitsLLS:  10,
		UnitsLLTS: 5,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	return op
}

func validatePhase(t *testing.T, env testEnv, id int64) domain.Phase {
	t.Helper()
	yes := true
	ph, err := env.Engine.UpdatePhase(env.Ctx, id, engine.PhaseUpdateOptions{Validate: &yes, ActorID: "tester"})
	if err != nil {
		t.Fatalf("validate phase %d: %v", id, err)
	}
	return ph
}

func TestCreateOperationGeneratesCatalogPhases(t *testing.T) {
	env := newTestEnv(t)
	op, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		Name:      "Quai des Flandres",
		Type:      domain.TypeOPP,
		ACO:       "Habitat Nord",
		City:      "Lille",
		UnitsLLS:  10,
		UnitsLLTS: 5,
		StartDate: "2024-03-01",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if op.Status != domain.StatusInAssembly || op.CompletionPct != 0 {
		t.Fatalf("unexpected initial state: %s %.1f", op.Status, op.CompletionPct)
	}
	if op.CurrentPhase != "Land secured" {
		t.Fatalf("unexpected current phase %q", op.CurrentPhase)
	}
	phases, err := env.Engine.ListPhases(env.Ctx, op.ID)
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	if len(phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(phases))
	}
	for i, p := range phases {
		if p.Position != i+1 {
			t.Fatalf("phase %d at position %d", i, p.Position)
		}
		if p.Marker != domain.MarkerInProgress {
			t.Fatalf("expected in_progress marker, got %s", p.Marker)
		}
	}
	// planned dates chain from the start date using mean durations (15 days)
	if phases[0].PlannedStart == nil || *phases[0].PlannedStart != "2024-03-01" {
		t.Fatalf("phase 1 planned start: %v", phases[0].PlannedStart)
	}
	if phases[0].PlannedEnd == nil || *phases[0].PlannedEnd != "2024-03-16" {
		t.Fatalf("phase 1 planned end: %v", phases[0].PlannedEnd)
	}
	if phases[1].PlannedStart == nil || *phases[1].PlannedStart != "2024-03-16" {
		t.Fatalf("phase 2 planned start: %v", phases[1].PlannedStart)
	}
	// creation risk: 30 progress shortfall + 5 for the untreated info alert
	if op.RiskScore != 35 {
		t.Fatalf("expected risk 35, got %.1f", op.RiskScore)
	}
}

func TestStartPositionPrevalidatesEarlierPhases(t *testing.T) {
	env := newTestEnv(t)
	op, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		Name:          "Reprise en cours",
		Type:          domain.TypeOPP,
		ACO:           "Habitat Nord",
		UnitsLLS:      4,
		StartPosition: 3,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if op.CompletionPct != 40 {
		t.Fatalf("expected 40%%, got %.1f", op.CompletionPct)
	}
	if op.Status != domain.StatusInConsultation {
		t.Fatalf("expected in_consultation, got %s", op.Status)
	}
	if op.CurrentPhase != "Tender published" {
		t.Fatalf("unexpected current phase %q", op.CurrentPhase)
	}
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	if !phases[0].Validated || !phases[1].Validated || phases[2].Validated {
		t.Fatalf("expected phases 1-2 validated only")
	}
	if phases[0].Marker != domain.MarkerDone {
		t.Fatalf("expected done marker, got %s", phases[0].Marker)
	}
}

func TestPhaseValidationLadder(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Ladder")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)

	steps := []struct {
		pct     float64
		status  string
		current string
	}{
		{20, domain.StatusInAssembly, "Feasibility study"},
		{40, domain.StatusInConsultation, "Tender published"},
		{60, domain.StatusInConstruction, "Works complete"},
		{80, domain.StatusInReception, "Works acceptance"},
		{100, domain.StatusClosed, ""},
	}
	for i, want := range steps {
		validatePhase(t, env, phases[i].ID)
		got, err := env.Engine.GetOperation(env.Ctx, op.ID)
		if err != nil {
			t.Fatalf("get operation: %v", err)
		}
		if got.CompletionPct != want.pct {
			t.Fatalf("step %d: pct %.1f, want %.1f", i+1, got.CompletionPct, want.pct)
		}
		if got.Status != want.status {
			t.Fatalf("step %d: status %s, want %s", i+1, got.Status, want.status)
		}
		if got.CurrentPhase != want.current {
			t.Fatalf("step %d: current %q, want %q", i+1, got.CurrentPhase, want.current)
		}
	}
	// closing decrements the responsible party's active counter
	acos, err := env.Engine.Repo.ListACOs(env.Ctx)
	if err != nil {
		t.Fatalf("list acos: %v", err)
	}
	if len(acos) != 1 || acos[0].OperationsCount != 1 || acos[0].ActiveCount != 0 {
		t.Fatalf("unexpected aco counters: %+v", acos)
	}
	// full validation raises a single validation alert
	alerts, _ := env.Engine.ListAlerts(env.Ctx, op.ID, false, 0)
	validations := 0
	for _, a := range alerts {
		if a.Type == domain.AlertValidation {
			validations++
		}
	}
	if validations != 1 {
		t.Fatalf("expected one validation alert, got %d", validations)
	}
}

func TestRiskScoreFollowsProgress(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Risque")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)

	validatePhase(t, env, phases[0].ID)
	validatePhase(t, env, phases[1].ID)
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	// 60*0.3 shortfall + one untreated info alert
	if got.RiskScore != 23 {
		t.Fatalf("expected risk 23 at 40%%, got %.1f", got.RiskScore)
	}
	validatePhase(t, env, phases[2].ID)
	got, _ = env.Engine.GetOperation(env.Ctx, op.ID)
	// 40*0.3 + 20 construction bonus under 70% + 5 alert
	if got.RiskScore != 37 {
		t.Fatalf("expected risk 37 at 60%%, got %.1f", got.RiskScore)
	}
}

func TestInsertCustomPhaseKeepsPositionsContiguous(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Insertion")
	ph, err := env.Engine.InsertCustomPhase(env.Ctx, engine.CustomPhaseOptions{
		OperationID: op.ID,
		Name:        "Soil survey",
		Principal:   "studies",
		Position:    2,
		MinDays:     5,
		MaxDays:     10,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("insert custom phase: %v", err)
	}
	if ph.Position != 2 || !ph.Custom {
		t.Fatalf("unexpected inserted phase: %+v", ph)
	}
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	if len(phases) != 6 {
		t.Fatalf("expected 6 phases, got %d", len(phases))
	}
	for i, p := range phases {
		if p.Position != i+1 {
			t.Fatalf("position gap at %d: %d", i, p.Position)
		}
	}
	if phases[1].Name != "Soil survey" || phases[2].Name != "Feasibility study" {
		t.Fatalf("unexpected order: %s, %s", phases[1].Name, phases[2].Name)
	}
	_, err = env.Engine.InsertCustomPhase(env.Ctx, engine.CustomPhaseOptions{
		OperationID: op.ID, Name: "Too far", Principal: "studies", Position: 99, ActorID: "tester",
	})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}

func TestReorderRejectsForeignPhase(t *testing.T) {
	env := newTestEnv(t)
	opA := createOp(t, env, "Alpha")
	opB := createOp(t, env, "Beta")
	phasesA, _ := env.Engine.ListPhases(env.Ctx, opA.ID)
	phasesB, _ := env.Engine.ListPhases(env.Ctx, opB.ID)

	ids := []int64{phasesA[0].ID, phasesA[1].ID, phasesA[2].ID, phasesA[3].ID, phasesB[0].ID}
	_, err := env.Engine.ReorderPhases(env.Ctx, opA.ID, ids, "tester")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
	after, _ := env.Engine.ListPhases(env.Ctx, opA.ID)
	for i, p := range after {
		if p.ID != phasesA[i].ID {
			t.Fatalf("positions changed after rejected reorder")
		}
	}
}

func TestReorderAppliesPermutation(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Permutation")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	ids := []int64{phases[1].ID, phases[0].ID, phases[2].ID, phases[3].ID, phases[4].ID}
	reordered, err := env.Engine.ReorderPhases(env.Ctx, op.ID, ids, "tester")
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if reordered[0].Name != "Feasibility study" || reordered[1].Name != "Land secured" {
		t.Fatalf("unexpected order: %s, %s", reordered[0].Name, reordered[1].Name)
	}
	for i, p := range reordered {
		if p.Position != i+1 {
			t.Fatalf("position gap at %d: %d", i, p.Position)
		}
	}
	// the current phase follows the new order
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.CurrentPhase != "Feasibility study" {
		t.Fatalf("unexpected current phase %q", got.CurrentPhase)
	}
}

func TestBlockageJournalForcesStatus(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Bloquee")
	entry, alert, err := env.Engine.AppendJournal(env.Ctx, engine.JournalAppendOptions{
		OperationID: op.ID,
		Author:      "tester",
		Action:      domain.ActionBlockage,
		Text:        "Contractor payment halted pending audit",
		Urgency:     4,
		Blockage:    true,
	})
	if err != nil {
		t.Fatalf("append journal: %v", err)
	}
	if alert == nil || alert.Type != domain.AlertBlockage {
		t.Fatalf("expected blockage alert, got %+v", alert)
	}
	if alert.Impact != 20 {
		t.Fatalf("expected impact 20, got %d", alert.Impact)
	}
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.Status != domain.StatusBlocked || !got.ActiveBlockage || !got.StatusOverride {
		t.Fatalf("expected forced blocked state, got %+v", got)
	}
	// blocked operations carry the +50 bonus
	if got.RiskScore != 90 {
		t.Fatalf("expected risk 90, got %.1f", got.RiskScore)
	}

	resolved, err := env.Engine.ResolveBlockage(env.Ctx, entry.ID, "tester", "Audit cleared, payment released")
	if err != nil {
		t.Fatalf("resolve blockage: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedBy == nil {
		t.Fatalf("entry not marked resolved: %+v", resolved)
	}
	got, _ = env.Engine.GetOperation(env.Ctx, op.ID)
	if got.Status != domain.StatusInAssembly || got.ActiveBlockage || got.StatusOverride {
		t.Fatalf("expected derived status restored, got %+v", got)
	}
	// linked alert treated, resolution entry appended
	alerts, _ := env.Engine.ListAlerts(env.Ctx, op.ID, false, 0)
	for _, a := range alerts {
		if a.Type == domain.AlertBlockage && !a.Treated {
			t.Fatalf("blockage alert left untreated")
		}
	}
	journal, _ := env.Engine.ListJournal(env.Ctx, op.ID, 0)
	foundResolution := false
	for _, j := range journal {
		if j.Action == domain.ActionResolution {
			foundResolution = true
		}
	}
	if !foundResolution {
		t.Fatalf("expected a resolution entry")
	}

	_, err = env.Engine.ResolveBlockage(env.Ctx, entry.ID, "tester", "again")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected validation fault on double resolve, got %v", err)
	}
}

func TestKeywordDetectionWithoutBlockageAction(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Detection")
	entry, alert, err := env.Engine.AppendJournal(env.Ctx, engine.JournalAppendOptions{
		OperationID: op.ID,
		Author:      "tester",
		Action:      domain.ActionNote,
		Text:        "Site access blocked due to neighbor dispute",
		Urgency:     1,
	})
	if err != nil {
		t.Fatalf("append journal: %v", err)
	}
	if !entry.Blockage {
		t.Fatalf("expected detected blockage flag")
	}
	if entry.Urgency != 3 {
		t.Fatalf("expected urgency raised to 3, got %d", entry.Urgency)
	}
	if len(entry.Keywords) != 2 || entry.Keywords[0] != "blocked" || entry.Keywords[1] != "dispute" {
		t.Fatalf("unexpected keywords %v", entry.Keywords)
	}
	if alert == nil || alert.Type != domain.AlertBlockage {
		t.Fatalf("expected blockage alert, got %+v", alert)
	}
	// a note-action entry never forces the status
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.Status != domain.StatusInAssembly || got.StatusOverride {
		t.Fatalf("status should stay derived, got %s override=%v", got.Status, got.StatusOverride)
	}
}

func TestHighUrgencyRaisesAttentionAlert(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Attention")
	entry, alert, err := env.Engine.AppendJournal(env.Ctx, engine.JournalAppendOptions{
		OperationID: op.ID,
		Author:      "tester",
		Text:        "Budget review meeting escalated to the board",
		Urgency:     4,
	})
	if err != nil {
		t.Fatalf("append journal: %v", err)
	}
	if entry.Blockage {
		t.Fatalf("no blockage expected")
	}
	if alert == nil || alert.Type != domain.AlertAttention || alert.Impact != 12 {
		t.Fatalf("expected attention alert with impact 12, got %+v", alert)
	}
}

func TestAlertPreviewTruncated(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Longue")
	long := ""
	for i := 0; i < 30; i++ {
		long += "important detail "
	}
	_, alert, err := env.Engine.AppendJournal(env.Ctx, engine.JournalAppendOptions{
		OperationID: op.ID,
		Author:      "tester",
		Text:        long,
		Urgency:     5,
	})
	if err != nil {
		t.Fatalf("append journal: %v", err)
	}
	if alert == nil {
		t.Fatalf("expected alert")
	}
	if len([]rune(alert.Message)) != 103 {
		t.Fatalf("expected 100 runes plus ellipsis, got %d", len([]rune(alert.Message)))
	}
	if alert.Message[len(alert.Message)-3:] != "..." {
		t.Fatalf("expected ellipsis suffix")
	}
}

func TestPhaseBlockageDerivesBlocked(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "PhaseBloquee")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	reason := "Neighbor appeal against the permit"
	ph, err := env.Engine.UpdatePhase(env.Ctx, phases[0].ID, engine.PhaseUpdateOptions{
		BlockReason: &reason,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("block phase: %v", err)
	}
	if !ph.Blocked || ph.Marker != domain.MarkerBlocked {
		t.Fatalf("expected blocked marker, got %+v", ph)
	}
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.Status != domain.StatusBlocked || !got.ActiveBlockage {
		t.Fatalf("expected blocked operation, got %s", got.Status)
	}
	if got.StatusOverride {
		t.Fatalf("phase blockage must not set the override")
	}
	// 30 shortfall + 50 blockage + 5 info alert + 10 blocked phase
	if got.RiskScore != 95 {
		t.Fatalf("expected risk 95, got %.1f", got.RiskScore)
	}

	ph, err = env.Engine.UpdatePhase(env.Ctx, phases[0].ID, engine.PhaseUpdateOptions{
		ClearBlockage: true,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("clear blockage: %v", err)
	}
	if ph.Blocked || ph.BlockageReason != nil {
		t.Fatalf("blockage not cleared: %+v", ph)
	}
	got, _ = env.Engine.GetOperation(env.Ctx, op.ID)
	if got.Status != domain.StatusInAssembly || got.ActiveBlockage {
		t.Fatalf("expected derived status after clear, got %s", got.Status)
	}
}

func TestValidationSupersedesBlockage(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Superseded")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	reason := "Funding refused by the bank"
	if _, err := env.Engine.UpdatePhase(env.Ctx, phases[0].ID, engine.PhaseUpdateOptions{BlockReason: &reason, ActorID: "tester"}); err != nil {
		t.Fatalf("block: %v", err)
	}
	ph := validatePhase(t, env, phases[0].ID)
	if ph.Blocked || !ph.Validated || ph.Marker != domain.MarkerDone {
		t.Fatalf("validation should clear the blockage: %+v", ph)
	}
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.Status == domain.StatusBlocked {
		t.Fatalf("operation still blocked")
	}
}

func TestDelayAlertsRaisedOncePerOverduePhase(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	op, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		Name:      "En retard",
		Type:      domain.TypeOPP,
		ACO:       "Habitat Nord",
		UnitsLLS:  10,
		StartDate: "2024-01-01",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	for _, p := range phases {
		if p.Marker != domain.MarkerLate {
			t.Fatalf("expected late marker, got %s", p.Marker)
		}
	}
	countDelay := func() int {
		alerts, err := env.Engine.ListAlerts(env.Ctx, op.ID, false, 0)
		if err != nil {
			t.Fatalf("list alerts: %v", err)
		}
		n := 0
		for _, a := range alerts {
			if a.Type == domain.AlertDelay {
				n++
			}
		}
		return n
	}
	if got := countDelay(); got != 5 {
		t.Fatalf("expected 5 delay alerts, got %d", got)
	}
	// recompute must not duplicate them
	if _, err := env.Engine.Recompute(env.Ctx, op.ID, "tester"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if got := countDelay(); got != 5 {
		t.Fatalf("delay alerts duplicated: %d", got)
	}
	// 30 shortfall + 6 untreated alerts + 5 overdue phases
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.RiskScore != 85 {
		t.Fatalf("expected risk 85, got %.1f", got.RiskScore)
	}
}

func TestRecomputeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Stable")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	validatePhase(t, env, phases[0].ID)

	first, err := env.Engine.Recompute(env.Ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	second, err := env.Engine.Recompute(env.Ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if first.Status != second.Status || first.CompletionPct != second.CompletionPct ||
		first.RiskScore != second.RiskScore || first.CurrentPhase != second.CurrentPhase {
		t.Fatalf("recompute not idempotent: %+v vs %+v", first, second)
	}
	history, err := env.Engine.ProjectionHistory(env.Ctx, op.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected a single snapshot, got %d", len(history))
	}
}

func TestRiskClampedAtHundred(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Critique")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	for _, p := range phases {
		reason := "Works suspended"
		if _, err := env.Engine.UpdatePhase(env.Ctx, p.ID, engine.PhaseUpdateOptions{BlockReason: &reason, ActorID: "tester"}); err != nil {
			t.Fatalf("block phase: %v", err)
		}
	}
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.RiskScore != 100 {
		t.Fatalf("expected clamped risk 100, got %.1f", got.RiskScore)
	}
}

func TestProjectionFromUnitMix(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Rendement")
	proj, err := env.Engine.CurrentProjection(env.Ctx, op.ID)
	if err != nil {
		t.Fatalf("current projection: %v", err)
	}
	// 10*1000 + 5*800 with correction 1.0
	if proj.Annual != 14000 || proj.SemiAnnual != 7000 || proj.Correction != 1.0 {
		t.Fatalf("unexpected projection: %+v", proj)
	}
	if proj.LLS != 10000 || proj.LLTS != 4000 || proj.PLS != 0 {
		t.Fatalf("unexpected breakdown: %+v", proj)
	}
}

func TestProjectionDelayPenalty(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Penalite")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	for i := 0; i < 3; i++ {
		validatePhase(t, env, phases[i].ID)
	}
	// 60% in construction keeps correction at 1.0, so still one snapshot
	history, _ := env.Engine.ProjectionHistory(env.Ctx, op.ID, 0)
	if len(history) != 1 {
		t.Fatalf("expected one snapshot at 60%%, got %d", len(history))
	}
	// a sixth phase drops completion to 50% while in construction
	if _, err := env.Engine.InsertCustomPhase(env.Ctx, engine.CustomPhaseOptions{
		OperationID: op.ID,
		Name:        "Extra inspection",
		Principal:   "construction",
		Position:    6,
		MinDays:     5,
		MaxDays:     10,
		ActorID:     "tester",
	}); err != nil {
		t.Fatalf("insert custom phase: %v", err)
	}
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.CompletionPct != 50 || got.Status != domain.StatusInConstruction {
		t.Fatalf("unexpected state: %.1f %s", got.CompletionPct, got.Status)
	}
	proj, err := env.Engine.CurrentProjection(env.Ctx, op.ID)
	if err != nil {
		t.Fatalf("current projection: %v", err)
	}
	if proj.Correction != 0.9 || proj.Annual != 12600 {
		t.Fatalf("expected delay penalty applied, got %+v", proj)
	}
	history, _ = env.Engine.ProjectionHistory(env.Ctx, op.ID, 0)
	if len(history) != 2 {
		t.Fatalf("expected appended snapshot, got %d", len(history))
	}
}

func TestProjectionEarlyBonus(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Avance")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	for _, p := range phases {
		validatePhase(t, env, p.ID)
	}
	proj, err := env.Engine.CurrentProjection(env.Ctx, op.ID)
	if err != nil {
		t.Fatalf("current projection: %v", err)
	}
	if proj.Correction != 1.05 {
		t.Fatalf("expected early bonus, got %.2f", proj.Correction)
	}
	if proj.Annual != 14700 {
		t.Fatalf("expected adjusted annual 14700, got %.1f", proj.Annual)
	}
}

func TestProjectionFaultWithoutUnits(t *testing.T) {
	env := newTestEnv(t)
	op, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		Name:    "Sans logements",
		Type:    domain.TypeOPP,
		ACO:     "Habitat Nord",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create should succeed without units: %v", err)
	}
	_, err = env.Engine.CurrentProjection(env.Ctx, op.ID)
	if !fault.IsKind(err, fault.Computation) {
		t.Fatalf("expected computation fault, got %v", err)
	}
	// fixing the mix produces the first snapshot
	if _, err := env.Engine.UpdateUnits(env.Ctx, op.ID, 2, 0, 0, "tester"); err != nil {
		t.Fatalf("update units: %v", err)
	}
	proj, err := env.Engine.CurrentProjection(env.Ctx, op.ID)
	if err != nil {
		t.Fatalf("current projection: %v", err)
	}
	if proj.Annual != 2000 {
		t.Fatalf("expected annual 2000, got %.1f", proj.Annual)
	}
}

func TestTreatAlertLowersRisk(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Traitement")
	alerts, _ := env.Engine.ListAlerts(env.Ctx, op.ID, true, 0)
	if len(alerts) != 1 {
		t.Fatalf("expected the creation info alert, got %d", len(alerts))
	}
	treated, err := env.Engine.TreatAlert(env.Ctx, alerts[0].ID, "tester")
	if err != nil {
		t.Fatalf("treat alert: %v", err)
	}
	if !treated.Treated || treated.TreatedBy == nil {
		t.Fatalf("alert not treated: %+v", treated)
	}
	got, _ := env.Engine.GetOperation(env.Ctx, op.ID)
	if got.RiskScore != 30 {
		t.Fatalf("expected risk 30 after treatment, got %.1f", got.RiskScore)
	}
	_, err = env.Engine.TreatAlert(env.Ctx, alerts[0].ID, "tester")
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}

func TestTopRiskRankingAndReasons(t *testing.T) {
	env := newTestEnv(t)
	blocked := createOp(t, env, "Bloquee")
	if _, _, err := env.Engine.AppendJournal(env.Ctx, engine.JournalAppendOptions{
		OperationID: blocked.ID,
		Author:      "tester",
		Action:      domain.ActionBlockage,
		Text:        "Neighbor litigation under way",
		Urgency:     5,
		Blockage:    true,
	}); err != nil {
		t.Fatalf("append journal: %v", err)
	}
	quiet := createOp(t, env, "Calme")
	closed := createOp(t, env, "Fermee")
	phases, _ := env.Engine.ListPhases(env.Ctx, closed.ID)
	for _, p := range phases {
		validatePhase(t, env, p.ID)
	}

	entries, err := env.Engine.TopRisk(env.Ctx, 5)
	if err != nil {
		t.Fatalf("top risk: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("closed operations must be excluded, got %d entries", len(entries))
	}
	if entries[0].Operation.ID != blocked.ID {
		t.Fatalf("blocked operation should rank first")
	}
	if entries[1].Operation.ID != quiet.ID {
		t.Fatalf("expected quiet operation second")
	}
	for _, e := range entries {
		if len(e.Reasons) == 0 {
			t.Fatalf("reasons must not be empty for %s", e.Operation.Name)
		}
	}
	found := false
	for _, r := range entries[0].Reasons {
		if r == "active blockage" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected blockage reason, got %v", entries[0].Reasons)
	}
}

func TestPortfolioSummary(t *testing.T) {
	env := newTestEnv(t)
	createOp(t, env, "Une")
	op2, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		Name:     "Deux",
		Type:     domain.TypeOPP,
		ACO:      "Habitat Sud",
		UnitsLLS: 2,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	reason := "Permit appeal filed"
	phases, _ := env.Engine.ListPhases(env.Ctx, op2.ID)
	if _, err := env.Engine.UpdatePhase(env.Ctx, phases[0].ID, engine.PhaseUpdateOptions{BlockReason: &reason, ActorID: "tester"}); err != nil {
		t.Fatalf("block phase: %v", err)
	}

	sum, err := env.Engine.PortfolioSummary(env.Ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Operations != 2 || sum.Active != 2 || sum.Blocked != 1 {
		t.Fatalf("unexpected counts: %+v", sum)
	}
	if sum.UnitsTotal != 17 {
		t.Fatalf("expected 17 units, got %d", sum.UnitsTotal)
	}
	if sum.AnnualREM != 16000 || sum.SemiAnnualREM != 8000 {
		t.Fatalf("unexpected rem totals: %+v", sum)
	}
	if sum.UntreatedAlerts != 2 {
		t.Fatalf("expected 2 untreated alerts, got %d", sum.UntreatedAlerts)
	}
	if sum.AvgRisk <= 0 {
		t.Fatalf("expected positive average risk")
	}
}

func TestCreateOperationValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.OperationCreateOptions
	}{
		{"missing name", engine.OperationCreateOptions{Type: domain.TypeOPP, ACO: "x", ActorID: "tester"}},
		{"unknown type", engine.OperationCreateOptions{Name: "a", Type: "SELLOFF", ACO: "x", ActorID: "tester"}},
		{"missing aco", engine.OperationCreateOptions{Name: "b", Type: domain.TypeOPP, ActorID: "tester"}},
		{"negative units", engine.OperationCreateOptions{Name: "c", Type: domain.TypeOPP, ACO: "x", UnitsLLS: -1, ActorID: "tester"}},
		{"bad start position", engine.OperationCreateOptions{Name: "d", Type: domain.TypeOPP, ACO: "x", StartPosition: 99, ActorID: "tester"}},
		{"bad start date", engine.OperationCreateOptions{Name: "e", Type: domain.TypeOPP, ACO: "x", StartDate: "01/02/2024", ActorID: "tester"}},
	}
	for _, tc := range cases {
		if _, err := env.Engine.CreateOperation(env.Ctx, tc.opts); !fault.IsKind(err, fault.Validation) {
			t.Fatalf("%s: expected validation fault, got %v", tc.name, err)
		}
	}
	createOp(t, env, "Unique")
	_, err := env.Engine.CreateOperation(env.Ctx, engine.OperationCreateOptions{
		Name: "Unique", Type: domain.TypeOPP, ACO: "x", ActorID: "tester",
	})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected duplicate name fault, got %v", err)
	}
}

func TestNotFoundPaths(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetOperation(env.Ctx, 404); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.Recompute(env.Ctx, 404, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.ListPhases(env.Ctx, 404); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	op := createOp(t, env, "Historisee")
	phases, _ := env.Engine.ListPhases(env.Ctx, op.ID)
	validatePhase(t, env, phases[0].ID)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, op.ID, "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	types := map[string]bool{}
	for _, ev := range evts {
		types[ev.Type] = true
	}
	for _, want := range []string{"operation.created", "phase.updated", "rem.projected", "alert.created"} {
		if !types[want] {
			t.Fatalf("missing %s event, got %v", want, types)
		}
	}
}
