package engine

import (
	"context"
	"fmt"

	"optrack/internal/domain"
)

// riskScore sums the five risk components and clamps to 0..100: progress
// shortfall at 30%, a status bonus, and per-item weights for untreated
// alerts, overdue phases and blocked phases.
func riskScore(pct float64, status string, activeBlockage bool, untreatedAlerts, latePhases, blockedPhases int) float64 {
	score := (100 - pct) * 0.3
	if score < 0 {
		score = 0
	}
	switch {
	case status == domain.StatusBlocked || activeBlockage:
		score += 50
	case status == domain.StatusInConstruction && pct < 70:
		score += 20
	case status == domain.StatusInConsultation && pct < 30:
		score += 15
	}
	score += 5 * float64(untreatedAlerts)
	score += 5 * float64(latePhases)
	score += 10 * float64(blockedPhases)
	if score > 100 {
		score = 100
	}
	return round1(score)
}

// TopRisk returns the limit most at-risk open operations, blocked ones
// first, then by risk score, stalest update first, each with the reasons
// behind its rank.
func (e Engine) TopRisk(ctx context.Context, limit int) ([]domain.RiskEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	ops, err := e.Repo.TopRisk(ctx, limit)
	if err != nil {
		return nil, err
	}
	today := e.today()
	entries := make([]domain.RiskEntry, 0, len(ops))
	for _, op := range ops {
		phases, err := e.Repo.ListPhases(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		untreated, err := e.Repo.CountUntreatedAlerts(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, domain.RiskEntry{
			Operation: op,
			Reasons:   riskReasons(op, phases, untreated, today),
		})
	}
	return entries, nil
}

// riskReasons never returns an empty list: an operation ranked without any
// specific signal is explained by its score alone.
func riskReasons(op domain.Operation, phases []domain.Phase, untreated int, today string) []string {
	var reasons []string
	if op.ActiveBlockage || op.Status == domain.StatusBlocked {
		reasons = append(reasons, "active blockage")
	}
	blocked := 0
	late := 0
	for _, p := range phases {
		if p.Blocked {
			blocked++
		}
		if phaseOverdue(p, today) {
			late++
		}
	}
	if blocked > 0 {
		reasons = append(reasons, fmt.Sprintf("%d blocked phase(s)", blocked))
	}
	if late > 0 {
		reasons = append(reasons, fmt.Sprintf("%d phase(s) past planned end", late))
	}
	if untreated > 0 {
		reasons = append(reasons, fmt.Sprintf("%d untreated alert(s)", untreated))
	}
	if op.CompletionPct == 0 && len(phases) > 0 {
		reasons = append(reasons, "no phase validated yet")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("risk score %.1f", op.RiskScore))
	}
	return reasons
}
