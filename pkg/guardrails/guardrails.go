// Package guardrails enforces rate caps and tenant risk budgets on approved
// tasks. Caps apply in a fixed order; the risk budget runs last and can roll
// an approved task back to a timed hold.
package guardrails

import (
	"context"
	"path"
	"time"

	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/riskstore"
)

// Result partitions the surviving and held tasks after enforcement.
type Result struct {
	Approved []contracts.TaskRecommendation
	RiskHeld []contracts.TaskRecommendation
	Dropped  int
}

// Service applies the configured guardrails to one run's approved tasks.
type Service struct {
	cfg   config.GuardrailsConfig
	log   audit.Recorder
	store riskstore.Store
	clock func() time.Time
}

func New(cfg config.GuardrailsConfig, store riskstore.Store, log audit.Recorder) *Service {
	return &Service{cfg: cfg, log: log, store: store, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Run enforces caps in order (per_event, per_domain, total, per_asset_infra)
// and then the tenant risk budget. Only approved tasks enter; pending tasks
// never count against any cap.
func (s *Service) Run(ctx context.Context, tasks []contracts.TaskRecommendation) (*Result, error) {
	initial := len(tasks)

	var err error
	for _, stage := range []struct {
		rule  string
		apply func([]contracts.TaskRecommendation) []contracts.TaskRecommendation
	}{
		{"per_event", s.capPerEvent},
		{"per_domain", s.capPerDomain},
		{"total", s.capTotal},
		{"per_asset_infra", s.capPerAssetInfra},
	} {
		before := len(tasks)
		tasks = stage.apply(tasks)
		if dropped := before - len(tasks); dropped > 0 {
			if err = s.log.Append("guardrail_drop", map[string]any{
				"rule":          stage.rule,
				"dropped_count": dropped,
			}); err != nil {
				return nil, err
			}
		}
	}

	totalDropped := initial - len(tasks)
	if ratio := s.cfg.HealthAlertDropRatio; ratio > 0 && initial > 0 {
		if float64(totalDropped)/float64(initial) > ratio {
			if err = s.log.Append("guardrail_health_alert", map[string]any{
				"dropped": totalDropped,
				"initial": initial,
			}); err != nil {
				return nil, err
			}
		}
	}

	approved, held, err := s.applyRiskBudget(ctx, tasks)
	if err != nil {
		return nil, err
	}
	return &Result{Approved: approved, RiskHeld: held, Dropped: totalDropped}, nil
}

func (s *Service) capPerEvent(tasks []contracts.TaskRecommendation) []contracts.TaskRecommendation {
	n := s.cfg.RateLimits.PerEvent
	if n <= 0 {
		return tasks
	}
	counts := map[string]int{}
	kept := tasks[:0:0]
	for _, t := range tasks {
		if counts[t.EventID] >= n {
			continue
		}
		counts[t.EventID]++
		kept = append(kept, t)
	}
	return kept
}

func (s *Service) capPerDomain(tasks []contracts.TaskRecommendation) []contracts.TaskRecommendation {
	limits := s.cfg.RateLimits.PerDomain
	if len(limits) == 0 {
		return tasks
	}
	counts := map[string]int{}
	kept := tasks[:0:0]
	for _, t := range tasks {
		if n, ok := limits[t.AssigneeDomain]; ok {
			if counts[t.AssigneeDomain] >= n {
				continue
			}
			counts[t.AssigneeDomain]++
		}
		kept = append(kept, t)
	}
	return kept
}

func (s *Service) capTotal(tasks []contracts.TaskRecommendation) []contracts.TaskRecommendation {
	n := s.cfg.RateLimits.Total
	if n <= 0 || len(tasks) <= n {
		return tasks
	}
	return tasks[:n]
}

// capPerAssetInfra caps infrastructure tasks per asset id. Exact limits take
// precedence; otherwise the first glob pattern matching the asset id applies.
func (s *Service) capPerAssetInfra(tasks []contracts.TaskRecommendation) []contracts.TaskRecommendation {
	exact := s.cfg.RateLimits.PerAssetInfra
	patterns := s.cfg.RateLimits.PerAssetInfraPatterns
	if len(exact) == 0 && len(patterns) == 0 {
		return tasks
	}
	counts := map[string]int{}
	kept := tasks[:0:0]
	for _, t := range tasks {
		if t.InfrastructureType == "" || t.AssetID == "" {
			kept = append(kept, t)
			continue
		}
		limit, limited := exact[t.AssetID]
		if !limited {
			for _, p := range patterns {
				if ok, _ := path.Match(p.Pattern, t.AssetID); ok {
					limit, limited = p.N, true
					break
				}
			}
		}
		if limited && counts[t.AssetID] >= limit {
			continue
		}
		counts[t.AssetID]++
		kept = append(kept, t)
	}
	return kept
}

// applyRiskBudget counts critical-severity tasks per tenant and converts
// budget overruns into timed holds with exponential backoff.
func (s *Service) applyRiskBudget(ctx context.Context, tasks []contracts.TaskRecommendation) (approved, held []contracts.TaskRecommendation, err error) {
	budgets := s.cfg.RiskBudgets
	if len(budgets) == 0 || s.store == nil {
		return tasks, nil, nil
	}
	base := s.cfg.RiskBackoffBaseSec
	if base <= 0 {
		base = 60
	}

	for _, t := range tasks {
		budget, ok := budgets[t.Tenant]
		if !ok || t.SourceSeverity != contracts.SeverityCritical {
			approved = append(approved, t)
			continue
		}
		now := s.clock()
		count, err := s.store.IncrementAndGet(ctx, t.Tenant, "critical", budget.WindowSec, now)
		if err != nil {
			return nil, nil, err
		}
		if count <= budget.Max {
			approved = append(approved, t)
			continue
		}

		// The first overage holds for base seconds; each further one
		// doubles the hold. Shift capped to keep the epoch in range.
		overage := count - budget.Max
		t.Status = contracts.TaskRiskHold
		t.HoldReason = "risk_budget_exceeded"
		t.HoldUntilEpoch = now.Unix() + base<<min(overage-1, 30)
		held = append(held, t)

		if err := s.log.Append("risk_hold", map[string]any{
			"task_id":          t.ID,
			"tenant":           t.Tenant,
			"count":            count,
			"budget":           budget.Max,
			"hold_until_epoch": t.HoldUntilEpoch,
		}); err != nil {
			return nil, nil, err
		}
	}
	return approved, held, nil
}
