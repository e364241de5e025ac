package guardrails_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/guardrails"
	"github.com/helios-ops/helios/core/pkg/riskstore"
)

type recorder struct {
	events   []string
	payloads []map[string]any
}

func (r *recorder) Append(event string, payload map[string]any) error {
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
	return nil
}

func task(id, eventID, domain string) contracts.TaskRecommendation {
	return contracts.TaskRecommendation{
		ID:             id,
		EventID:        eventID,
		AssigneeDomain: domain,
		Status:         contracts.TaskApproved,
		Tenant:         "default",
	}
}

func infraTask(id, assetID string) contracts.TaskRecommendation {
	t := task(id, "ev_"+id, "land")
	t.InfrastructureType = "access_control"
	t.AssetID = assetID
	return t
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
}

func run(t *testing.T, cfg config.GuardrailsConfig, store riskstore.Store, rec *recorder, tasks []contracts.TaskRecommendation) *guardrails.Result {
	t.Helper()
	res, err := guardrails.New(cfg, store, rec).
		WithClock(fixedNow).
		Run(context.Background(), tasks)
	require.NoError(t, err)
	return res
}

func TestRun_PerEventCap(t *testing.T) {
	rec := &recorder{}
	cfg := config.GuardrailsConfig{RateLimits: config.RateLimits{PerEvent: 1}}

	res := run(t, cfg, nil, rec, []contracts.TaskRecommendation{
		task("t1", "e1", "air"),
		task("t2", "e1", "air"),
		task("t3", "e2", "air"),
	})
	require.Len(t, res.Approved, 2)
	assert.Equal(t, "t1", res.Approved[0].ID)
	assert.Equal(t, "t3", res.Approved[1].ID)

	require.Contains(t, rec.events, "guardrail_drop")
	assert.Equal(t, "per_event", rec.payloads[0]["rule"])
	assert.Equal(t, 1, rec.payloads[0]["dropped_count"])
}

func TestRun_PerDomainCap(t *testing.T) {
	rec := &recorder{}
	cfg := config.GuardrailsConfig{RateLimits: config.RateLimits{
		PerDomain: map[string]int{"air": 1},
	}}

	res := run(t, cfg, nil, rec, []contracts.TaskRecommendation{
		task("t1", "e1", "air"),
		task("t2", "e2", "air"),
		task("t3", "e3", "sea"),
	})
	require.Len(t, res.Approved, 2)
	assert.Equal(t, "t1", res.Approved[0].ID)
	assert.Equal(t, "t3", res.Approved[1].ID)
}

func TestRun_TotalCap(t *testing.T) {
	cfg := config.GuardrailsConfig{RateLimits: config.RateLimits{Total: 2}}
	res := run(t, cfg, nil, &recorder{}, []contracts.TaskRecommendation{
		task("t1", "e1", "air"),
		task("t2", "e2", "air"),
		task("t3", "e3", "air"),
	})
	assert.Len(t, res.Approved, 2)
}

func TestRun_PerAssetInfraExactAndPattern(t *testing.T) {
	rec := &recorder{}
	cfg := config.GuardrailsConfig{RateLimits: config.RateLimits{
		PerAssetInfra: map[string]int{"dc-door-7": 1},
		PerAssetInfraPatterns: []config.PatternLimit{
			{Pattern: "cam-*", N: 2},
		},
	}}

	res := run(t, cfg, nil, rec, []contracts.TaskRecommendation{
		infraTask("t1", "dc-door-7"),
		infraTask("t2", "dc-door-7"),
		infraTask("t3", "cam-1"),
		infraTask("t4", "cam-1"),
		infraTask("t5", "cam-1"),
		// Non-infra tasks pass through uncounted.
		task("t6", "e6", "air"),
	})
	ids := make([]string, 0, len(res.Approved))
	for _, tk := range res.Approved {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"t1", "t3", "t4", "t6"}, ids)
}

func TestRun_HealthAlertOnHighDropRatio(t *testing.T) {
	rec := &recorder{}
	cfg := config.GuardrailsConfig{
		RateLimits:           config.RateLimits{Total: 1},
		HealthAlertDropRatio: 0.5,
	}
	run(t, cfg, nil, rec, []contracts.TaskRecommendation{
		task("t1", "e1", "air"),
		task("t2", "e2", "air"),
		task("t3", "e3", "air"),
	})
	assert.Contains(t, rec.events, "guardrail_health_alert")
}

func TestRun_RiskBudgetHoldsOverage(t *testing.T) {
	rec := &recorder{}
	store := riskstore.NewMemory()
	cfg := config.GuardrailsConfig{
		RiskBudgets:        map[string]config.RiskBudget{"default": {Max: 2, WindowSec: 3600}},
		RiskBackoffBaseSec: 60,
	}

	var tasks []contracts.TaskRecommendation
	for i := 1; i <= 4; i++ {
		tk := task(fmt.Sprintf("t%d", i), fmt.Sprintf("e%d", i), "cyber")
		tk.SourceSeverity = contracts.SeverityCritical
		tasks = append(tasks, tk)
	}

	res := run(t, cfg, store, rec, tasks)
	require.Len(t, res.Approved, 2)
	require.Len(t, res.RiskHeld, 2)

	held := res.RiskHeld[0]
	assert.Equal(t, contracts.TaskRiskHold, held.Status)
	assert.Equal(t, "risk_budget_exceeded", held.HoldReason)
	// First overage holds for the base interval.
	assert.Equal(t, fixedNow().Unix()+60, held.HoldUntilEpoch)
	// Each further overage doubles the hold.
	assert.Equal(t, fixedNow().Unix()+120, res.RiskHeld[1].HoldUntilEpoch)

	assert.Contains(t, rec.events, "risk_hold")
}

func TestRun_RiskBudgetIgnoresNonCritical(t *testing.T) {
	store := riskstore.NewMemory()
	cfg := config.GuardrailsConfig{
		RiskBudgets: map[string]config.RiskBudget{"default": {Max: 0, WindowSec: 3600}},
	}

	tk := task("t1", "e1", "cyber")
	tk.SourceSeverity = contracts.SeverityWarning

	res := run(t, cfg, store, &recorder{}, []contracts.TaskRecommendation{tk})
	assert.Len(t, res.Approved, 1)
	assert.Empty(t, res.RiskHeld)
}

func TestRun_RiskBudgetOtherTenantUnaffected(t *testing.T) {
	store := riskstore.NewMemory()
	cfg := config.GuardrailsConfig{
		RiskBudgets: map[string]config.RiskBudget{"acme": {Max: 0, WindowSec: 3600}},
	}

	tk := task("t1", "e1", "cyber")
	tk.SourceSeverity = contracts.SeverityCritical
	// Tenant without a budget passes untouched.
	res := run(t, cfg, store, &recorder{}, []contracts.TaskRecommendation{tk})
	assert.Len(t, res.Approved, 1)
}
