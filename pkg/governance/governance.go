// Package governance applies the stateless policy filters: event blocking
// and severity capping before decision, forbidden-action filtering before
// export. Severity only ever moves down.
package governance

import (
	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// Policy is the stateless evaluator built from governance config.
type Policy struct {
	cfg config.GovernanceConfig
	log audit.Recorder

	blockDomains    map[string]bool
	blockCategories map[string]bool
	forbidActions   map[string]bool
}

func New(cfg config.GovernanceConfig, log audit.Recorder) *Policy {
	return &Policy{
		cfg:             cfg,
		log:             log,
		blockDomains:    toSet(cfg.BlockDomains),
		blockCategories: toSet(cfg.BlockCategories),
		forbidActions:   toSet(cfg.ForbidActions),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

// FilterEvents drops blocked events and lowers severities past their domain
// cap. Order of surviving events is preserved. Drops and caps are audited
// with counts.
func (p *Policy) FilterEvents(events []contracts.Event) ([]contracts.Event, error) {
	kept := make([]contracts.Event, 0, len(events))
	dropped := 0
	capped := 0

	for _, ev := range events {
		if p.blockDomains[ev.Domain] || p.blockCategories[ev.Category] {
			dropped++
			continue
		}
		if cap, ok := p.cfg.SeverityCaps[ev.Domain]; ok {
			if contracts.SeverityRank(cap) < contracts.SeverityRank(ev.Severity) {
				ev.Severity = cap
				capped++
			}
		}
		kept = append(kept, ev)
	}

	if dropped > 0 || capped > 0 {
		if err := p.log.Append("governance_filtered", map[string]any{
			"dropped": dropped,
			"capped":  capped,
			"kept":    len(kept),
		}); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

// FilterTasks removes tasks whose action the policy forbids, auditing each
// removal.
func (p *Policy) FilterTasks(tasks []contracts.TaskRecommendation) ([]contracts.TaskRecommendation, error) {
	if len(p.forbidActions) == 0 {
		return tasks, nil
	}
	kept := make([]contracts.TaskRecommendation, 0, len(tasks))
	for _, t := range tasks {
		if p.forbidActions[t.Action] {
			if err := p.log.Append("governance_forbid", map[string]any{
				"task_id": t.ID,
				"action":  t.Action,
			}); err != nil {
				return nil, err
			}
			continue
		}
		kept = append(kept, t)
	}
	return kept, nil
}
