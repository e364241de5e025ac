// Package autonomy clusters approved tasks into per-domain execution plans.
package autonomy

import (
	"sort"

	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// Service builds the plan for one run.
type Service struct {
	log audit.Recorder
}

func New(log audit.Recorder) *Service {
	return &Service{log: log}
}

// Run groups tasks by assignee domain, ordering each group by priority
// ascending then task id, and audits the covered domains.
func (s *Service) Run(tasks []contracts.TaskRecommendation) (*contracts.Plan, error) {
	plan := &contracts.Plan{Plans: map[string][]contracts.PlanItem{}}
	for _, t := range tasks {
		plan.Plans[t.AssigneeDomain] = append(plan.Plans[t.AssigneeDomain], contracts.PlanItem{
			ID:       t.ID,
			EventID:  t.EventID,
			Priority: t.Priority,
		})
	}

	domains := make([]string, 0, len(plan.Plans))
	for d, items := range plan.Plans {
		sort.Slice(items, func(i, j int) bool {
			if items[i].Priority != items[j].Priority {
				return items[i].Priority < items[j].Priority
			}
			return items[i].ID < items[j].ID
		})
		domains = append(domains, d)
	}
	sort.Strings(domains)

	if err := s.log.Append("autonomy_plan", map[string]any{
		"domains": domains,
	}); err != nil {
		return nil, err
	}
	return plan, nil
}
