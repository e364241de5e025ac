// Package decision turns open events into task recommendations and settles
// each task's approval state against the RBAC policy.
package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// Service produces tasks for one run.
type Service struct {
	humanLoop config.HumanLoopConfig
	rbac      config.RBACConfig
	infra     config.InfrastructureConfig
	log       audit.Recorder

	approvers     map[string]config.Approver
	requireDomain map[string]bool
}

func New(p config.PipelineConfig, log audit.Recorder) *Service {
	s := &Service{
		humanLoop:     p.HumanLoop,
		rbac:          p.RBAC,
		infra:         p.Infrastructure,
		log:           log,
		approvers:     make(map[string]config.Approver, len(p.RBAC.Approvers)),
		requireDomain: make(map[string]bool, len(p.HumanLoop.DomainRequireApproval)),
	}
	for _, a := range p.RBAC.Approvers {
		s.approvers[a.ID] = a
	}
	for _, d := range p.HumanLoop.DomainRequireApproval {
		s.requireDomain[d] = true
	}
	return s
}

// Run emits one base task per open event, plus any infrastructure tasks the
// mappings derive, and evaluates approval for each. The returned slice holds
// every task regardless of status.
func (s *Service) Run(events []contracts.Event) ([]contracts.TaskRecommendation, error) {
	var tasks []contracts.TaskRecommendation
	approved, pending, generatedInfra := 0, 0, 0

	for _, ev := range events {
		if ev.Status != "open" {
			continue
		}
		tasks = append(tasks, s.baseTask(ev))

		infra := s.infraTasks(ev)
		generatedInfra += len(infra)
		tasks = append(tasks, infra...)
	}

	for i := range tasks {
		s.evaluateApproval(&tasks[i])
		if tasks[i].Status == contracts.TaskApproved {
			approved++
		} else {
			pending++
		}
	}

	if err := s.log.Append("decision_done", map[string]any{
		"approved":        approved,
		"pending":         pending,
		"generated_infra": generatedInfra,
	}); err != nil {
		return nil, err
	}
	return tasks, nil
}

func taskTenant(ev contracts.Event) string {
	if ev.Tenant != "" {
		return ev.Tenant
	}
	return "default"
}

func (s *Service) baseTask(ev contracts.Event) contracts.TaskRecommendation {
	rank := contracts.SeverityRank(ev.Severity)
	assignee := ev.Domain
	if assignee == "multi" {
		assignee = "land"
	}
	confidence := 0.5 + 0.1*float64(rank)
	if confidence > 1 {
		confidence = 1
	}
	return contracts.TaskRecommendation{
		ID:             "task_" + ev.ID,
		EventID:        ev.ID,
		Action:         "investigate",
		AssigneeDomain: assignee,
		Priority:       priority(rank),
		Rationale:      fmt.Sprintf("%s (severity=%s, domain=%s)", ev.Summary, ev.Severity, ev.Domain),
		Confidence:     confidence,
		Tenant:         taskTenant(ev),
		SourceSeverity: ev.Severity,
	}
}

func priority(rank int) int {
	p := 5 - rank
	if p < 1 {
		p = 1
	}
	return p
}

// infraTasks derives infrastructure tasks from the mappings that match the
// event's category and domain. Per-task role and approval overrides ride on
// the task and are folded in during approval evaluation.
func (s *Service) infraTasks(ev contracts.Event) []contracts.TaskRecommendation {
	var out []contracts.TaskRecommendation
	rank := contracts.SeverityRank(ev.Severity)
	// The task index runs across all matched mappings so two mappings
	// matching the same (category, domain) never collide on id.
	idx := 0
	for _, m := range s.infra.Mappings {
		if m.Match.Category != ev.Category || m.Match.Domain != ev.Domain {
			continue
		}
		for _, spec := range m.Tasks {
			assignee := spec.AssigneeDomain
			if assignee == "" {
				assignee = ev.Domain
			}
			t := contracts.TaskRecommendation{
				ID:                 fmt.Sprintf("task_%s_infra_%d", ev.ID, idx),
				EventID:            ev.ID,
				Action:             spec.Action,
				AssigneeDomain:     assignee,
				Priority:           priority(rank),
				Rationale:          fmt.Sprintf("%s (infrastructure=%s)", ev.Summary, spec.InfrastructureType),
				Confidence:         0.5 + 0.1*float64(rank),
				InfrastructureType: spec.InfrastructureType,
				AssetID:            spec.AssetID,
				Tenant:             taskTenant(ev),
				SourceSeverity:     ev.Severity,
			}
			if t.Confidence > 1 {
				t.Confidence = 1
			}
			out = append(out, t)
			idx++
		}
	}
	return out
}

// policyFor computes the effective approval requirements for a task: the
// union of role requirements and the max of all applicable minimums.
func (s *Service) policyFor(t *contracts.TaskRecommendation) (requiredRoles map[string]bool, minApprovals int) {
	requiredRoles = map[string]bool{}
	addRoles := func(roles []string) {
		for _, r := range roles {
			requiredRoles[r] = true
		}
	}
	maxMin := func(n int) {
		if n > minApprovals {
			minApprovals = n
		}
	}

	addRoles(s.rbac.RequiredRoles[t.AssigneeDomain])
	maxMin(s.rbac.MinApprovals)
	if req, ok := s.rbac.ActionRequirements[t.Action]; ok {
		addRoles(req.RequiredRoles)
		maxMin(req.MinApprovals)
	}
	if t.InfrastructureType != "" {
		if req, ok := s.infra.ActionDefaults[t.Action]; ok {
			addRoles(req.RequiredRoles)
			maxMin(req.MinApprovals)
		}
		if spec, ok := s.infraSpecFor(t); ok {
			addRoles(spec.RequiredRoles)
			maxMin(spec.MinApprovals)
		}
	}
	return requiredRoles, minApprovals
}

func (s *Service) infraSpecFor(t *contracts.TaskRecommendation) (config.InfraTask, bool) {
	for _, m := range s.infra.Mappings {
		for _, spec := range m.Tasks {
			if spec.Action == t.Action && spec.AssetID == t.AssetID &&
				spec.InfrastructureType == t.InfrastructureType {
				return spec, true
			}
		}
	}
	return config.InfraTask{}, false
}

// evaluateApproval settles the task's status. A task approves when enough
// valid signers cover the required roles (auto_approve waives the need for
// at least one signer), or through the unsigned path when the policy demands
// nothing.
func (s *Service) evaluateApproval(t *contracts.TaskRecommendation) {
	t.RequiresApproval = s.requireDomain[t.AssigneeDomain] || s.humanLoop.DefaultRequireApproval

	requiredRoles, minApprovals := s.policyFor(t)
	message := ApprovalMessage(t.EventID, t.AssigneeDomain, t.Action, t.Tenant)

	var validIDs []string
	grantedRoles := map[string]bool{}
	for _, active := range s.rbac.ActiveApprovers {
		approver, ok := s.approvers[active.ID]
		if !ok {
			continue
		}
		if !VerifyToken(approver.Secret, message, active.Token) {
			continue
		}
		validIDs = append(validIDs, approver.ID)
		for _, r := range approver.Roles {
			grantedRoles[r] = true
		}
	}

	rolesCovered := true
	for r := range requiredRoles {
		if !grantedRoles[r] {
			rolesCovered = false
			break
		}
	}

	signedOK := len(validIDs) >= minApprovals && rolesCovered &&
		(s.humanLoop.AutoApprove || len(validIDs) > 0)

	switch {
	case signedOK:
		t.Status = contracts.TaskApproved
		if len(validIDs) > 0 {
			sort.Strings(validIDs)
			t.ApprovedBy = strings.Join(validIDs, ",")
		} else {
			t.ApprovedBy = s.humanLoop.Approver
		}
	case minApprovals == 0 && len(requiredRoles) == 0 &&
		(s.humanLoop.AllowUnsignedAutoApprove || !t.RequiresApproval):
		t.Status = contracts.TaskApproved
		t.ApprovedBy = s.humanLoop.Approver
	default:
		t.Status = contracts.TaskPendingApproval
		t.ApprovedBy = ""
	}
}
