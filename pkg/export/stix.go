package export

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/helios-ops/helios/core/pkg/canonicalize"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// StixSerializer turns a run's events and tasks into a STIX 2.1 bundle
// document. The default is BundleBuilder; callers may delegate to an
// external serializer instead.
type StixSerializer interface {
	Bundle(events []contracts.Event, tasks []contracts.TaskRecommendation, now time.Time) (map[string]any, error)
}

// BundleBuilder emits observed-data objects for events and note objects for
// tasks, each carrying an x-helios extension with the native fields.
type BundleBuilder struct{}

func stixTime(t time.Time) string {
	return t.Truncate(time.Second).UTC().Format("2006-01-02T15:04:05Z")
}

func (b *BundleBuilder) Bundle(events []contracts.Event, tasks []contracts.TaskRecommendation, now time.Time) (map[string]any, error) {
	ts := stixTime(now)
	objects := make([]any, 0, len(events)+len(tasks))

	for _, ev := range events {
		objects = append(objects, map[string]any{
			"type":            "observed-data",
			"spec_version":    "2.1",
			"id":              "observed-data--" + uuid.NewString(),
			"created":         ts,
			"modified":        ts,
			"first_observed":  ts,
			"last_observed":   ts,
			"number_observed": 1,
			"labels":          []string{ev.Category, ev.Domain},
			"extensions": map[string]any{
				"x-helios-event": map[string]any{
					"id":       ev.ID,
					"severity": ev.Severity,
					"status":   ev.Status,
					"summary":  ev.Summary,
					"tags":     ev.Tags,
					"entities": ev.Entities,
					"sources":  ev.Sources,
					"evidence": ev.Evidence,
				},
			},
		})
	}

	for _, t := range tasks {
		objects = append(objects, map[string]any{
			"type":         "note",
			"spec_version": "2.1",
			"id":           "note--" + uuid.NewString(),
			"created":      ts,
			"modified":     ts,
			"abstract":     "Task " + t.Action + " for event " + t.EventID,
			"content":      t.Rationale,
			"object_refs":  []string{},
			"labels":       []string{t.AssigneeDomain, priorityLabel(t.Priority), t.Status},
			"extensions": map[string]any{
				"x-helios-task": map[string]any{
					"id":                t.ID,
					"event_id":          t.EventID,
					"action":            t.Action,
					"assignee_domain":   t.AssigneeDomain,
					"priority":          t.Priority,
					"confidence":        t.Confidence,
					"requires_approval": t.RequiresApproval,
					"status":            t.Status,
					"approved_by":       t.ApprovedBy,
					"tenant":            t.Tenant,
					"hold_reason":       t.HoldReason,
					"hold_until_epoch":  t.HoldUntilEpoch,
				},
			},
		})
	}

	hash, err := canonicalize.CanonicalHash(objects)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":          "bundle",
		"id":            "bundle--" + uuid.NewString(),
		"spec_version":  "2.1",
		"objects":       objects,
		"x_helios_hash": hash,
	}, nil
}

func priorityLabel(p int) string {
	return "priority-" + strconv.Itoa(p)
}
