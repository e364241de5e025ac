package rules

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/helios-ops/helios/core/pkg/canonicalize"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// Engine applies a loaded rule bundle to readings.
type Engine struct {
	rules []Rule
}

// Rules exposes the loaded rules in declaration order.
func (e *Engine) Rules() []Rule { return e.rules }

// Apply evaluates every rule against every reading, emitting events in
// (reading order, rule order). Duplicate event IDs indicate a rule
// misconfiguration and fail the run.
func (e *Engine) Apply(readings []contracts.SensorReading) ([]contracts.Event, error) {
	var events []contracts.Event
	seen := map[string]bool{}
	for _, r := range readings {
		for i := range e.rules {
			rule := &e.rules[i]
			if !rule.matches(r) {
				continue
			}
			ev, err := rule.makeEvent(r)
			if err != nil {
				return nil, err
			}
			if seen[ev.ID] {
				return nil, contracts.Errorf(contracts.CategoryConfig, rule.ID,
					"duplicate event id %q", ev.ID)
			}
			seen[ev.ID] = true
			events = append(events, ev)
		}
	}
	return events, nil
}

func (r *Rule) matches(reading contracts.SensorReading) bool {
	w := r.When
	if w.Domain != "" && w.Domain != reading.Domain {
		return false
	}
	if w.SourceType != "" && w.SourceType != reading.SourceType {
		return false
	}
	if len(w.Equals) > 0 && !detailsMatch(w.Equals, reading.Details) {
		return false
	}

	switch w.Condition {
	case "":
		return w.Domain != "" || w.SourceType != "" || len(w.Equals) > 0
	case "altitude_below":
		alt, ok := toFloat(reading.Details["altitude_ft"])
		threshold, tok := toFloat(w.Threshold)
		return ok && tok && alt < threshold
	case "night_motion":
		return toBool(reading.Details["night_motion"])
	case "port_scan":
		count, ok := toFloat(reading.Details["scan_count"])
		threshold, tok := toFloat(w.Threshold)
		return ok && tok && count >= threshold
	case "keyword":
		text := fold(toString(reading.Details["text"]))
		needle := fold(toString(w.Threshold))
		return needle != "" && strings.Contains(text, needle)
	case "details_equals":
		return len(w.Equals) > 0 && detailsMatch(w.Equals, reading.Details)
	case "detail_equals":
		if w.Field == "" {
			return false
		}
		return valuesEqual(reading.Details[w.Field], w.Threshold)
	case "detail_flag":
		return w.Field != "" && toBool(reading.Details[w.Field])
	case "expr":
		return r.evalExpr(reading)
	}
	return false
}

func (r *Rule) evalExpr(reading contracts.SensorReading) bool {
	if r.program == nil {
		return false
	}
	details := reading.Details
	if details == nil {
		details = map[string]any{}
	}
	out, _, err := r.program.Eval(map[string]any{
		"details":     details,
		"domain":      reading.Domain,
		"source_type": reading.SourceType,
	})
	if err != nil {
		// Missing keys and type mismatches evaluate false, same as the
		// typed conditions.
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (r *Rule) makeEvent(reading contracts.SensorReading) (contracts.Event, error) {
	details := reading.Details
	if details == nil {
		details = map[string]any{}
	}
	hash, err := canonicalize.CanonicalHash(details)
	if err != nil {
		return contracts.Event{}, contracts.NewError(contracts.CategoryConfig, r.ID, err)
	}

	severity := r.Then.Severity
	if severity == "" {
		severity = contracts.SeverityInfo
	}
	category := r.Then.Category
	if category == "" {
		category = "status"
	}
	summary := r.Then.Summary
	if summary == "" {
		summary = "rule_triggered"
	}

	entity := "unknown"
	if id, ok := details["track_id"].(string); ok && id != "" {
		entity = id
	}
	tenant, _ := details["tenant"].(string)

	return contracts.Event{
		ID:       "ev_" + reading.ID + "_" + r.ID,
		Category: category,
		Severity: severity,
		Status:   "open",
		Domain:   reading.Domain,
		Tenant:   tenant,
		Summary:  summary,
		TimeWindow: contracts.TimeWindow{
			StartMs: reading.TsMs,
			EndMs:   reading.TsMs,
		},
		Entities: []string{entity},
		Sources:  []string{reading.SensorID},
		Tags:     []string{r.ID},
		Evidence: []contracts.Evidence{{
			Type:        "sensor_reading",
			ID:          reading.ID,
			Source:      reading.SensorID,
			Hash:        hash,
			Observables: details,
		}},
	}, nil
}

func detailsMatch(want map[string]any, details map[string]any) bool {
	for k, v := range want {
		if !valuesEqual(details[k], v) {
			return false
		}
	}
	return true
}

// valuesEqual compares detail values loosely: numerics compare as floats,
// everything else by string form. Invalid comparisons are false, not errors.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	}
	return ""
}

// fold lowers and NFC-normalizes text for keyword matching.
func fold(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}
