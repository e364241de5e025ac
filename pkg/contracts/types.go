// Package contracts defines the shared data model flowing through the
// pipeline: sensor readings in, entity tracks and events in the middle,
// task recommendations and plans out. All types are plain data; stages
// communicate through fully materialized slices of these.
package contracts

// SchemaVersion is stamped into run_start audit entries and events.json.
const SchemaVersion = "0.1"

// Geo is an optional lat/lon attached to a reading.
type Geo struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// SensorReading is one heterogeneous observation. Immutable after ingest.
// Details is free-form; rule conditions perform typed reads with defaulted
// coercions.
type SensorReading struct {
	ID         string         `json:"id" yaml:"id"`
	SensorID   string         `json:"sensor_id" yaml:"sensor_id"`
	Domain     string         `json:"domain" yaml:"domain"`
	SourceType string         `json:"source_type" yaml:"source_type"`
	TsMs       int64          `json:"ts_ms" yaml:"ts_ms"`
	Geo        *Geo           `json:"geo,omitempty" yaml:"geo,omitempty"`
	Details    map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// TrackID returns the fusion grouping key for the reading: the explicit
// details.track_id when present, otherwise a synthetic anonymous key.
func (r SensorReading) TrackID() string {
	if id, ok := r.Details["track_id"].(string); ok && id != "" {
		return id
	}
	return "anon_" + r.Domain + "_" + r.SensorID
}

// EntityTrack summarizes the readings contributing to one (domain, track) key.
type EntityTrack struct {
	ID         string         `json:"id"`
	Domain     string         `json:"domain"`
	Label      string         `json:"label"`
	Attributes map[string]any `json:"attributes"`
	LastSeenMs int64          `json:"last_seen_ms"`
}

// Severity levels, lowest to highest.
const (
	SeverityInfo     = "info"
	SeverityNotice   = "notice"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

var severityRanks = map[string]int{
	SeverityInfo:     1,
	SeverityNotice:   2,
	SeverityWarning:  3,
	SeverityCritical: 4,
}

// SeverityRank maps a severity string to its rank (info=1 .. critical=4).
// Unknown severities rank as info, the lowest.
func SeverityRank(severity string) int {
	if r, ok := severityRanks[severity]; ok {
		return r
	}
	return 1
}

// KnownSeverity reports whether s is one of the four recognized levels.
func KnownSeverity(s string) bool {
	_, ok := severityRanks[s]
	return ok
}

// TimeWindow bounds an event in milliseconds since epoch.
type TimeWindow struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Evidence links an event back to the reading that produced it. Hash is the
// SHA-256 of the canonical (RFC 8785) serialization of the reading details.
type Evidence struct {
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Hash        string         `json:"hash"`
	Observables map[string]any `json:"observables,omitempty"`
}

// Event is a rule-recognized occurrence. Severity may be lowered by
// governance caps after emission, never raised.
type Event struct {
	ID         string     `json:"id"`
	Category   string     `json:"category"`
	Severity   string     `json:"severity"`
	Status     string     `json:"status"`
	Domain     string     `json:"domain"`
	Tenant     string     `json:"tenant,omitempty"`
	Summary    string     `json:"summary"`
	TimeWindow TimeWindow `json:"time_window"`
	Entities   []string   `json:"entities"`
	Sources    []string   `json:"sources"`
	Tags       []string   `json:"tags"`
	Evidence   []Evidence `json:"evidence"`
}

// Task status values. Transitions within a run:
// initial -> approved | pending_approval; approved -> risk_hold.
const (
	TaskApproved        = "approved"
	TaskPendingApproval = "pending_approval"
	TaskRiskHold        = "risk_hold"
)

// TaskRecommendation is a human-approvable proposed action for an event.
type TaskRecommendation struct {
	ID                 string  `json:"id"`
	EventID            string  `json:"event_id"`
	Action             string  `json:"action"`
	AssigneeDomain     string  `json:"assignee_domain"`
	Priority           int     `json:"priority"`
	Rationale          string  `json:"rationale"`
	Confidence         float64 `json:"confidence"`
	InfrastructureType string  `json:"infrastructure_type,omitempty"`
	AssetID            string  `json:"asset_id,omitempty"`
	RequiresApproval   bool    `json:"requires_approval"`
	Status             string  `json:"status"`
	ApprovedBy         string  `json:"approved_by,omitempty"`
	Tenant             string  `json:"tenant"`
	HoldReason         string  `json:"hold_reason,omitempty"`
	HoldUntilEpoch     int64   `json:"hold_until_epoch,omitempty"`

	// Severity of the source event at decision time, kept for the risk
	// budget stage. Not exported.
	SourceSeverity string `json:"-"`
}

// PlanItem is one task slot in the per-domain plan.
type PlanItem struct {
	ID       string `json:"id"`
	EventID  string `json:"event_id"`
	Priority int    `json:"priority"`
}

// Plan clusters approved tasks by assignee domain, ordered by priority then id.
type Plan struct {
	Plans map[string][]PlanItem `json:"plans"`
}
