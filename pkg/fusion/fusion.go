// Package fusion groups readings into entity track summaries.
package fusion

import (
	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// Result carries the fused view forward: the original readings plus the
// track summaries and per-domain counts.
type Result struct {
	Readings     []contracts.SensorReading
	Tracks       map[string]*contracts.EntityTrack
	DomainCounts map[string]int
}

// Service groups readings by (domain, track key).
type Service struct {
	log audit.Recorder
}

func New(log audit.Recorder) *Service {
	return &Service{log: log}
}

// Run builds one EntityTrack per (domain, track key) with last_seen_ms equal
// to the max contributing timestamp, and audits fusion_done.
func (s *Service) Run(readings []contracts.SensorReading) (*Result, error) {
	tracks := map[string]*contracts.EntityTrack{}
	domainCounts := map[string]int{}

	for _, r := range readings {
		domainCounts[r.Domain]++
		key := r.TrackID()
		t, ok := tracks[key]
		if !ok {
			tracks[key] = &contracts.EntityTrack{
				ID:         key,
				Domain:     r.Domain,
				Label:      r.Domain + "_track",
				Attributes: map[string]any{},
				LastSeenMs: r.TsMs,
			}
			continue
		}
		if r.TsMs > t.LastSeenMs {
			t.LastSeenMs = r.TsMs
		}
	}

	counts := make(map[string]any, len(domainCounts))
	for d, n := range domainCounts {
		counts[d] = n
	}

	if err := s.log.Append("fusion_done", map[string]any{
		"tracks":  len(tracks),
		"domains": counts,
	}); err != nil {
		return nil, err
	}

	return &Result{Readings: readings, Tracks: tracks, DomainCounts: domainCounts}, nil
}
