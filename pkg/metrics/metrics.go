// Package metrics records pipeline counters and stage timings on a private
// Prometheus registry and renders them in text exposition format.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Recorder owns a registry scoped to one pipeline run.
type Recorder struct {
	registry *prometheus.Registry

	counters *prometheus.CounterVec
	timings  *prometheus.HistogramVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helios",
			Name:      "pipeline_total",
			Help:      "Pipeline counters by name.",
		}, []string{"name"}),
		timings: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "helios",
			Name:      "stage_duration_seconds",
			Help:      "Stage wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}
	reg.MustRegister(r.counters, r.timings)
	return r
}

// Inc adds delta to the named counter.
func (r *Recorder) Inc(name string, delta float64) {
	r.counters.WithLabelValues(name).Add(delta)
}

// Timer returns a stop function recording elapsed time for a stage.
func (r *Recorder) Timer(stage string) func() {
	start := time.Now()
	return func() {
		r.timings.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// WriteProm renders the registry in Prometheus text exposition format.
func (r *Recorder) WriteProm(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
