// Package export writes the run's artifacts to the configured sinks. Sinks
// are independent: one failing sink is audited and skipped, the rest still
// run. All file writes go through temp-then-rename.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/helios-ops/helios/core/pkg/artifacts"
	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/metrics"
)

// Input is everything the sinks can draw from.
type Input struct {
	Events    []contracts.Event
	Tasks     []contracts.TaskRecommendation
	Pending   []contracts.TaskRecommendation
	RiskHeld  []contracts.TaskRecommendation
	Plan      *contracts.Plan
	ChainHead string
}

// Payload is the document shape shared by the json, stdout, and webhook
// sinks.
type Payload struct {
	SchemaVersion string                         `json:"schema_version"`
	GeneratedAt   string                         `json:"generated_at"`
	Events        []contracts.Event              `json:"events"`
	Tasks         []contracts.TaskRecommendation `json:"tasks"`
	PendingTasks  []contracts.TaskRecommendation `json:"pending_tasks"`
	RiskHeldTasks []contracts.TaskRecommendation `json:"risk_held_tasks"`
}

// Service fans one run's results out to the configured sinks.
type Service struct {
	cfg    config.ExportConfig
	log    audit.Recorder
	rec    *metrics.Recorder
	stix   StixSerializer
	packs  artifacts.Store
	stdout io.Writer
	client *http.Client
	clock  func() time.Time
}

func New(cfg config.ExportConfig, log audit.Recorder, rec *metrics.Recorder) *Service {
	return &Service{
		cfg:    cfg,
		log:    log,
		rec:    rec,
		stix:   &BundleBuilder{},
		stdout: os.Stdout,
		client: &http.Client{},
		clock:  time.Now,
	}
}

// WithStixSerializer replaces the bundle delegate.
func (s *Service) WithStixSerializer(ser StixSerializer) *Service {
	s.stix = ser
	return s
}

// WithPackStore attaches the evidence pack artifact store.
func (s *Service) WithPackStore(store artifacts.Store) *Service {
	s.packs = store
	return s
}

// WithStdout redirects the stdout sink, for tests.
func (s *Service) WithStdout(w io.Writer) *Service {
	s.stdout = w
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) payload(in *Input) *Payload {
	p := &Payload{
		SchemaVersion: contracts.SchemaVersion,
		GeneratedAt:   s.clock().UTC().Format(time.RFC3339),
		Events:        in.Events,
		Tasks:         in.Tasks,
		PendingTasks:  in.Pending,
		RiskHeldTasks: in.RiskHeld,
	}
	// Empty lists serialize as [], not null.
	if p.Events == nil {
		p.Events = []contracts.Event{}
	}
	if p.Tasks == nil {
		p.Tasks = []contracts.TaskRecommendation{}
	}
	if p.PendingTasks == nil {
		p.PendingTasks = []contracts.TaskRecommendation{}
	}
	if p.RiskHeldTasks == nil {
		p.RiskHeldTasks = []contracts.TaskRecommendation{}
	}
	return p
}

// Run executes every configured sink and audits the outcome. Sink failures
// are audited as export_failed and do not abort the remaining sinks; the
// first failure is returned after all sinks ran.
func (s *Service) Run(ctx context.Context, outDir string, in *Input) (map[string]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, contracts.NewError(contracts.CategoryExportSink, outDir, err)
	}

	payload := s.payload(in)
	paths := map[string]string{}
	var firstErr error

	for _, format := range s.cfg.Formats {
		var (
			path string
			err  error
		)
		switch format {
		case "json":
			path, err = s.writeJSON(outDir, payload)
		case "stdout":
			err = s.writeStdout(payload)
		case "metrics":
			path, err = s.writeMetrics(outDir)
		case "stix":
			path, err = s.writeStix(outDir, in)
		case "task_jsonl":
			path, err = s.writeTaskJSONL(in.Tasks)
		case "infrastructure":
			path, err = s.writeInfrastructure(ctx, in.Tasks)
		case "webhook":
			err = s.postWebhook(ctx, payload)
		case "evidence_pack":
			path, err = s.writeEvidencePack(ctx, payload, in)
		default:
			err = contracts.Errorf(contracts.CategoryConfig,
				"pipeline.export.formats", "unknown export format %q", format)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if s.rec != nil {
				s.rec.Inc("export_failed", 1)
			}
			if aerr := s.log.Append("export_failed", map[string]any{
				"sink":     format,
				"category": string(contracts.CategoryOf(err)),
				"error":    err.Error(),
			}); aerr != nil {
				return nil, aerr
			}
			continue
		}
		if path != "" {
			paths[format] = path
		}
	}

	if err := s.log.Append("export_done", map[string]any{
		"events": len(payload.Events),
		"tasks":  len(payload.Tasks),
		"sinks":  len(s.cfg.Formats),
	}); err != nil {
		return nil, err
	}
	return paths, firstErr
}

func (s *Service) writeJSON(outDir string, payload *Payload) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", contracts.NewError(contracts.CategoryExportSink, "events.json", err)
	}
	path := filepath.Join(outDir, "events.json")
	if err := writeAtomic(path, append(data, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Service) writeStdout(payload *Payload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return contracts.NewError(contracts.CategoryExportSink, "stdout", err)
	}
	if _, err := fmt.Fprintln(s.stdout, string(data)); err != nil {
		return contracts.NewError(contracts.CategoryExportSink, "stdout", err)
	}
	return nil
}

func (s *Service) writeMetrics(outDir string) (string, error) {
	if s.rec == nil {
		return "", nil
	}
	var buf []byte
	w := &sliceWriter{buf: &buf}
	if err := s.rec.WriteProm(w); err != nil {
		return "", contracts.NewError(contracts.CategoryExportSink, "metrics.prom", err)
	}
	path := filepath.Join(outDir, "metrics.prom")
	if err := writeAtomic(path, buf); err != nil {
		return "", err
	}
	return path, nil
}

type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

func (s *Service) writeStix(outDir string, in *Input) (string, error) {
	all := make([]contracts.TaskRecommendation, 0, len(in.Tasks)+len(in.Pending)+len(in.RiskHeld))
	all = append(all, in.Tasks...)
	all = append(all, in.Pending...)
	all = append(all, in.RiskHeld...)

	bundle, err := s.stix.Bundle(in.Events, all, s.clock().UTC())
	if err != nil {
		return "", contracts.NewError(contracts.CategoryExportSink, "stix.json", err)
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", contracts.NewError(contracts.CategoryExportSink, "stix.json", err)
	}
	path := filepath.Join(outDir, "stix.json")
	if err := writeAtomic(path, append(data, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic writes data to path via a temp file in the same directory and
// a rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return contracts.NewError(contracts.CategoryExportSink, path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return contracts.NewError(contracts.CategoryExportSink, path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return contracts.NewError(contracts.CategoryExportSink, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return contracts.NewError(contracts.CategoryExportSink, path, err)
	}
	return nil
}
