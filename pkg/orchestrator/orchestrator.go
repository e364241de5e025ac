// Package orchestrator sequences one pipeline run: ingest, fusion, rules,
// governance, decision, guardrails, autonomy, export. The orchestrator owns
// audit bracketing and the fatal-versus-recoverable error policy; stages are
// functions from materialized inputs to materialized outputs.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/helios-ops/helios/core/pkg/artifacts"
	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/autonomy"
	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/decision"
	"github.com/helios-ops/helios/core/pkg/export"
	"github.com/helios-ops/helios/core/pkg/fusion"
	"github.com/helios-ops/helios/core/pkg/governance"
	"github.com/helios-ops/helios/core/pkg/guardrails"
	"github.com/helios-ops/helios/core/pkg/ingest"
	"github.com/helios-ops/helios/core/pkg/metrics"
	"github.com/helios-ops/helios/core/pkg/observability"
	"github.com/helios-ops/helios/core/pkg/riskstore"
	"github.com/helios-ops/helios/core/pkg/rules"
)

// Options parameterize one run.
type Options struct {
	Config       *config.Config
	ConfigHash   string
	ScenarioPath string
	OutDir       string
	Logger       *slog.Logger
	Media        ingest.MediaAdapter
	Obs          *observability.Provider
	Clock        func() time.Time
}

// Result is what a completed run produced.
type Result struct {
	Events   []contracts.Event
	Tasks    []contracts.TaskRecommendation
	Pending  []contracts.TaskRecommendation
	RiskHeld []contracts.TaskRecommendation
	Plan     *contracts.Plan
	Paths    map[string]string
	AuditSeq int64
}

// Run executes the pipeline once. Fatal errors abort after a run_failed
// audit entry; recoverable export errors are audited and the run still
// completes. Cancellation writes run_cancelled and leaves artifacts in
// place.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	if opts.OutDir != "" {
		if err := os.MkdirAll(opts.OutDir, 0o750); err != nil {
			return nil, contracts.NewError(contracts.CategoryStore, opts.OutDir, err)
		}
	}

	auditPath := cfg.Audit.Path
	if auditPath == "" {
		auditPath = filepath.Join(opts.OutDir, "audit_log.jsonl")
	}
	log, err := audit.Open(audit.Options{
		Path:           auditPath,
		Actor:          cfg.Audit.Actor,
		SignSecret:     cfg.Audit.SignSecret,
		VerifyOnStart:  cfg.Audit.VerifyOnStart,
		RequireSigning: cfg.Audit.RequireSigning,
	})
	if err != nil {
		return nil, err
	}
	log.WithClock(clock)
	defer func() { _ = log.Close() }()

	rec := metrics.New()
	r := &runner{
		cfg:    cfg,
		opts:   opts,
		log:    log,
		rec:    rec,
		logger: logger,
		clock:  clock,
	}

	res, err := r.run(ctx)
	if res != nil {
		res.AuditSeq = log.Seq()
	}
	return res, err
}

type runner struct {
	cfg    *config.Config
	opts   Options
	log    *audit.Log
	rec    *metrics.Recorder
	logger *slog.Logger
	clock  func() time.Time
}

// stage brackets a pipeline stage: cancellation check, <stage>_start audit
// entry, span, timing.
func (r *runner) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.log.Append(name+"_start", map[string]any{}); err != nil {
		return err
	}
	stop := r.rec.Timer(name)
	defer stop()

	if r.opts.Obs != nil {
		spanCtx, span := r.opts.Obs.StartStage(ctx, name)
		defer span.End()
		return fn(spanCtx)
	}
	return fn(ctx)
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	cfg := r.cfg

	if err := r.log.Append("run_start", map[string]any{
		"run_id":         uuid.NewString(),
		"schema_version": contracts.SchemaVersion,
		"config_hash":    r.opts.ConfigHash,
		"scenario":       r.opts.ScenarioPath,
	}); err != nil {
		return nil, err
	}

	fail := func(err error) (*Result, error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			_ = r.log.Append("run_cancelled", map[string]any{})
			return nil, err
		}
		_ = r.log.Append("run_failed", map[string]any{
			"category": string(contracts.CategoryOf(err)),
			"error":    err.Error(),
		})
		return nil, err
	}

	engine, err := rules.Load(cfg.Pipeline.RulesConfig)
	if err != nil {
		return fail(err)
	}

	var readings []contracts.SensorReading
	if err := r.stage(ctx, "ingest", func(ctx context.Context) error {
		svc := ingest.New(cfg.Pipeline.Ingest, r.log)
		if r.opts.Media != nil {
			svc.WithMediaAdapter(r.opts.Media)
		}
		readings, err = svc.Run(ctx, r.opts.ScenarioPath)
		return err
	}); err != nil {
		return fail(err)
	}
	r.rec.Inc("readings", float64(len(readings)))

	var fused *fusion.Result
	if err := r.stage(ctx, "fusion", func(context.Context) error {
		fused, err = fusion.New(r.log).Run(readings)
		return err
	}); err != nil {
		return fail(err)
	}

	var events []contracts.Event
	if err := r.stage(ctx, "rules", func(context.Context) error {
		events, err = engine.Apply(fused.Readings)
		if err != nil {
			return err
		}
		return r.log.Append("rules_done", map[string]any{"events": len(events)})
	}); err != nil {
		return fail(err)
	}
	r.rec.Inc("events", float64(len(events)))

	policy := governance.New(cfg.Pipeline.Governance, r.log)
	if err := r.stage(ctx, "governance", func(context.Context) error {
		events, err = policy.FilterEvents(events)
		return err
	}); err != nil {
		return fail(err)
	}

	var tasks []contracts.TaskRecommendation
	if err := r.stage(ctx, "decision", func(context.Context) error {
		tasks, err = decision.New(cfg.Pipeline, r.log).Run(events)
		if err != nil {
			return err
		}
		tasks, err = policy.FilterTasks(tasks)
		return err
	}); err != nil {
		return fail(err)
	}

	var approved, pending []contracts.TaskRecommendation
	for _, t := range tasks {
		if t.Status == contracts.TaskApproved {
			approved = append(approved, t)
		} else {
			pending = append(pending, t)
		}
	}

	var guarded *guardrails.Result
	if err := r.stage(ctx, "guardrails", func(ctx context.Context) error {
		store, err := r.openRiskStore()
		if err != nil {
			return err
		}
		if store != nil {
			defer func() { _ = store.Close() }()
		}
		guarded, err = guardrails.New(cfg.Pipeline.Guardrails, store, r.log).
			WithClock(r.clock).Run(ctx, approved)
		return err
	}); err != nil {
		return fail(err)
	}
	r.rec.Inc("tasks_approved", float64(len(guarded.Approved)))
	r.rec.Inc("tasks_pending", float64(len(pending)))
	r.rec.Inc("tasks_risk_held", float64(len(guarded.RiskHeld)))

	var plan *contracts.Plan
	if err := r.stage(ctx, "autonomy", func(context.Context) error {
		plan, err = autonomy.New(r.log).Run(guarded.Approved)
		return err
	}); err != nil {
		return fail(err)
	}

	res := &Result{
		Events:   events,
		Tasks:    guarded.Approved,
		Pending:  pending,
		RiskHeld: guarded.RiskHeld,
		Plan:     plan,
	}

	if err := r.stage(ctx, "export", func(ctx context.Context) error {
		svc := export.New(cfg.Pipeline.Export, r.log, r.rec)
		if hasFormat(cfg.Pipeline.Export.Formats, "evidence_pack") {
			store, err := r.openPackStore(ctx)
			if err != nil {
				return err
			}
			svc.WithPackStore(store)
		}
		svc.WithClock(r.clock)
		paths, err := svc.Run(ctx, r.opts.OutDir, &export.Input{
			Events:    res.Events,
			Tasks:     res.Tasks,
			Pending:   res.Pending,
			RiskHeld:  res.RiskHeld,
			Plan:      res.Plan,
			ChainHead: r.log.Head(),
		})
		res.Paths = paths
		if err != nil && !contracts.Fatal(contracts.CategoryOf(err)) {
			// Sink failures were audited per sink; the run still completes.
			r.logger.Warn("export finished with failed sinks", "error", err)
			return nil
		}
		return err
	}); err != nil {
		return fail(err)
	}

	if err := r.log.Append("run_end", map[string]any{
		"events": len(res.Events),
		"tasks":  len(res.Tasks),
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *runner) openRiskStore() (riskstore.Store, error) {
	if len(r.cfg.Pipeline.Guardrails.RiskBudgets) == 0 {
		return nil, nil
	}
	sc := r.cfg.RiskStoreConfig()
	if (sc.Backend == "" || sc.Backend == "sqlite") && sc.Path == "" {
		sc.Path = filepath.Join(r.opts.OutDir, "risk_store.db")
	}
	return riskstore.Open(sc)
}

func (r *runner) openPackStore(ctx context.Context) (artifacts.Store, error) {
	pc := r.cfg.Pipeline.Export.EvidencePack
	if (pc.Store == "" || pc.Store == "local") && pc.Dir == "" {
		pc.Dir = filepath.Join(r.opts.OutDir, "evidence_packs")
	}
	return artifacts.Open(ctx, pc)
}

func hasFormat(formats []string, want string) bool {
	for _, f := range formats {
		if f == want {
			return true
		}
	}
	return false
}
