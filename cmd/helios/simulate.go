package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/observability"
	"github.com/helios-ops/helios/core/pkg/orchestrator"
)

// runSimulate implements `helios simulate`.
//
// Exit codes:
//
//	0 = run completed
//	2 = configuration or input error
//	3 = audit integrity failure
//	4 = unrecoverable I/O error
func runSimulate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scenarioPath  string
		configPath    string
		outDir        string
		policyPack    string
		ingestMode    string
		approverID    string
		approverToken string
	)
	cmd.StringVar(&scenarioPath, "scenario", "", "Scenario YAML path (REQUIRED in scenario mode)")
	cmd.StringVar(&configPath, "config", "", "Pipeline config path (REQUIRED)")
	cmd.StringVar(&outDir, "out", "out", "Output directory")
	cmd.StringVar(&policyPack, "policy-pack", "", "Policy pack YAML deep-merged onto config")
	cmd.StringVar(&ingestMode, "ingest-mode", "", "Override ingest mode (scenario|tail|modules_media)")
	cmd.StringVar(&approverID, "approver-id", "", "Approver ID for signed approvals")
	cmd.StringVar(&approverToken, "approver-token", "", "HMAC token for approvals")

	if err := cmd.Parse(args); err != nil {
		return contracts.ExitConfig
	}
	if configPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --config is required")
		return contracts.ExitConfig
	}

	cfg, hash, err := loadConfig(configPath, policyPack)
	if err != nil {
		return fatal(stderr, err)
	}
	applyOverrides(cfg, ingestMode, approverID, approverToken)
	if err := cfg.Validate(); err != nil {
		return fatal(stderr, err)
	}

	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, cfg.Observability, logger)
	if err != nil {
		return fatal(stderr, err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	res, err := orchestrator.Run(ctx, orchestrator.Options{
		Config:       cfg,
		ConfigHash:   hash,
		ScenarioPath: scenarioPath,
		OutDir:       outDir,
		Logger:       logger,
		Obs:          obs,
	})
	if err != nil {
		return fatal(stderr, err)
	}

	_, _ = fmt.Fprintf(stdout, "run complete: %d events, %d tasks, %d pending, %d held (audit seq %d)\n",
		len(res.Events), len(res.Tasks), len(res.Pending), len(res.RiskHeld), res.AuditSeq)
	return contracts.ExitOK
}

func loadConfig(configPath, policyPack string) (*config.Config, string, error) {
	if policyPack != "" {
		return config.MergePolicyPack(configPath, policyPack)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	hash, err := config.Hash(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

func applyOverrides(cfg *config.Config, ingestMode, approverID, approverToken string) {
	if ingestMode != "" {
		cfg.Pipeline.Ingest.Mode = ingestMode
	}
	if approverID != "" && approverToken != "" {
		cfg.SetActiveApprover(approverID, approverToken)
	}
}

// fatal prints the single-line diagnostic and maps the error to an exit
// code. Categorized errors already carry "Category: key: cause".
func fatal(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return contracts.ExitCode(err)
}
