package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/orchestrator"
)

// armList collects repeated --arm NAME:CONFIG_PATH flags.
type armList []string

func (a *armList) String() string { return strings.Join(*a, ",") }

func (a *armList) Set(v string) error {
	*a = append(*a, v)
	return nil
}

type armSpec struct {
	name       string
	configPath string
}

func parseArmSpecs(raw []string) ([]armSpec, error) {
	var arms []armSpec
	seen := map[string]bool{}
	for _, spec := range raw {
		name, configPath, ok := strings.Cut(spec, ":")
		name = strings.TrimSpace(name)
		configPath = strings.TrimSpace(configPath)
		if !ok || name == "" || configPath == "" {
			return nil, fmt.Errorf("invalid --arm value %q, expected NAME:CONFIG_PATH", spec)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate arm name %q", name)
		}
		seen[name] = true
		arms = append(arms, armSpec{name: name, configPath: configPath})
	}
	return arms, nil
}

// runSimulateArms runs one scenario under several configurations, writing
// each arm's artifacts to arm_<name>/ plus a cross-arm comparison summary.
func runSimulateArms(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate-arms", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scenarioPath  string
		outDir        string
		approverID    string
		approverToken string
		arms          armList
	)
	cmd.StringVar(&scenarioPath, "scenario", "", "Scenario YAML path (REQUIRED)")
	cmd.StringVar(&outDir, "out", "out", "Output directory")
	cmd.StringVar(&approverID, "approver-id", "", "Approver ID for signed approvals")
	cmd.StringVar(&approverToken, "approver-token", "", "HMAC token for approvals")
	cmd.Var(&arms, "arm", "Arm as NAME:CONFIG_PATH (repeatable)")

	if err := cmd.Parse(args); err != nil {
		return contracts.ExitConfig
	}
	specs, err := parseArmSpecs(arms)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return contracts.ExitConfig
	}
	if len(specs) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: simulate-arms requires at least one --arm NAME:CONFIG_PATH")
		return contracts.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comparison := map[string]any{
		"scenario": scenarioPath,
		"arms":     map[string]any{},
	}
	armSummaries := comparison["arms"].(map[string]any)

	for _, spec := range specs {
		cfg, hash, err := loadConfig(spec.configPath, "")
		if err != nil {
			return fatal(stderr, err)
		}
		applyOverrides(cfg, "", approverID, approverToken)

		armOut := filepath.Join(outDir, "arm_"+spec.name)
		logger := newLogger(stderr, cfg.LogLevel)

		res, err := orchestrator.Run(ctx, orchestrator.Options{
			Config:       cfg,
			ConfigHash:   hash,
			ScenarioPath: scenarioPath,
			OutDir:       armOut,
			Logger:       logger,
		})
		if err != nil {
			return fatal(stderr, err)
		}

		armSummaries[spec.name] = map[string]any{
			"config":  spec.configPath,
			"out_dir": armOut,
			"summary": summarizeArm(armOut, res),
		}
	}

	summaryPath := filepath.Join(outDir, "comparison_summary.json")
	data, err := json.MarshalIndent(comparison, "", "  ")
	if err != nil {
		return fatal(stderr, err)
	}
	if err := os.WriteFile(summaryPath, append(data, '\n'), 0o644); err != nil {
		return fatal(stderr, contracts.NewError(contracts.CategoryExportSink, summaryPath, err))
	}

	_, _ = fmt.Fprintf(stdout, "comparison written to %s\n", summaryPath)
	return contracts.ExitOK
}

func summarizeArm(armOut string, res *orchestrator.Result) map[string]any {
	summary := map[string]any{
		"events":          len(res.Events),
		"tasks":           len(res.Tasks),
		"pending_tasks":   len(res.Pending),
		"risk_hold_tasks": len(res.RiskHeld),
		"approved_tasks":  len(res.Tasks),
		"audit_entries":   countLines(filepath.Join(armOut, "audit_log.jsonl")),
		"has_metrics":     fileExists(filepath.Join(armOut, "metrics.prom")),
	}
	return summary
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		n++
	}
	return n
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
