package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/decision"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"helios"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeFixtures(t *testing.T, dir string) (configPath, scenarioPath string) {
	t.Helper()
	rulesPath := writeFile(t, dir, "rules.yaml", `
rules:
  - id: port_scan
    when: {domain: cyber, condition: port_scan, threshold: 20}
    then: {category: intrusion, severity: critical, summary: scan detected}
`)
	configPath = writeFile(t, dir, "config.yaml", fmt.Sprintf(`
helios:
  schema_version: "0.1"
pipeline:
  rules_config: %s
  ingest:
    mode: scenario
  export:
    formats: [json]
`, rulesPath))
	scenarioPath = writeFile(t, dir, "scenario.yaml", `
sensor_readings:
  - id: r1
    sensor_id: s1
    domain: cyber
    source_type: netflow
    ts_ms: 1000
    details: {scan_count: 25, track_id: t1}
`)
	return configPath, scenarioPath
}

func TestRun_NoArgs(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage: helios")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := run("deploy")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: deploy")
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "simulate-arms")
}

func TestSimulate_RequiresConfig(t *testing.T) {
	code, _, stderr := run("simulate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--config is required")
}

func TestSimulate_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	configPath, scenarioPath := writeFixtures(t, dir)
	outDir := filepath.Join(dir, "out")

	code, stdout, stderr := run("simulate",
		"--scenario", scenarioPath,
		"--config", configPath,
		"--out", outDir,
	)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "run complete: 1 events")

	_, err := os.Stat(filepath.Join(outDir, "events.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "audit_log.jsonl"))
	assert.NoError(t, err)
}

func TestSimulate_MissingScenarioExitsTwo(t *testing.T) {
	dir := t.TempDir()
	configPath, _ := writeFixtures(t, dir)

	code, _, stderr := run("simulate",
		"--scenario", filepath.Join(dir, "absent.yaml"),
		"--config", configPath,
		"--out", filepath.Join(dir, "out"),
	)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Error: ")
}

func TestVerify_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_log.jsonl")

	log, err := audit.Open(audit.Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, log.Append("run_start", map[string]any{}))
	require.NoError(t, log.Append("run_end", map[string]any{}))
	require.NoError(t, log.Close())

	code, stdout, _ := run("verify", "--audit", path)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "chain ok: 2 entries")
}

func TestVerify_TamperedExitsThree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_log.jsonl")

	log, err := audit.Open(audit.Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, log.Append("run_start", map[string]any{}))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "run_start", "run_stArt", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	code, _, stderr := run("verify", "--audit", path)
	assert.Equal(t, 3, code)
	assert.Contains(t, stderr, "Error: ")
}

func TestToken_PrintsApprovalToken(t *testing.T) {
	code, stdout, _ := run("token",
		"--secret", "k1",
		"--event-id", "ev_r1_port_scan",
		"--domain", "cyber",
	)
	require.Equal(t, 0, code)

	want := decision.Token("k1",
		decision.ApprovalMessage("ev_r1_port_scan", "cyber", "investigate", "default"))
	assert.Equal(t, want, strings.TrimSpace(stdout))
}

func TestToken_RequiresFlags(t *testing.T) {
	code, _, stderr := run("token", "--secret", "k1")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "required")
}

func TestParseArmSpecs(t *testing.T) {
	specs, err := parseArmSpecs([]string{"baseline:a.yaml", "strict: b.yaml"})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "strict", specs[1].name)
	assert.Equal(t, "b.yaml", specs[1].configPath)

	_, err = parseArmSpecs([]string{"noconfig"})
	assert.Error(t, err)

	_, err = parseArmSpecs([]string{"a:x.yaml", "a:y.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate arm")
}

func TestSimulateArms_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	configPath, scenarioPath := writeFixtures(t, dir)

	strictPath := writeFile(t, dir, "strict.yaml", strings.Replace(
		mustRead(t, configPath),
		"pipeline:",
		"pipeline:\n  human_loop:\n    default_require_approval: true",
		1,
	))
	outDir := filepath.Join(dir, "out")

	code, stdout, stderr := run("simulate-arms",
		"--scenario", scenarioPath,
		"--out", outDir,
		"--arm", "baseline:"+configPath,
		"--arm", "strict:"+strictPath,
	)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "comparison written to")

	data, err := os.ReadFile(filepath.Join(outDir, "comparison_summary.json"))
	require.NoError(t, err)

	var doc struct {
		Scenario string `json:"scenario"`
		Arms     map[string]struct {
			OutDir  string         `json:"out_dir"`
			Summary map[string]any `json:"summary"`
		} `json:"arms"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, scenarioPath, doc.Scenario)
	require.Contains(t, doc.Arms, "baseline")
	require.Contains(t, doc.Arms, "strict")

	assert.Equal(t, float64(1), doc.Arms["baseline"].Summary["tasks"])
	assert.Equal(t, float64(0), doc.Arms["strict"].Summary["tasks"])
	assert.Equal(t, float64(1), doc.Arms["strict"].Summary["pending_tasks"])

	_, err = os.Stat(filepath.Join(outDir, "arm_baseline", "events.json"))
	assert.NoError(t, err)
}

func TestSimulateArms_RequiresArms(t *testing.T) {
	code, _, stderr := run("simulate-arms", "--scenario", "s.yaml")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "at least one --arm")
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
