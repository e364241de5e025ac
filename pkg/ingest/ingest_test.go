package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
	"github.com/helios-ops/helios/core/pkg/ingest"
)

// recorder captures audit events in memory.
type recorder struct {
	events   []string
	payloads []map[string]any
}

func (r *recorder) Append(event string, payload map[string]any) error {
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
	return nil
}

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRun_ScenarioMode(t *testing.T) {
	path := writeScenario(t, `
sensor_readings:
  - {id: r1, sensor_id: s1, domain: air, source_type: radar, ts_ms: 1000}
  - id: r2
    sensor_id: s2
    domain: cyber
    source_type: netflow
    ts_ms: 2000
    details: {scan_count: 25}
`)
	rec := &recorder{}
	svc := ingest.New(config.IngestConfig{Mode: config.IngestScenario}, rec)

	readings, err := svc.Run(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "r1", readings[0].ID)
	assert.Equal(t, int64(2000), readings[1].TsMs)
	assert.Equal(t, []string{"ingest_done"}, rec.events)
	assert.Equal(t, 2, rec.payloads[0]["count"])
}

func TestRun_ScenarioRejectsDuplicateIDs(t *testing.T) {
	path := writeScenario(t, `
sensor_readings:
  - {id: r1, sensor_id: s1, domain: air, source_type: radar, ts_ms: 1000}
  - {id: r1, sensor_id: s2, domain: air, source_type: radar, ts_ms: 2000}
`)
	svc := ingest.New(config.IngestConfig{}, &recorder{})
	_, err := svc.Run(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, contracts.CategoryInputFormat, contracts.CategoryOf(err))
}

func TestRun_ScenarioRejectsMissingRequiredKeys(t *testing.T) {
	path := writeScenario(t, `
sensor_readings:
  - {id: r1, domain: air}
`)
	svc := ingest.New(config.IngestConfig{}, &recorder{})
	_, err := svc.Run(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, contracts.CategoryInputFormat, contracts.CategoryOf(err))
}

func TestRun_UnknownModeFails(t *testing.T) {
	svc := ingest.New(config.IngestConfig{Mode: "firehose"}, &recorder{})
	_, err := svc.Run(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, contracts.CategoryConfig, contracts.CategoryOf(err))
}

func TestRun_TailReadsCompleteLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.jsonl")
	content := `{"id":"r1","sensor_id":"s1","domain":"air","source_type":"radar","ts_ms":1}
{"id":"r2","sensor_id":"s2","domain":"sea","source_type":"sonar","ts_ms":2}
not json at all
{"id":"r3","sensor_id":"s3"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rec := &recorder{}
	svc := ingest.New(config.IngestConfig{
		Mode: config.IngestTail,
		Tail: config.TailConfig{Path: path, MaxItems: 10, PollIntervalSec: 0.01},
	}, rec)

	readings, err := svc.Run(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "r1", readings[0].ID)
	assert.Equal(t, "r2", readings[1].ID)

	assert.Contains(t, rec.events, "ingest_tail")
	assert.Contains(t, rec.events, "ingest_tail_malformed")
	assert.Contains(t, rec.events, "ingest_done")
}

func TestRun_TailStopsAtMaxItems(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.jsonl")
	content := `{"id":"r1","sensor_id":"s1","domain":"air","source_type":"radar","ts_ms":1}
{"id":"r2","sensor_id":"s2","domain":"air","source_type":"radar","ts_ms":2}
{"id":"r3","sensor_id":"s3","domain":"air","source_type":"radar","ts_ms":3}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	svc := ingest.New(config.IngestConfig{
		Mode: config.IngestTail,
		Tail: config.TailConfig{Path: path, MaxItems: 2, PollIntervalSec: 0.01},
	}, &recorder{})

	readings, err := svc.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, readings, 2)
}

func TestRun_TailHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := ingest.New(config.IngestConfig{
		Mode: config.IngestTail,
		Tail: config.TailConfig{Path: filepath.Join(t.TempDir(), "missing.jsonl"), MaxItems: 5},
	}, &recorder{})

	_, err := svc.Run(ctx, "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_MediaModeWithoutAdapterSkips(t *testing.T) {
	rec := &recorder{}
	svc := ingest.New(config.IngestConfig{Mode: config.IngestModulesMedia}, rec)

	readings, err := svc.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, readings)
	assert.Equal(t, []string{"ingest_modules_skipped", "ingest_done"}, rec.events)
}

type fakeAdapter struct{ readings []contracts.SensorReading }

func (f *fakeAdapter) Collect(_ context.Context, _ string, _ config.ModulesConfig) ([]contracts.SensorReading, error) {
	return f.readings, nil
}

func TestRun_MediaModeUsesAdapter(t *testing.T) {
	rec := &recorder{}
	svc := ingest.New(config.IngestConfig{Mode: config.IngestModulesMedia}, rec).
		WithMediaAdapter(&fakeAdapter{readings: []contracts.SensorReading{
			{ID: "m1", SensorID: "cam1", Domain: "land", SourceType: "vision", TsMs: 5},
		}})

	readings, err := svc.Run(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "m1", readings[0].ID)
}
