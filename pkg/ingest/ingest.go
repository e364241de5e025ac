// Package ingest produces the ordered stream of sensor readings for a run,
// from a scenario document, a tailed line-delimited file, or the media
// modules adapter.
package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/helios-ops/helios/core/pkg/audit"
	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// MediaAdapter is the external media-modules collaborator. It converts media
// analytics into ordinary sensor readings entering the normal ingest path.
type MediaAdapter interface {
	Collect(ctx context.Context, mediaPath string, modules config.ModulesConfig) ([]contracts.SensorReading, error)
}

// Service runs one ingest pass per pipeline run.
type Service struct {
	cfg   config.IngestConfig
	log   audit.Recorder
	media MediaAdapter
}

func New(cfg config.IngestConfig, log audit.Recorder) *Service {
	return &Service{cfg: cfg, log: log}
}

// WithMediaAdapter attaches the external media collaborator.
func (s *Service) WithMediaAdapter(a MediaAdapter) *Service {
	s.media = a
	return s
}

// Run collects readings according to the configured mode and writes the
// ingest_done audit entry.
func (s *Service) Run(ctx context.Context, scenarioPath string) ([]contracts.SensorReading, error) {
	mode := s.cfg.Mode
	if mode == "" {
		mode = config.IngestScenario
	}

	var readings []contracts.SensorReading
	var err error
	switch mode {
	case config.IngestScenario:
		readings, err = s.loadScenario(scenarioPath)
	case config.IngestTail:
		readings, err = s.tail(ctx)
	case config.IngestModulesMedia:
		readings, err = s.collectMedia(ctx)
	default:
		err = contracts.Errorf(contracts.CategoryConfig, "pipeline.ingest.mode",
			"unknown ingest mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	if err := s.log.Append("ingest_done", map[string]any{
		"count": len(readings),
		"mode":  mode,
	}); err != nil {
		return nil, err
	}
	return readings, nil
}

// scenarioSchema validates the structural shape of a scenario document after
// YAML parsing. Required reading keys mirror the SensorReading contract.
const scenarioSchema = `{
  "type": "object",
  "required": ["sensor_readings"],
  "properties": {
    "sensor_readings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "sensor_id", "domain", "source_type", "ts_ms"],
        "properties": {
          "id": {"type": ["string", "integer"]},
          "sensor_id": {"type": ["string", "integer"]},
          "domain": {"type": "string"},
          "source_type": {"type": "string"},
          "ts_ms": {"type": "integer"},
          "geo": {
            "type": "object",
            "required": ["lat", "lon"]
          },
          "details": {"type": "object"}
        }
      }
    }
  }
}`

var compiledScenarioSchema = jsonschema.MustCompileString("scenario.json", scenarioSchema)

type scenarioDoc struct {
	SensorReadings []contracts.SensorReading `yaml:"sensor_readings"`
}

func (s *Service) loadScenario(path string) ([]contracts.SensorReading, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, contracts.NewError(contracts.CategoryInputFormat, path, err)
	}

	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, contracts.NewError(contracts.CategoryInputFormat, path, err)
	}
	if err := compiledScenarioSchema.Validate(tree); err != nil {
		return nil, contracts.NewError(contracts.CategoryInputFormat, path, err)
	}

	var doc scenarioDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, contracts.NewError(contracts.CategoryInputFormat, path, err)
	}

	seen := map[string]bool{}
	for _, r := range doc.SensorReadings {
		if seen[r.ID] {
			return nil, contracts.Errorf(contracts.CategoryInputFormat, path,
				"duplicate reading id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return doc.SensorReadings, nil
}

func (s *Service) collectMedia(ctx context.Context) ([]contracts.SensorReading, error) {
	if s.media == nil {
		if err := s.log.Append("ingest_modules_skipped", map[string]any{
			"reason": "media adapter unavailable",
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}
	readings, err := s.media.Collect(ctx, s.cfg.Media.Path, s.cfg.Modules)
	if err != nil {
		return nil, fmt.Errorf("media adapter: %w", err)
	}
	return readings, nil
}
