package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/helios-ops/helios/core/pkg/contracts"
)

// appendJSONL appends one JSON line per record, rotating the file first when
// it already meets rotateMaxBytes. Rotation renames the file with a unix
// timestamp infix.
func (s *Service) appendJSONL(path string, rotateMaxBytes int64, records []any) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return contracts.NewError(contracts.CategoryExportSink, path, err)
	}

	if rotateMaxBytes > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() >= rotateMaxBytes {
			ext := filepath.Ext(path)
			rotated := fmt.Sprintf("%s.%d%s", path[:len(path)-len(ext)], s.clock().Unix(), ext)
			if err := os.Rename(path, rotated); err != nil {
				return contracts.NewError(contracts.CategoryExportSink, path, err)
			}
		}
	}

	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return contracts.NewError(contracts.CategoryExportSink, path, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return contracts.NewError(contracts.CategoryExportSink, path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return contracts.NewError(contracts.CategoryExportSink, path, err)
	}
	if err := f.Close(); err != nil {
		return contracts.NewError(contracts.CategoryExportSink, path, err)
	}
	return nil
}

func (s *Service) writeTaskJSONL(tasks []contracts.TaskRecommendation) (string, error) {
	cfg := s.cfg.TaskJSONL
	if cfg.Path == "" {
		return "", contracts.Errorf(contracts.CategoryConfig,
			"pipeline.export.task_jsonl.path", "task_jsonl sink requires a path")
	}
	records := make([]any, 0, len(tasks))
	for _, t := range tasks {
		records = append(records, t)
	}
	if err := s.appendJSONL(cfg.Path, cfg.RotateMaxBytes, records); err != nil {
		return "", err
	}
	return cfg.Path, nil
}

// infraLimiter paces batch posts to the infrastructure endpoint.
var infraLimiter = rate.NewLimiter(rate.Limit(5), 1)

func (s *Service) writeInfrastructure(ctx context.Context, tasks []contracts.TaskRecommendation) (string, error) {
	cfg := s.cfg.Infrastructure
	if cfg.Path == "" {
		return "", contracts.Errorf(contracts.CategoryConfig,
			"pipeline.export.infrastructure.path", "infrastructure sink requires a path")
	}

	var infra []contracts.TaskRecommendation
	for _, t := range tasks {
		if t.InfrastructureType != "" {
			infra = append(infra, t)
		}
	}

	records := make([]any, 0, len(infra))
	for _, t := range infra {
		records = append(records, t)
	}
	if err := s.appendJSONL(cfg.Path, cfg.RotateMaxBytes, records); err != nil {
		return "", err
	}

	if cfg.HTTP != nil && len(infra) > 0 {
		if err := infraLimiter.Wait(ctx); err != nil {
			return "", contracts.NewError(contracts.CategoryExternalService, cfg.HTTP.URL, err)
		}
		body, err := json.Marshal(infra)
		if err != nil {
			return "", contracts.NewError(contracts.CategoryExportSink, cfg.HTTP.URL, err)
		}
		if err := s.postWithRetry(ctx, cfg.HTTP, body); err != nil {
			return "", err
		}
	}
	return cfg.Path, nil
}
