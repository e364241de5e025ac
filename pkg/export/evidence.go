package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/helios-ops/helios/core/pkg/canonicalize"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// writeEvidencePack zips the run payload with a manifest tying it to the
// audit chain head, stores the archive content-addressed, and returns its
// address.
func (s *Service) writeEvidencePack(ctx context.Context, payload *Payload, in *Input) (string, error) {
	if s.packs == nil {
		return "", contracts.Errorf(contracts.CategoryConfig,
			"pipeline.export.evidence_pack", "evidence_pack sink requires a store")
	}

	eventsJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", contracts.NewError(contracts.CategoryExportSink, "evidence_pack", err)
	}

	manifest := map[string]any{
		"schema_version": payload.SchemaVersion,
		"generated_at":   payload.GeneratedAt,
		"event_count":    len(payload.Events),
		"task_count":     len(payload.Tasks),
		"chain_head":     in.ChainHead,
		"events_sha256":  canonicalize.HashBytes(eventsJSON),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", contracts.NewError(contracts.CategoryExportSink, "evidence_pack", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Helios evidence pack\nGenerated at %s\nChain head %s\n",
			payload.GeneratedAt, in.ChainHead))},
	} {
		w, err := zw.Create(file.name)
		if err != nil {
			return "", contracts.NewError(contracts.CategoryExportSink, "evidence_pack", err)
		}
		if _, err := w.Write(file.data); err != nil {
			return "", contracts.NewError(contracts.CategoryExportSink, "evidence_pack", err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", contracts.NewError(contracts.CategoryExportSink, "evidence_pack", err)
	}

	addr, err := s.packs.Put(ctx, buf.Bytes())
	if err != nil {
		return "", err
	}
	return addr, nil
}
