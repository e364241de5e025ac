package artifacts

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// GCSStore uploads evidence packs to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(ctx context.Context, cfg config.EvidencePackConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, contracts.Errorf(contracts.CategoryConfig,
			"pipeline.export.evidence_pack.bucket", "gcs store requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	addr, hexHash := contentAddress(data)
	obj := s.client.Bucket(s.bucket).Object(s.prefix + hexHash + ".zip")

	if _, err := obj.Attrs(ctx); err == nil {
		return addr, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", contracts.NewError(contracts.CategoryExternalService, s.bucket, err)
	}
	if err := w.Close(); err != nil {
		return "", contracts.NewError(contracts.CategoryExternalService, s.bucket, err)
	}
	return addr, nil
}
