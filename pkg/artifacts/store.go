// Package artifacts provides content-addressed storage for evidence pack
// archives. Blobs are keyed by their SHA-256 and writes are idempotent.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// Store persists opaque artifact blobs under their content hash.
type Store interface {
	// Put stores data and returns its "sha256:<hex>" content address.
	Put(ctx context.Context, data []byte) (string, error)
}

// Open builds the store selected by the evidence pack config. The local
// filesystem store is the default.
func Open(ctx context.Context, cfg config.EvidencePackConfig) (Store, error) {
	switch cfg.Store {
	case "", "local":
		dir := cfg.Dir
		if dir == "" {
			dir = "evidence_packs"
		}
		return NewFileStore(dir)
	case "s3":
		return NewS3Store(ctx, cfg)
	case "gcs":
		return NewGCSStore(ctx, cfg)
	default:
		return nil, contracts.Errorf(contracts.CategoryConfig,
			"pipeline.export.evidence_pack.store", "unknown store %q", cfg.Store)
	}
}

func contentAddress(data []byte) (addr, hexHash string) {
	sum := sha256.Sum256(data)
	hexHash = hex.EncodeToString(sum[:])
	return "sha256:" + hexHash, hexHash
}

// FileStore writes blobs under a base directory, temp-then-rename.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, contracts.NewError(contracts.CategoryStore, baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, hexHash := contentAddress(data)
	path := filepath.Join(s.baseDir, hexHash+".zip")
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", contracts.NewError(contracts.CategoryStore, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", contracts.NewError(contracts.CategoryStore, path, err)
	}
	return addr, nil
}
