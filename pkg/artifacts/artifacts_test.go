package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-ops/helios/core/pkg/artifacts"
	"github.com/helios-ops/helios/core/pkg/config"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

func TestFileStore_PutContentAddressed(t *testing.T) {
	dir := t.TempDir()
	store, err := artifacts.NewFileStore(dir)
	require.NoError(t, err)

	addr, err := store.Put(context.Background(), []byte("blob"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr, "sha256:"))
	assert.Len(t, strings.TrimPrefix(addr, "sha256:"), 64)

	path := filepath.Join(dir, strings.TrimPrefix(addr, "sha256:")+".zip")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)
}

func TestFileStore_PutIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := artifacts.NewFileStore(dir)
	require.NoError(t, err)

	first, err := store.Put(context.Background(), []byte("blob"))
	require.NoError(t, err)
	second, err := store.Put(context.Background(), []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpen_DefaultsToLocal(t *testing.T) {
	dir := t.TempDir()
	store, err := artifacts.Open(context.Background(), config.EvidencePackConfig{Dir: dir})
	require.NoError(t, err)
	_, ok := store.(*artifacts.FileStore)
	assert.True(t, ok)
}

func TestOpen_UnknownStore(t *testing.T) {
	_, err := artifacts.Open(context.Background(), config.EvidencePackConfig{Store: "tape"})
	require.Error(t, err)
	assert.Equal(t, contracts.CategoryConfig, contracts.CategoryOf(err))
}
