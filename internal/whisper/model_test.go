package whisper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileNameForRegistryAndLocalModels(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ggml-large-v3.bin", FileName("large-v3"))
	require.Equal(t, "ggml-custom-de.bin", FileName("custom-de"))
	require.Equal(t, filepath.Join("/models", "ggml-base.bin"), ModelPath("/models", "base"))
}

func TestValidID(t *testing.T) {
	t.Parallel()

	require.True(t, ValidID("base"))
	require.True(t, ValidID("large-v3"))
	require.True(t, ValidID("distil.en_1"))
	require.False(t, ValidID(""))
	require.False(t, ValidID("../etc/passwd"))
	require.False(t, ValidID("Base"))
	require.False(t, ValidID("a/b"))
}

func TestListCachedReportsRegistryAndLocalFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ggml-tiny.bin"), []byte("tiny"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ggml-custom.bin"), []byte("custom!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	cached, err := ListCached(dir, nil)
	require.NoError(t, err)

	byID := map[string]CachedModel{}
	for _, entry := range cached {
		byID[entry.ID] = entry
	}
	require.Len(t, byID, len(ModelNames())+1)
	require.True(t, byID["tiny"].Present)
	require.Equal(t, int64(4), byID["tiny"].SizeBytes)
	require.False(t, byID["base"].Present)
	require.True(t, byID["custom"].Present)
	require.False(t, byID["custom"].Known)
}

func TestListCachedMissingDirectory(t *testing.T) {
	t.Parallel()

	cached, err := ListCached(filepath.Join(t.TempDir(), "absent"), []string{"base"})
	require.NoError(t, err)
	require.Len(t, cached, 1)
	require.False(t, cached[0].Present)

	_, err = ListCached("", nil)
	require.Error(t, err)
}

func TestRegistryModelsHavePinnedChecksums(t *testing.T) {
	t.Parallel()

	for _, name := range ModelNames() {
		model, ok := LookupModel(name)
		require.True(t, ok)
		require.Lenf(t, model.SHA256, 64, "model %s should have pinned sha256", name)
		require.True(t, ValidID(model.ID))
	}
}
