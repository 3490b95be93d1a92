package whisper

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, dir, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(id)), []byte(content), 0o644))
}

func TestCacheGetReturnsSameHandleWithOneLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, dir, "base", "weights")
	cache := NewCache(CacheOptions{Dir: dir, MaxModels: 2, Threads: 4})

	first, err := cache.Get("base")
	require.NoError(t, err)
	second, err := cache.Get("base")
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, int64(1), cache.Loads())
	require.Equal(t, 4, first.Threads)
	require.Equal(t, int64(len("weights")), first.SizeBytes)
	require.Equal(t, "sha256:60ed5bc3dd14", first.Version)
}

func TestCacheConcurrentCallersShareOneLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, dir, "small", "weights")
	cache := NewCache(CacheOptions{Dir: dir, MaxModels: 1})

	const callers = 16
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := cache.Get("small")
			require.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	for _, h := range handles {
		require.Same(t, handles[0], h)
	}
	require.Equal(t, int64(1), cache.Loads())
}

func TestCacheMissingModelIsNotMemoised(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := NewCache(CacheOptions{Dir: dir, MaxModels: 1})

	_, err := cache.Get("tiny")
	require.Error(t, err)
	require.Equal(t, domain.KindModelNotCached, domain.KindOf(err))
	require.Empty(t, cache.Handles())

	writeModel(t, dir, "tiny", "weights")
	h, err := cache.Get("tiny")
	require.NoError(t, err)
	require.Equal(t, "tiny", h.ID)
	require.Equal(t, int64(2), cache.Loads())
}

func TestCacheEnforcesResidentModelLimit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, dir, "tiny", "a")
	writeModel(t, dir, "base", "b")
	cache := NewCache(CacheOptions{Dir: dir, MaxModels: 1})

	_, err := cache.Get("tiny")
	require.NoError(t, err)

	_, err = cache.Get("base")
	require.Equal(t, domain.KindResourceExhausted, domain.KindOf(err))

	_, err = cache.Get("tiny")
	require.NoError(t, err)
}

func TestCacheVerifiesRegistryChecksums(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, dir, "tiny", "not the real weights")
	cache := NewCache(CacheOptions{Dir: dir, MaxModels: 1, Verify: true})

	_, err := cache.Get("tiny")
	require.Equal(t, domain.KindModelNotCached, domain.KindOf(err))
	require.Contains(t, err.Error(), "checksum")
}

func TestCacheLocalModelVersionAndValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, dir, "custom-de", "weights")
	cache := NewCache(CacheOptions{Dir: dir, MaxModels: 2, Verify: true})

	h, err := cache.Get("custom-de")
	require.NoError(t, err)
	require.Contains(t, h.Version, "local-")

	_, err = cache.Get("../escape")
	require.Equal(t, domain.KindValidation, domain.KindOf(err))
	require.Equal(t, int64(1), cache.Loads())
}

func TestCachePreloadAndHandles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeModel(t, dir, "tiny", "a")
	writeModel(t, dir, "base", "b")
	cache := NewCache(CacheOptions{Dir: dir, MaxModels: 3})

	require.NoError(t, cache.Preload("tiny", "base"))
	handles := cache.Handles()
	require.Len(t, handles, 2)
	require.Equal(t, "base", handles[0].ID)
	require.Equal(t, "tiny", handles[1].ID)

	err := cache.Preload("medium")
	require.Error(t, err)
	require.Equal(t, domain.KindModelNotCached, domain.KindOf(err))
}
