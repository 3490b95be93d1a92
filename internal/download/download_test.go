package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func TestVerifyFileChecksum(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := []byte("voxscribe")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	require.NoError(t, VerifyFileChecksum(path, strings.ToUpper(digest(payload))))
	require.ErrorIs(t, VerifyFileChecksum(path, strings.Repeat("0", 64)), errChecksumMismatch)
	require.ErrorContains(t, VerifyFileChecksum(path, ""), "no pinned checksum")
}

func TestInstallModelPlacesVerifiedFile(t *testing.T) {
	t.Parallel()

	payload := []byte("ggml-weights")
	var agent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "models")
	destination := filepath.Join(dir, "ggml-base.bin")
	err := InstallModel(context.Background(), ModelOptions{
		URL:         server.URL,
		Model:       "base",
		Destination: destination,
		SHA256:      digest(payload),
		NoProgress:  true,
	})
	require.NoError(t, err)
	require.Equal(t, userAgent, agent.Load())

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)

	info, err := os.Stat(destination)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not remain in the cache directory")
}

func TestInstallModelNeverExposesPartialFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	destination := filepath.Join(dir, "ggml-tiny.bin")
	var sawPart, sawFinal atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first half "))
		w.(http.Flusher).Flush()

		if _, err := os.Stat(destination); err == nil {
			sawFinal.Store(true)
		}
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".ggml-tiny.bin.") && strings.HasSuffix(e.Name(), ".part") {
				sawPart.Store(true)
			}
		}
		_, _ = w.Write([]byte("second half"))
	}))
	defer server.Close()

	err := InstallModel(context.Background(), ModelOptions{
		URL:         server.URL,
		Destination: destination,
		SHA256:      digest([]byte("first half second half")),
		NoProgress:  true,
	})
	require.NoError(t, err)
	require.True(t, sawPart.Load())
	require.False(t, sawFinal.Load(), "destination must not exist while the body is in flight")
	require.FileExists(t, destination)
}

func TestInstallModelRetriesAndRejectsChecksumMismatch(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("weights"))
	}))
	defer server.Close()

	dir := t.TempDir()
	destination := filepath.Join(dir, "ggml-tiny.bin")
	err := InstallModel(context.Background(), ModelOptions{
		URL:         server.URL,
		Destination: destination,
		SHA256:      strings.Repeat("0", 64),
		NoProgress:  true,
		Retries:     2,
	})
	require.ErrorIs(t, err, errChecksumMismatch)
	require.Equal(t, int32(2), attempts.Load())
	require.NoFileExists(t, destination)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestInstallModelDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := InstallModel(context.Background(), ModelOptions{
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "ggml-tiny.bin"),
		SHA256:      strings.Repeat("a", 64),
		NoProgress:  true,
		Retries:     5,
	})
	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusNotFound, status.StatusCode)
	require.Equal(t, int32(1), attempts.Load())
}

func TestInstallModelRequiresPinnedDigest(t *testing.T) {
	t.Parallel()

	err := InstallModel(context.Background(), ModelOptions{
		URL:         "http://127.0.0.1:1/ggml-custom.bin",
		Model:       "custom",
		Destination: filepath.Join(t.TempDir(), "ggml-custom.bin"),
	})
	require.ErrorContains(t, err, "model custom has no pinned sha256 digest")
}

func TestInstallModelStopsRetryingWhenCancelled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := InstallModel(ctx, ModelOptions{
		URL:         server.URL,
		Destination: filepath.Join(t.TempDir(), "ggml-base.bin"),
		SHA256:      strings.Repeat("b", 64),
		NoProgress:  true,
		Retries:     5,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "base", label(ModelOptions{Model: " base "}))
	require.Equal(t, "ggml-tiny.bin", label(ModelOptions{Destination: "/models/ggml-tiny.bin"}))
}
