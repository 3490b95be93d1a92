package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultIsValidOnceModelDirIsSet(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Models.Dir = "/models"
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30*time.Second, cfg.Engine.ChunkWindow)
	require.Equal(t, 5*time.Second, cfg.Engine.ChunkOverlap)
	require.Equal(t, 16000, cfg.Media.SampleRate)
	require.Equal(t, "base", cfg.Models.Default)
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"PORT":                      "9000",
		"VOXSCRIBE_WORKERS":         "4",
		"VOXSCRIBE_THREADS":         "3",
		"VOXSCRIBE_REQUEST_TIMEOUT": "90s",
		"VOXSCRIBE_MODEL_DIR":       "/srv/models",
		"VOXSCRIBE_MODELS":          "tiny, base ,large-v3",
		"VOXSCRIBE_DEFAULT_MODEL":   "large-v3",
		"VOXSCRIBE_CHUNK_OVERLAP":   "2s",
		"VOXSCRIBE_VERIFY_MODELS":   "true",
		"API_KEY":                   "secret",
		"S3_BUCKET_NAME":            "transcripts",
	}))
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 3, cfg.Threads)
	require.Equal(t, 90*time.Second, cfg.RequestTimeout)
	require.Equal(t, "/srv/models", cfg.Models.Dir)
	require.Equal(t, []string{"tiny", "base", "large-v3"}, cfg.Models.Allowed)
	require.Equal(t, "large-v3", cfg.Models.Default)
	require.Equal(t, 2*time.Second, cfg.Engine.ChunkOverlap)
	require.True(t, cfg.Models.Verify)
	require.Equal(t, "secret", cfg.APIKey)
	require.True(t, cfg.S3.Enabled())
}

func TestApplyEnvListenWinsOverPort(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.applyEnv(envMap(map[string]string{
		"PORT":             "9000",
		"VOXSCRIBE_LISTEN": "127.0.0.1:7000",
	})))
	require.Equal(t, "127.0.0.1:7000", cfg.Listen)
}

func TestApplyEnvReportsMalformedValues(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"VOXSCRIBE_WORKERS":         "many",
		"VOXSCRIBE_REQUEST_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "VOXSCRIBE_WORKERS")
	require.Contains(t, err.Error(), "VOXSCRIBE_REQUEST_TIMEOUT")
}

func TestMergeFileReadsYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voxscribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 6
request_timeout: 45s
models:
  dir: /opt/models
  allowed: [base, small]
  default: small
engine:
  chunk_window: 20s
  chunk_overlap: 3s
`), 0o644))

	cfg := Default()
	require.NoError(t, cfg.mergeFile(path))
	require.Equal(t, 6, cfg.Workers)
	require.Equal(t, 45*time.Second, cfg.RequestTimeout)
	require.Equal(t, "/opt/models", cfg.Models.Dir)
	require.Equal(t, "small", cfg.Models.Default)
	require.Equal(t, 20*time.Second, cfg.Engine.ChunkWindow)
	require.Equal(t, 3*time.Second, cfg.Engine.ChunkOverlap)
	require.Equal(t, 16000, cfg.Media.SampleRate)
	require.NoError(t, cfg.Validate())
}

func TestMergeFileRejectsInvalidYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [oops"), 0o644))

	cfg := Default()
	require.Error(t, cfg.mergeFile(path))
}

func TestValidateCollectsProblems(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Models.Dir = "/models"
	cfg.Workers = 0
	cfg.Engine.ChunkOverlap = cfg.Engine.ChunkWindow
	cfg.Models.Default = "huge"
	cfg.S3.Bucket = "bucket"

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "workers must be at least 1")
	require.Contains(t, err.Error(), "chunk overlap")
	require.Contains(t, err.Error(), `default model "huge"`)
	require.Contains(t, err.Error(), "S3_ACCESS_KEY")
}

func TestWorkerEnvFixesThreadBudget(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Threads = 3
	require.Contains(t, cfg.WorkerEnv(), "OMP_NUM_THREADS=3")
	require.Contains(t, cfg.WorkerEnv(), "OPENBLAS_NUM_THREADS=3")
	require.Contains(t, cfg.WorkerEnv(), "VOXSCRIBE_THREADS=3")
}

func TestLoadUsesEnvironment(t *testing.T) {
	t.Setenv("VOXSCRIBE_CONFIG", "")
	t.Setenv("VOXSCRIBE_MODEL_DIR", "/env/models")
	t.Setenv("VOXSCRIBE_WORKERS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/env/models", cfg.Models.Dir)
	require.Equal(t, 3, cfg.Workers)
}
