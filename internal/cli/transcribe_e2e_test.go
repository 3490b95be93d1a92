//go:build e2e

package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/stretchr/testify/require"
)

const (
	e2eWhisperPathEnv = "VOXSCRIBE_E2E_WHISPER_PATH"
	e2eModelDirEnv    = "VOXSCRIBE_E2E_MODEL_DIR"
	e2eMediaEnv       = "VOXSCRIBE_E2E_MEDIA"
)

// e2eSetup installs the tiny model with the real downloader and returns the
// model directory.
func e2eSetup(t *testing.T) string {
	t.Helper()

	whisperPath := strings.TrimSpace(os.Getenv(e2eWhisperPathEnv))
	if whisperPath == "" {
		t.Skip("set VOXSCRIBE_E2E_WHISPER_PATH to run e2e tests")
	}
	t.Setenv("VOXSCRIBE_WHISPER_PATH", whisperPath)
	t.Setenv("VOXSCRIBE_WORK_DIR", t.TempDir())

	modelDir := strings.TrimSpace(os.Getenv(e2eModelDirEnv))
	if modelDir == "" {
		modelDir = t.TempDir()
	}

	_, stderr, err := runCommand(t, []string{"--model-dir", modelDir, "--no-progress", "setup", "tiny"})
	require.NoErrorf(t, err, "setup command failed: %s", stderr)
	return modelDir
}

func TestTranscribeSilenceEndToEnd(t *testing.T) {
	modelDir := e2eSetup(t)

	path := filepath.Join(t.TempDir(), "silence.wav")
	require.NoError(t, audio.WriteWAVFile(path, audio.Buffer{
		Samples:    make([]float32, 16000*3),
		SampleRate: 16000,
		Channels:   1,
	}))

	stdout, stderr, err := runCommand(t, []string{
		"--model-dir", modelDir, "--no-progress",
		"transcribe", "--model", "tiny", "--format", "srt", path,
	})
	require.NoErrorf(t, err, "transcribe failed: %s", stderr)
	require.Empty(t, strings.TrimSpace(stdout))
}

func TestTranscribeMediaEndToEnd(t *testing.T) {
	modelDir := e2eSetup(t)

	media := strings.TrimSpace(os.Getenv(e2eMediaEnv))
	if media == "" {
		t.Skip("set VOXSCRIBE_E2E_MEDIA to a file with speech")
	}

	stdout, stderr, err := runCommand(t, []string{
		"--model-dir", modelDir, "--no-progress",
		"transcribe", "--model", "tiny", "--format", "vtt", media,
	})
	require.NoErrorf(t, err, "transcribe failed: %s", stderr)
	require.True(t, strings.HasPrefix(stdout, "WEBVTT"))
	require.Contains(t, stdout, " --> ")
}
