package whisper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/platform"
	"github.com/stretchr/testify/require"
)

const sampleOutput = `{
  "result": {"language": "de"},
  "transcription": [
    {
      "offsets": {"from": 0, "to": 1500},
      "text": " Guten Morgen.",
      "tokens": [
        {"text": "[_BEG_]", "offsets": {"from": 0, "to": 0}, "p": 0.9},
        {"text": " Guten", "offsets": {"from": 0, "to": 700}, "p": 0.91},
        {"text": " Morgen", "offsets": {"from": 700, "to": 1400}, "p": 0.85},
        {"text": "[_TT_75]", "offsets": {"from": 1500, "to": 1500}, "p": 0.2}
      ]
    },
    {
      "offsets": {"from": 1500, "to": 2000},
      "text": " Wie geht's?",
      "tokens": []
    }
  ]
}`

// writeFakeCLI installs a shell script standing in for whisper-cli. It writes
// sampleOutput to the -of path and records its arguments.
func writeFakeCLI(t *testing.T, body string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" > %q
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; fi
  shift
done
%s
`, argsFile, body)
	path := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path, argsFile
}

func oneSecondTone() audio.Buffer {
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = 0.1
	}
	return audio.Buffer{Samples: samples, SampleRate: 16000, Channels: 1}
}

func TestBundledEngineRecognizeParsesJSON(t *testing.T) {
	t.Parallel()

	exe, argsFile := writeFakeCLI(t, "cat > \"$out.json\" <<'EOF'\n"+sampleOutput+"\nEOF")
	workDir := t.TempDir()
	engine, err := NewBundledEngine(BundledOptions{Executable: exe, WorkDir: workDir})
	require.NoError(t, err)

	rec, err := engine.Recognize(context.Background(), Request{
		Audio:          oneSecondTone(),
		Model:          &Handle{ID: "base", Path: "/models/ggml-base.bin", Threads: 3},
		WordTimestamps: true,
		Translate:      true,
	})
	require.NoError(t, err)
	require.Equal(t, "de", rec.Language)
	require.Len(t, rec.Segments, 2)
	require.Equal(t, "Guten Morgen.", rec.Segments[0].Text)
	require.Equal(t, 1500*time.Millisecond, rec.Segments[0].End)
	require.Len(t, rec.Segments[0].Tokens, 2)
	require.InDelta(t, 0.85, rec.Segments[0].Tokens[1].Confidence, 1e-9)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Contains(t, string(args), "-m /models/ggml-base.bin")
	require.Contains(t, string(args), "-t 3")
	require.Contains(t, string(args), "-l auto")
	require.Contains(t, string(args), "-tr")

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBundledEngineSignalKillIsFatal(t *testing.T) {
	t.Parallel()

	exe, _ := writeFakeCLI(t, "kill -9 $$")
	engine, err := NewBundledEngine(BundledOptions{Executable: exe, WorkDir: t.TempDir()})
	require.NoError(t, err)

	_, err = engine.Recognize(context.Background(), Request{
		Audio: oneSecondTone(),
		Model: &Handle{ID: "base", Path: "/models/ggml-base.bin"},
	})
	require.Error(t, err)
	require.True(t, domain.IsFatal(err))
}

func TestBundledEngineOrdinaryFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	exe, _ := writeFakeCLI(t, "echo 'failed to load model' >&2; exit 3")
	engine, err := NewBundledEngine(BundledOptions{Executable: exe, WorkDir: t.TempDir()})
	require.NoError(t, err)

	_, err = engine.Recognize(context.Background(), Request{
		Audio: oneSecondTone(),
		Model: &Handle{ID: "base", Path: "/models/ggml-base.bin"},
	})
	require.Error(t, err)
	require.False(t, domain.IsFatal(err))
	require.Contains(t, err.Error(), "failed to load model")
}

func TestBundledEngineRejectsMissingOverride(t *testing.T) {
	t.Parallel()

	_, err := NewBundledEngine(BundledOptions{Executable: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "VOXSCRIBE_WHISPER_PATH")
}

func TestResolveBundledEnginePathFindsLibexecSibling(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	engineDir := filepath.Join(root, "libexec", "whisper")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.MkdirAll(engineDir, 0o755))

	self := filepath.Join(binDir, "voxscribe")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	enginePath := filepath.Join(engineDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte(""), 0o755))

	resolved, err := ResolveBundledEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestResolveBundledEnginePathFindsPackagingPathForLocalDev(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	self := filepath.Join(root, "voxscribe")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	targetDir := filepath.Join(root, "packaging", "whisper", fmt.Sprintf("%s_%s", runtime.GOOS, platform.NormalizeArch(runtime.GOARCH)))
	require.NoError(t, os.MkdirAll(targetDir, 0o755))
	enginePath := filepath.Join(targetDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte(""), 0o755))

	resolved, err := ResolveBundledEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestParseOutputWithoutTokens(t *testing.T) {
	t.Parallel()

	rec, err := parseOutput([]byte(sampleOutput), false)
	require.NoError(t, err)
	require.Nil(t, rec.Segments[0].Tokens)
	require.Equal(t, 1500*time.Millisecond, rec.Segments[1].Start)

	_, err = parseOutput([]byte("{"), false)
	require.Error(t, err)
}

func TestIsMissingSharedLibraryError(t *testing.T) {
	t.Parallel()

	require.True(t, isMissingSharedLibraryError("error while loading shared libraries: libwhisper.so.1: cannot open shared object file"))
	require.True(t, isMissingSharedLibraryError("dyld: Library not loaded: @rpath/libwhisper.dylib"))
	require.False(t, isMissingSharedLibraryError("some other runtime error"))
}

func TestIsIllegalInstructionError(t *testing.T) {
	t.Parallel()

	require.True(t, isIllegalInstructionError("signal: illegal instruction (core dumped)"))
	require.False(t, isIllegalInstructionError("some other runtime error"))
	require.False(t, isIllegalInstructionError(""))
}
