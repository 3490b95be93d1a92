package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/platform"
	"go.uber.org/zap"
)

type BundledOptions struct {
	// Executable overrides discovery of whisper-cli.
	Executable string
	// WorkDir receives the per-call chunk WAV and JSON output.
	WorkDir string
	Logger  *zap.Logger
}

// BundledEngine runs the whisper-cli executable once per chunk.
type BundledEngine struct {
	Executable string
	WorkDir    string
	Logger     *zap.Logger
}

func NewBundledEngine(opts BundledOptions) (*BundledEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	if override := strings.TrimSpace(opts.Executable); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("VOXSCRIBE_WHISPER_PATH is not executable: %w", err)
		}
		return &BundledEngine{Executable: override, WorkDir: workDir, Logger: logger}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve voxscribe executable path: %w", err)
	}

	whisperExe, err := ResolveBundledEnginePath(self)
	if err != nil {
		return nil, err
	}
	return &BundledEngine{Executable: whisperExe, WorkDir: workDir, Logger: logger}, nil
}

// ResolveBundledEnginePath looks for whisper-cli next to the voxscribe binary,
// then on PATH.
func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	if onPath, err := exec.LookPath(engineBinaryName()); err == nil {
		return onPath, nil
	}

	return "", fmt.Errorf("whisper engine not found near %s or on PATH; set VOXSCRIBE_WHISPER_PATH or install %s under ../libexec/whisper/", selfExecutable, engineBinaryName())
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, platform.NormalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (b *BundledEngine) Recognize(ctx context.Context, req Request) (Recognition, error) {
	if req.Model == nil || strings.TrimSpace(req.Model.Path) == "" {
		return Recognition{}, errors.New("model handle is required")
	}
	if len(req.Audio.Samples) == 0 {
		return Recognition{}, nil
	}
	if err := ensureExecutable(b.Executable); err != nil {
		return Recognition{}, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	if err := os.MkdirAll(b.WorkDir, 0o755); err != nil {
		return Recognition{}, fmt.Errorf("create work directory: %w", err)
	}
	scratch, err := os.MkdirTemp(b.WorkDir, "recognize-*")
	if err != nil {
		return Recognition{}, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	wavPath := filepath.Join(scratch, "chunk.wav")
	if err := audio.WriteWAVFile(wavPath, req.Audio); err != nil {
		return Recognition{}, fmt.Errorf("write chunk audio: %w", err)
	}

	outBase := filepath.Join(scratch, "result")
	args := buildArgs(req, wavPath, outBase)

	cmd := exec.CommandContext(ctx, b.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	b.Logger.Debug("running whisper engine", zap.String("engine", b.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Recognition{}, ctxErr
		}
		return Recognition{}, b.classifyFailure(err, strings.TrimSpace(stderr.String()))
	}

	content, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return Recognition{}, fmt.Errorf("read whisper output: %w", err)
	}
	return parseOutput(content, req.WordTimestamps)
}

func buildArgs(req Request, wavPath, outBase string) []string {
	threads := req.Model.Threads
	if threads < 1 {
		threads = 1
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "auto"
	}

	args := []string{
		"-m", req.Model.Path,
		"-f", wavPath,
		"-t", strconv.Itoa(threads),
		"-l", lang,
		"-ojf",
		"-of", outBase,
		"-np",
	}
	if req.Translate {
		args = append(args, "-tr")
	}
	return args
}

func (b *BundledEngine) classifyFailure(err error, errText string) error {
	if isMissingSharedLibraryError(errText) {
		return fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", b.Executable, errText)
	}
	if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
		return errors.New("whisper engine crashed with an illegal CPU instruction; " +
			"set VOXSCRIBE_WHISPER_PATH to a whisper-cli binary built for this CPU")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		// Killed by a signal, almost always the OOM killer.
		b.Logger.Error("whisper engine killed", zap.Error(err), zap.String("stderr", errText))
		return &domain.Error{
			Kind:    domain.KindInference,
			Message: "recognizer process was killed, likely out of memory",
			Err:     err,
			Fatal:   true,
		}
	}
	return fmt.Errorf("whisper transcribe failed: %w (%s)", err, errText)
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []cliSegment `json:"transcription"`
}

type cliOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type cliSegment struct {
	Offsets cliOffsets `json:"offsets"`
	Text    string     `json:"text"`
	Tokens  []struct {
		Text    string     `json:"text"`
		Offsets cliOffsets `json:"offsets"`
		P       float64    `json:"p"`
	} `json:"tokens"`
}

func parseOutput(content []byte, withTokens bool) (Recognition, error) {
	var out cliOutput
	if err := json.Unmarshal(content, &out); err != nil {
		return Recognition{}, fmt.Errorf("decode whisper output: %w", err)
	}

	rec := Recognition{
		Language: strings.TrimSpace(out.Result.Language),
		Segments: make([]domain.Segment, 0, len(out.Transcription)),
	}
	for _, seg := range out.Transcription {
		s := domain.Segment{
			Start: msToDuration(seg.Offsets.From),
			End:   msToDuration(seg.Offsets.To),
			Text:  strings.TrimSpace(seg.Text),
		}
		if withTokens {
			for _, tok := range seg.Tokens {
				// Control tokens such as [_BEG_] and [_TT_150].
				if strings.HasPrefix(tok.Text, "[_") {
					continue
				}
				s.Tokens = append(s.Tokens, domain.Token{
					Text:       tok.Text,
					Start:      msToDuration(tok.Offsets.From),
					End:        msToDuration(tok.Offsets.To),
					Confidence: tok.P,
				})
			}
		}
		rec.Segments = append(rec.Segments, s)
	}
	return rec, nil
}

func msToDuration(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}
	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
