package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/domain"
	"go.uber.org/zap"
)

// Target describes the canonical PCM layout the recognizer expects.
type Target struct {
	SampleRate int
	Channels   int
}

type Options struct {
	FFmpegPath  string
	FFprobePath string
	// WorkDir is the parent of the per-call scratch directories.
	WorkDir string
	// MaxDuration caps the decoded length, which bounds memory use.
	MaxDuration time.Duration
	// DecodeTimeout caps wall-clock time spent probing and decoding.
	DecodeTimeout time.Duration
	Logger        *zap.Logger
}

// Normalizer turns arbitrary media into mono PCM using ffprobe and ffmpeg.
type Normalizer struct {
	ffmpegPath    string
	ffprobePath   string
	workDir       string
	maxDuration   time.Duration
	decodeTimeout time.Duration
	logger        *zap.Logger
	runner        commandRunner
}

func New(opts Options) *Normalizer {
	n := &Normalizer{
		ffmpegPath:    opts.FFmpegPath,
		ffprobePath:   opts.FFprobePath,
		workDir:       opts.WorkDir,
		maxDuration:   opts.MaxDuration,
		decodeTimeout: opts.DecodeTimeout,
		logger:        opts.Logger,
		runner:        execRunner{},
	}
	if n.ffmpegPath == "" {
		n.ffmpegPath = "ffmpeg"
	}
	if n.ffprobePath == "" {
		n.ffprobePath = "ffprobe"
	}
	if n.workDir == "" {
		n.workDir = os.TempDir()
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	return n
}

// Normalize decodes ref into a mono Buffer at target.SampleRate. The scratch
// directory it creates is removed before it returns, whatever the outcome.
func (n *Normalizer) Normalize(ctx context.Context, ref domain.MediaReference, target Target) (audio.Buffer, error) {
	if target.Channels == 0 {
		target.Channels = 1
	}
	if target.Channels != 1 {
		return audio.Buffer{}, domain.Errorf(domain.KindValidation, nil, "only mono output is supported, got %d channels", target.Channels)
	}
	if target.SampleRate <= 0 {
		return audio.Buffer{}, domain.Errorf(domain.KindValidation, nil, "target sample rate must be positive")
	}

	if err := os.MkdirAll(n.workDir, 0o755); err != nil {
		return audio.Buffer{}, domain.NewError(domain.KindInternal, "cannot create work directory", err)
	}
	scratch, err := os.MkdirTemp(n.workDir, "normalize-*")
	if err != nil {
		return audio.Buffer{}, domain.NewError(domain.KindInternal, "cannot create scratch directory", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			n.logger.Warn("failed to remove scratch directory", zap.String("path", scratch), zap.Error(err))
		}
	}()

	inputPath, err := materialize(ref, scratch)
	if err != nil {
		return audio.Buffer{}, err
	}

	budgetCtx := ctx
	if n.decodeTimeout > 0 {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(ctx, n.decodeTimeout)
		defer cancel()
	}

	started := time.Now()
	probed, err := n.probe(ctx, budgetCtx, inputPath)
	if err != nil {
		return audio.Buffer{}, err
	}
	if n.maxDuration > 0 && probed > n.maxDuration {
		return audio.Buffer{}, domain.Errorf(domain.KindResourceExhausted, nil,
			"media duration %s exceeds the %s limit", probed.Round(time.Second), n.maxDuration)
	}

	outPath := filepath.Join(scratch, "normalized.wav")
	args := buildFFmpegArgs(inputPath, outPath, target)
	n.logger.Debug("decoding media", zap.String("ffmpeg", n.ffmpegPath), zap.Strings("args", args))

	result, runErr := n.runner.Run(budgetCtx, n.ffmpegPath, args...)
	if runErr != nil {
		if ctx.Err() != nil {
			return audio.Buffer{}, canceled(ctx, "decoding")
		}
		if errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
			return audio.Buffer{}, domain.Errorf(domain.KindResourceExhausted, runErr,
				"decoding exceeded the %s time budget", n.decodeTimeout)
		}
		return audio.Buffer{}, domain.Errorf(domain.KindCorruptMedia, runErr,
			"decoding terminated abnormally: %s", diagnostic(result, runErr))
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return audio.Buffer{}, domain.Errorf(domain.KindCorruptMedia, err, "decoder produced no output")
	}
	if limit := n.maxDecodedBytes(target); limit > 0 && info.Size() > limit {
		return audio.Buffer{}, domain.Errorf(domain.KindResourceExhausted, nil,
			"decoded audio exceeds the %s limit", n.maxDuration)
	}

	buf, err := audio.ReadWAV(outPath)
	if err != nil {
		return audio.Buffer{}, domain.Errorf(domain.KindCorruptMedia, err, "decoder output is not valid PCM")
	}
	if buf.SampleRate != target.SampleRate {
		return audio.Buffer{}, domain.Errorf(domain.KindCorruptMedia, nil,
			"decoder produced %d Hz instead of %d Hz", buf.SampleRate, target.SampleRate)
	}

	n.logger.Debug("media normalized",
		zap.Duration("duration", buf.Duration()),
		zap.Duration("elapsed", time.Since(started)),
	)
	return buf, nil
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probe confirms the input carries an audio stream and returns its duration
// (zero when the container does not report one).
func (n *Normalizer) probe(ctx, budgetCtx context.Context, inputPath string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type",
		"-of", "json",
		inputPath,
	}

	result, runErr := n.runner.Run(budgetCtx, n.ffprobePath, args...)
	if runErr != nil {
		if ctx.Err() != nil {
			return 0, canceled(ctx, "probing")
		}
		if errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
			return 0, domain.Errorf(domain.KindResourceExhausted, runErr, "probing exceeded the %s time budget", n.decodeTimeout)
		}
		return 0, domain.Errorf(domain.KindUnsupportedFormat, runErr,
			"media format not recognised: %s", diagnostic(result, runErr))
	}

	var out probeOutput
	if err := json.Unmarshal([]byte(result.Stdout), &out); err != nil {
		return 0, domain.Errorf(domain.KindUnsupportedFormat, err, "media format not recognised")
	}

	hasAudio := false
	for _, s := range out.Streams {
		if s.CodecType == "audio" {
			hasAudio = true
			break
		}
	}
	if !hasAudio {
		return 0, domain.Errorf(domain.KindUnsupportedFormat, nil, "media contains no audio stream")
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64)
	if err != nil || seconds < 0 {
		return 0, nil
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (n *Normalizer) maxDecodedBytes(target Target) int64 {
	if n.maxDuration <= 0 {
		return 0
	}
	const headerSlack = 1 << 20
	seconds := int64(n.maxDuration / time.Second)
	return seconds*int64(target.SampleRate)*2 + headerSlack
}

// materialize returns a path for ref, writing in-memory payloads into dir.
func materialize(ref domain.MediaReference, dir string) (string, error) {
	if len(ref.Data) > 0 {
		path := filepath.Join(dir, "input"+SafeExt(ref.Name))
		if err := os.WriteFile(path, ref.Data, 0o600); err != nil {
			return "", domain.NewError(domain.KindInternal, "cannot stage media payload", err)
		}
		return path, nil
	}

	if strings.TrimSpace(ref.Path) == "" {
		return "", domain.Errorf(domain.KindValidation, nil, "media payload is empty")
	}

	info, err := os.Stat(ref.Path)
	if err != nil {
		return "", domain.Errorf(domain.KindValidation, err, "media file is not accessible")
	}
	if info.IsDir() || info.Size() == 0 {
		return "", domain.Errorf(domain.KindValidation, nil, "media payload is empty")
	}
	return ref.Path, nil
}

// SafeExt returns a lower-case file extension for name, or ".bin" when the
// extension is missing or contains anything but letters and digits.
func SafeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 8 {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".bin"
		}
	}
	return ext
}

func canceled(ctx context.Context, stage string) error {
	return domain.Errorf(domain.KindTimeout, ctx.Err(), "request cancelled while %s media", stage)
}

// buildFFmpegArgs produces bit-exact mono s16le WAV output.
func buildFFmpegArgs(inputPath, outPath string, target Target) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-map", "0:a:0",
		"-vn", "-sn", "-dn",
		"-map_metadata", "-1",
		"-ac", strconv.Itoa(target.Channels),
		"-ar", strconv.Itoa(target.SampleRate),
		"-c:a", "pcm_s16le",
		"-fflags", "+bitexact",
		"-flags:a", "+bitexact",
		"-f", "wav",
		outPath,
	}
}

// Check verifies the codec toolchain is runnable.
func (n *Normalizer) Check(ctx context.Context) error {
	for _, tool := range []string{n.ffmpegPath, n.ffprobePath} {
		if _, err := n.runner.Run(ctx, tool, "-version"); err != nil {
			return fmt.Errorf("%s is not runnable: %w", tool, err)
		}
	}
	return nil
}
