package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/media"
	"github.com/fmueller/voxscribe/internal/render"
	"github.com/fmueller/voxscribe/internal/transcribe"
	"github.com/fmueller/voxscribe/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type transcribeOptions struct {
	model          string
	language       string
	task           domain.Task
	wordTimestamps bool
}

func newTranscribeCmd(app *appState) *cobra.Command {
	var opts transcribeOptions
	var format string
	var translate bool

	cmd := &cobra.Command{
		Use:   "transcribe <media-file>",
		Short: "Transcribe a local media file without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := render.Format(strings.ToLower(strings.TrimSpace(format)))
			switch out {
			case render.FormatText, render.FormatSRT, render.FormatVTT:
			default:
				return fmt.Errorf("unsupported --format %q; use text, srt or vtt", format)
			}

			opts.language = sanitizeLanguage(opts.language)
			opts.task = domain.TaskTranscribe
			if translate {
				opts.task = domain.TaskTranslate
			}

			transcriptFn := app.transcribeFn
			if transcriptFn == nil {
				transcriptFn = app.transcribeFile
			}
			transcript, err := transcriptFn(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			if isBlankTranscript(transcript) {
				app.log().Warn(noSpeechHint())
			}
			rendered, err := render.String(out, transcript)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.model, "model", "", "Model name (default from configuration)")
	cmd.Flags().StringVar(&opts.language, "language", "auto", "Language code (auto|en|de|...)")
	cmd.Flags().StringVar(&format, "format", string(render.FormatText), "Output format: text|srt|vtt")
	cmd.Flags().BoolVar(&translate, "translate", false, "Translate speech to English")
	cmd.Flags().BoolVar(&opts.wordTimestamps, "word-timestamps", false, "Request token-level timestamps")
	return cmd
}

// transcribeFile runs the worker pipeline in-process on a single file.
func (a *appState) transcribeFile(ctx context.Context, mediaPath string, opts transcribeOptions) (domain.Transcript, error) {
	mediaPath = filepath.Clean(mediaPath)
	if _, err := os.Stat(mediaPath); err != nil {
		return domain.Transcript{}, fmt.Errorf("media file not found: %w", err)
	}

	cfg := a.cfg
	model := opts.model
	if model == "" {
		model = cfg.Models.Default
	}

	if err := os.MkdirAll(cfg.Media.WorkDir, 0o755); err != nil {
		return domain.Transcript{}, fmt.Errorf("create work directory: %w", err)
	}
	workDir, err := os.MkdirTemp(cfg.Media.WorkDir, "cli-*")
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	handle, err := whisper.NewCache(whisper.CacheOptions{
		Dir:     cfg.Models.Dir,
		Threads: cfg.Threads,
		Verify:  cfg.Models.Verify,
		Logger:  a.log(),
	}).Get(model)
	if err != nil {
		if domain.KindOf(err) == domain.KindModelNotCached {
			return domain.Transcript{}, fmt.Errorf("%w; run `voxscribe setup %s`", err, model)
		}
		return domain.Transcript{}, err
	}

	recognizer, err := whisper.NewBundledEngine(whisper.BundledOptions{
		Executable: cfg.Tools.Whisper,
		WorkDir:    workDir,
		Logger:     a.log(),
	})
	if err != nil {
		return domain.Transcript{}, err
	}

	normalizer := media.New(media.Options{
		FFmpegPath:    cfg.Tools.FFmpeg,
		FFprobePath:   cfg.Tools.FFprobe,
		WorkDir:       workDir,
		MaxDuration:   cfg.Media.MaxDuration,
		DecodeTimeout: cfg.Media.DecodeTimeout,
		Logger:        a.log(),
	})

	stopSpinner := startSpinner(a.progressEnabled(), "Transcribing")
	defer stopSpinner()
	started := time.Now()

	buf, err := normalizer.Normalize(ctx, domain.MediaReference{Path: mediaPath, Name: filepath.Base(mediaPath)},
		media.Target{SampleRate: cfg.Media.SampleRate, Channels: 1})
	if err != nil {
		return domain.Transcript{}, err
	}

	engine := transcribe.New(recognizer, transcribe.Config{
		Window:               cfg.Engine.ChunkWindow,
		Overlap:              cfg.Engine.ChunkOverlap,
		SilenceThresholdDBFS: cfg.Engine.SilenceThresholdDBFS,
		Logger:               a.log(),
	})
	a.log().Info("transcribing...",
		zap.String("media", mediaPath),
		zap.String("model", handle.ID),
		zap.Duration("audio", buf.Duration()),
		zap.String("language", opts.language),
	)
	transcript, err := engine.Transcribe(ctx, buf, handle, transcribe.Options{
		Language:       opts.language,
		Task:           opts.task,
		WordTimestamps: opts.wordTimestamps,
	})
	if err != nil {
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return domain.Transcript{}, err
	}
	a.log().Info("transcription finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("segments", len(transcript.Segments)),
		zap.String("language", transcript.Language),
	)
	return transcript, nil
}

func sanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}
