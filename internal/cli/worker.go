package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/media"
	"github.com/fmueller/voxscribe/internal/server"
	"github.com/fmueller/voxscribe/internal/storage"
	"github.com/fmueller/voxscribe/internal/transcribe"
	"github.com/fmueller/voxscribe/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWorkerCmd(app *appState) *cobra.Command {
	var socket string
	var slot int

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve transcription requests as a single worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.cfg
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := app.log().With(zap.Int("worker", slot))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fatal := make(chan error, 1)
			dispatcher, err := buildDispatcher(ctx, cfg, slot, logger, func(err error) {
				select {
				case fatal <- fmt.Errorf("worker stopped after fatal error: %w", err):
				default:
				}
			})
			if err != nil {
				return err
			}

			var ln net.Listener
			if socket != "" {
				_ = os.Remove(socket)
				ln, err = net.Listen("unix", socket)
			} else {
				// Standalone mode: one worker directly on the configured address.
				ln, err = net.Listen("tcp", cfg.Listen)
			}
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			logger.Info("worker ready", zap.String("addr", ln.Addr().String()))

			err = serveUntilDone(ctx, &http.Server{Handler: dispatcher.Handler(), ReadHeaderTimeout: 30 * time.Second}, ln, fatal)
			dispatcher.Wait()
			return err
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Unix socket to serve on; empty serves on the listen address")
	cmd.Flags().IntVar(&slot, "slot", 0, "Pool slot of this worker")
	return cmd
}

// buildDispatcher wires the media, model, engine and storage components of
// one worker process.
func buildDispatcher(ctx context.Context, cfg config.Config, slot int, logger *zap.Logger, onFatal func(error)) (*server.Dispatcher, error) {
	if err := os.MkdirAll(cfg.Media.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory %s: %w", cfg.Media.WorkDir, err)
	}

	normalizer := media.New(media.Options{
		FFmpegPath:    cfg.Tools.FFmpeg,
		FFprobePath:   cfg.Tools.FFprobe,
		WorkDir:       cfg.Media.WorkDir,
		MaxDuration:   cfg.Media.MaxDuration,
		DecodeTimeout: cfg.Media.DecodeTimeout,
		Logger:        logger.Named("media"),
	})
	if err := normalizer.Check(ctx); err != nil {
		return nil, err
	}

	recognizer, err := whisper.NewBundledEngine(whisper.BundledOptions{
		Executable: cfg.Tools.Whisper,
		WorkDir:    cfg.Media.WorkDir,
		Logger:     logger.Named("whisper"),
	})
	if err != nil {
		return nil, err
	}

	models := whisper.NewCache(whisper.CacheOptions{
		Dir:       cfg.Models.Dir,
		MaxModels: cfg.Models.Max,
		Threads:   cfg.Threads,
		Verify:    cfg.Models.Verify,
		Logger:    logger.Named("models"),
	})
	if err := models.Preload(cfg.Models.Preload...); err != nil {
		return nil, err
	}

	var store server.ResultStore
	if cfg.S3.Enabled() {
		s3Store, err := storage.New(storage.Options{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
			PublicURL: cfg.S3.PublicURL,
		})
		if err != nil {
			return nil, fmt.Errorf("configure object storage: %w", err)
		}
		store = s3Store
	}

	return server.New(server.Options{
		Normalizer: normalizer,
		Models:     models,
		Engine: transcribe.New(recognizer, transcribe.Config{
			Window:               cfg.Engine.ChunkWindow,
			Overlap:              cfg.Engine.ChunkOverlap,
			SilenceThresholdDBFS: cfg.Engine.SilenceThresholdDBFS,
			Logger:               logger.Named("engine"),
		}),
		Store:          store,
		AllowedModels:  cfg.Models.Allowed,
		DefaultModel:   cfg.Models.Default,
		SampleRate:     cfg.Media.SampleRate,
		RequestTimeout: cfg.RequestTimeout,
		MaxUploadBytes: cfg.Media.MaxUploadBytes,
		WorkDir:        cfg.Media.WorkDir,
		APIKey:         cfg.APIKey,
		Slot:           slot,
		OnFatal:        onFatal,
		Logger:         logger,
	}), nil
}
