package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmueller/voxscribe/internal/supervisor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownGrace = 30 * time.Second

func newServeCmd(app *appState) *cobra.Command {
	var listen string
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with a pool of worker processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.cfg
			if listen != "" {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve voxscribe executable path: %w", err)
			}
			socketDir, err := os.MkdirTemp("", "voxscribe-")
			if err != nil {
				return fmt.Errorf("create socket directory: %w", err)
			}
			defer os.RemoveAll(socketDir)

			pool, err := supervisor.New(supervisor.Options{
				Size: cfg.Workers,
				Spawner: &supervisor.ProcessSpawner{
					Executable:   self,
					Args:         app.forwardedFlags(),
					Env:          cfg.WorkerEnv(),
					SocketDir:    socketDir,
					ReadyTimeout: 5 * time.Minute,
					Output:       cmd.ErrOrStderr(),
					Logger:       app.log(),
				},
				QueueTimeout: cfg.QueueTimeout,
				Logger:       app.log(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.log().Info("starting workers",
				zap.Int("workers", cfg.Workers),
				zap.Int("threads_per_worker", cfg.Threads),
				zap.String("model_dir", cfg.Models.Dir),
			)
			if err := pool.Start(ctx); err != nil {
				return fmt.Errorf("start worker pool: %w", err)
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				if err := pool.Stop(stopCtx); err != nil {
					app.log().Warn("worker pool did not stop cleanly", zap.Error(err))
				}
			}()

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
			}
			app.log().Info("listening", zap.String("addr", ln.Addr().String()))
			return serveUntilDone(ctx, &http.Server{Handler: pool.Handler(), ReadHeaderTimeout: 30 * time.Second}, ln, nil)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default $PORT or :8080)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of worker processes (default $VOXSCRIBE_WORKERS)")
	return cmd
}

// serveUntilDone serves on ln until ctx ends or stopped yields an error, then
// shuts the server down gracefully. A value from stopped is returned as the
// command's error.
func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener, stopped <-chan error) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	var cause error
	select {
	case <-ctx.Done():
	case cause = <-stopped:
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(cause, fmt.Errorf("shutdown: %w", err))
	}
	return cause
}
