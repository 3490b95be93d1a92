package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/voxscribe/internal/config"
	"github.com/fmueller/voxscribe/internal/domain"
	"github.com/fmueller/voxscribe/internal/download"
	"github.com/fmueller/voxscribe/internal/logging"
	"github.com/fmueller/voxscribe/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	configPath string
	modelDir   string

	cfg    config.Config
	logger *zap.Logger

	transcribeFn func(ctx context.Context, mediaPath string, opts transcribeOptions) (domain.Transcript, error)
	downloadFn   func(ctx context.Context, opts download.ModelOptions) error
}

func NewRootCmd() *cobra.Command {
	app := &appState{}
	app.transcribeFn = app.transcribeFile
	app.downloadFn = download.InstallModel
	return newRootCmd(app)
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voxscribe",
		Short:         "Speech-to-text service backed by whisper.cpp",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.StringVar(&app.configPath, "config", app.configPath, "Path to a YAML config file (default $VOXSCRIBE_CONFIG)")
	flags.StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newWorkerCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// init loads configuration and builds the logger before any subcommand runs.
func (a *appState) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.modelDir != "" {
		cfg.Models.Dir = a.modelDir
	}
	a.cfg = cfg

	logger, err := logging.New(logging.Options{Verbose: a.verbose, JSON: a.jsonLogs, Name: cmd.Name(), Worker: -1})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

// forwardedFlags are the global flags a worker process inherits from serve.
func (a *appState) forwardedFlags() []string {
	var args []string
	if a.verbose {
		args = append(args, "--verbose")
	}
	if a.jsonLogs {
		args = append(args, "--json")
	}
	if a.configPath != "" {
		args = append(args, "--config", a.configPath)
	}
	if a.modelDir != "" {
		args = append(args, "--model-dir", a.modelDir)
	}
	return args
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
