package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/fmueller/voxscribe/internal/download"
	"github.com/fmueller/voxscribe/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup [model...]",
		Short: "Download and verify speech models into the model cache",
		Long: "Download and verify speech models into the model cache.\n" +
			"Without arguments every allowed model from the configuration is installed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if len(ids) == 0 {
				ids = app.cfg.Models.Allowed
			}

			modelDir := app.cfg.Models.Dir
			if err := os.MkdirAll(modelDir, 0o755); err != nil {
				return fmt.Errorf("create model directory %s: %w", modelDir, err)
			}

			downloadFn := app.downloadFn
			if downloadFn == nil {
				downloadFn = download.InstallModel
			}

			for _, id := range ids {
				model, ok := whisper.LookupModel(strings.TrimSpace(id))
				if !ok {
					return fmt.Errorf("unknown model %q; known models: %s", id, strings.Join(whisper.ModelNames(), ", "))
				}
				path := whisper.ModelPath(modelDir, model.ID)

				if _, err := os.Stat(path); err == nil {
					if err := download.VerifyFileChecksum(path, model.SHA256); err == nil {
						app.log().Info("model already present", zap.String("model", model.ID), zap.String("path", path))
						fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", model.ID, path)
						continue
					} else {
						app.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", model.ID), zap.Error(err))
					}
				}

				app.log().Info("downloading model", zap.String("model", model.ID), zap.String("path", path))
				if err := downloadFn(cmd.Context(), download.ModelOptions{
					URL:         model.URL,
					Model:       model.ID,
					Destination: path,
					SHA256:      model.SHA256,
					NoProgress:  !app.progressEnabled(),
					Logger:      app.log(),
				}); err != nil {
					return fmt.Errorf("download model %s: %w", model.ID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", model.ID, path)
			}
			return nil
		},
	}
	return cmd
}
