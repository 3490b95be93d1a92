package cli

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/fmueller/voxscribe/internal/whisper"
	"github.com/spf13/cobra"
)

func newModelsCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models in the model cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cached, err := whisper.ListCached(app.cfg.Models.Dir, nil)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tSTATUS\tSIZE\tALLOWED")
			for _, m := range cached {
				status, size := "missing", "-"
				if m.Present {
					status, size = "present", humanSize(m.SizeBytes)
				}
				allowed := ""
				if slices.Contains(app.cfg.Models.Allowed, m.ID) {
					allowed = "yes"
					if m.ID == app.cfg.Models.Default {
						allowed = "default"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, status, size, allowed)
			}
			return tw.Flush()
		},
	}
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
