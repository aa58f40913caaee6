package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/parallax/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		db, err := connectDB(cmd.Context())
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		runs, err := db.ListRuns(cmd.Context(), historyLimit)
		if err != nil {
			utils.ShowError("Failed to list runs", err, nil)
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tENGINE\tSTRIDE\tFRAMES\tSTARTED\tDURATION")
		fmt.Fprintln(w, "--\t------\t------\t------\t------\t-------\t--------")

		for _, r := range runs {
			duration := "running"
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				r.ID[:8], r.Source, r.Engine, r.Stride, r.Frames,
				r.StartedAt.Local().Format("2006-01-02 15:04"), duration)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(historyCmd)
}
