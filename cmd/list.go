package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/puppysense/internal/store"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		db, err := openStore(cmd.Context())
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return reported(err)
		}
		runs, err := db.ListRuns(cmd.Context(), listLimit)
		if err != nil {
			utils.ShowError("Failed to list runs", err, nil)
			return reported(err)
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of runs to show (0 = all)")
	rootCmd.AddCommand(listCmd)
}

func printRuns(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tMEDIA\tSTRATEGY\tSTATE\tFRAMES\tSAMPLED\tSTARTED")
	fmt.Fprintln(w, "---\t-----\t--------\t-----\t------\t-------\t-------")

	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, filepath.Base(r.Path), r.Strategy, r.State, r.Frames, r.Sampled,
			r.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
