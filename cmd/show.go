package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/puppysense/internal/store"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run and its accepted frames",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := uuid.Parse(args[0])
		if err != nil {
			return errors.Wrapf(err, "invalid run id %q", args[0])
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return reported(err)
		}
		run, err := db.GetRun(cmd.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Printf("❌ Run %s not found.\n", id)
			return nil
		}
		if err != nil {
			utils.ShowError("Failed to load run", err, nil)
			return reported(err)
		}
		frames, err := db.RunFrames(cmd.Context(), id)
		if err != nil {
			utils.ShowError("Failed to load frames", err, nil)
			return reported(err)
		}
		printRun(os.Stdout, run, frames)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func printRun(out io.Writer, r store.Run, frames []store.Frame) {
	fmt.Fprintf(out, "Run:      %s\n", r.ID)
	fmt.Fprintf(out, "Media:    %s (%s)\n", r.Path, r.MIMEType)
	fmt.Fprintf(out, "Strategy: %s\n", r.Strategy)
	fmt.Fprintf(out, "State:    %s\n", r.State)
	if r.Reason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", r.Reason)
	}
	fmt.Fprintf(out, "Sampled:  %d (%d skipped)\n", r.Sampled, r.Faults)
	if r.FinishedAt != nil {
		fmt.Fprintf(out, "Took:     %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}

	if len(frames) == 0 {
		fmt.Fprintln(out, "\n🐾 Nothing found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nSEQ\tTIME\tLABEL\tCONFIDENCE\tOBJECT")
	fmt.Fprintln(w, "---\t----\t-----\t----------\t------")
	for _, f := range frames {
		obj := f.ObjectKey
		switch {
		case f.Placeholder:
			obj = "(placeholder)"
		case obj == "":
			obj = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.1f%%\t%s\n", f.Seq, utils.FmtTime(f.Timestamp), f.Label, f.Confidence*100, obj)
	}
	w.Flush()
}
