package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/puppysense/internal/scoring"
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type submitOptions struct {
	RunID      string
	Frame      int
	Confidence float64
	Timestamp  float64
	URL        string
}

var submitOpts submitOptions

var submitCmd = &cobra.Command{
	Use:   "submit [image_path]",
	Short: "Send one accepted frame to the expression scoring service",
	Long: "Submits either a stored frame (--run/--frame) or an image file to the scoring\n" +
		"service and prints the expression breakdown.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return runSubmit(cmd.Context(), path, submitOpts)
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitOpts.RunID, "run", "r", "", "Run id holding the frame")
	submitCmd.Flags().IntVarP(&submitOpts.Frame, "frame", "f", 0, "Frame position within the run")
	submitCmd.Flags().Float64Var(&submitOpts.Confidence, "confidence", 0, "Detection confidence sent with an image file")
	submitCmd.Flags().Float64Var(&submitOpts.Timestamp, "timestamp", 0, "Frame timestamp in seconds sent with an image file")
	submitCmd.Flags().StringVar(&submitOpts.URL, "url", "", "Scoring service base URL (default: SCORING_URL)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(ctx context.Context, path string, opts submitOptions) error {
	if (path == "") == (opts.RunID == "") {
		return errors.New("pass either an image path or --run")
	}

	up, err := loadUpload(ctx, path, opts)
	if err != nil {
		utils.ShowError("Failed to load frame", err, nil)
		return reported(err)
	}

	url := opts.URL
	if url == "" {
		url = infra.ScoringURL
	}
	client, err := scoring.NewClient(scoring.Config{
		URL:     url,
		Rate:    infra.ScoringRate,
		Retries: infra.ScoringRetries,
		Timeout: 60 * time.Second,
	}, log)
	if err != nil {
		utils.ShowError("Invalid scoring service", err, nil)
		return reported(err)
	}

	fmt.Fprintln(os.Stderr, "📤 Uploading frame...")
	res, err := client.Submit(ctx, up)
	if err != nil {
		utils.ShowError("Scoring request failed", err, nil)
		return reported(err)
	}

	if len(res.Breakdown) == 0 {
		fmt.Println("❌ The service returned no expressions for this frame.")
		return nil
	}
	printBreakdown(os.Stdout, res)
	return nil
}

// loadUpload reads the frame from disk or from the run's stored object.
func loadUpload(ctx context.Context, path string, opts submitOptions) (scoring.Upload, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return scoring.Upload{}, err
		}
		ct, err := types.DetectMIME(path)
		if err != nil {
			return scoring.Upload{}, err
		}
		return scoring.Upload{Image: data, ContentType: ct, Confidence: opts.Confidence, Timestamp: opts.Timestamp}, nil
	}

	runID, err := uuid.Parse(opts.RunID)
	if err != nil {
		return scoring.Upload{}, errors.Wrapf(err, "invalid run id %q", opts.RunID)
	}
	db, err := openStore(ctx)
	if err != nil {
		return scoring.Upload{}, err
	}
	frame, err := db.GetFrame(ctx, runID, opts.Frame)
	if err != nil {
		return scoring.Upload{}, err
	}
	if frame.Placeholder || frame.ObjectKey == "" {
		return scoring.Upload{}, errors.WithHint(
			errors.Newf("frame %d of run %s has no stored image", opts.Frame, runID),
			"rerun the scan with --store --upload")
	}

	blobs, err := newBlobStorage(ctx)
	if err != nil {
		return scoring.Upload{}, err
	}
	data, ct, err := blobs.GetFrame(ctx, frame.ObjectKey)
	if err != nil {
		return scoring.Upload{}, err
	}
	return scoring.Upload{Image: data, ContentType: ct, Confidence: frame.Confidence, Timestamp: frame.Timestamp}, nil
}

func printBreakdown(out io.Writer, res scoring.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EXPRESSION\tSHARE\t")
	fmt.Fprintln(w, "----------\t-----\t")
	for _, e := range res.Sorted() {
		n := int(e.Value/5 + 0.5)
		if n < 0 {
			n = 0
		} else if n > 20 {
			n = 20
		}
		fmt.Fprintf(w, "%s\t%.1f%%\t%s\n", e.Label, e.Value, strings.Repeat("█", n))
	}
	w.Flush()
}
