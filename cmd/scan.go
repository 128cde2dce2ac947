package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/puppysense/internal/blob"
	"github.com/andresmejia3/puppysense/internal/config"
	"github.com/andresmejia3/puppysense/internal/media"
	"github.com/andresmejia3/puppysense/internal/metrics"
	"github.com/andresmejia3/puppysense/internal/packaging"
	"github.com/andresmejia3/puppysense/internal/pipeline"
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const (
	defaultOutDir   = "output"
	defaultDebugDir = "debug_frames"
	manifestName    = "manifest.json"
)

// Options holds the scan command's own flags. Profile overrides live in viper.
type Options struct {
	InputPath        string
	MIMEType         string
	OutDir           string
	DebugScreenshots bool
	DebugDir         string
	Store            bool
	Upload           bool
}

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a photo or short video for frames where the pet is clearly visible",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to image or video")
	scanCmd.Flags().StringVar(&scanOpts.MIMEType, "mime", "", "Override the detected MIME type")
	scanCmd.Flags().StringVarP(&scanOpts.OutDir, "out", "o", defaultOutDir, "Directory for accepted frames and manifest.json (empty disables)")
	scanCmd.Flags().BoolVarP(&scanOpts.DebugScreenshots, "debug-screenshots", "d", false, "Save accepted frames with bounding boxes to --debug-dir")
	scanCmd.Flags().StringVar(&scanOpts.DebugDir, "debug-dir", defaultDebugDir, "Directory for debug screenshots")
	scanCmd.Flags().BoolVar(&scanOpts.Store, "store", false, "Persist the run to PostgreSQL")
	scanCmd.Flags().BoolVar(&scanOpts.Upload, "upload", false, "Upload accepted frames to MinIO")
	addProfileFlags(scanCmd)

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// runScan loads the profile, runs one pipeline over the input and reports the result.
func runScan(ctx context.Context, opts Options) error {
	if err := validateScanFlags(&opts); err != nil {
		utils.ShowError("Invalid scan options", err, nil)
		return reported(err)
	}

	prof, err := config.LoadProfile(profile)
	if err != nil {
		utils.ShowError("Invalid detection profile", err, nil)
		return reported(err)
	}

	in, err := types.NewMediaInput(opts.InputPath, opts.MIMEType)
	if err != nil {
		utils.ShowError("Unable to read input", err, nil)
		return reported(err)
	}

	// Connect before the model loads so a bad DSN fails fast.
	out := sink{log: log}
	if opts.Store {
		if out.db, err = openStore(ctx); err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return reported(err)
		}
	}
	if opts.Upload {
		if out.blobs, err = newBlobStorage(ctx); err != nil {
			utils.ShowError("Object storage unavailable", err, nil)
			return reported(err)
		}
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🐾 Loading model"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)

	eng, err := newEngine(prof, infra.TempDir, log,
		pipeline.WithObserver(progressObserver(bar)),
		pipeline.WithTracker(metrics.GaugeTracker{}),
	)
	if err != nil {
		utils.ShowError("Failed to build detector", err, nil)
		return reported(err)
	}
	defer eng.Close()

	policy := eng.pipe.Policy()
	fmt.Fprintf(os.Stderr, "📼 %s (%s)\n", filepath.Base(in.Path), in.MIMEType)
	fmt.Fprintf(os.Stderr, "⚙️  Strategy %s, threshold %.2f, every %s, keeping up to %d frames\n",
		prof.Detector.Kind, policy.Threshold, policy.Interval, prof.Pipeline.MaxResults)

	res, runErr := eng.pipe.Run(ctx, in)
	_ = bar.Finish()

	if runErr != nil && !errors.Is(runErr, types.ErrCancelled) {
		// Failed runs are still recorded.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := out.save(saveCtx, in, res); err != nil {
			utils.ShowError("Failed to save run", err, nil)
		}
		return reportRunError(runErr)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "\n🛑 Scan cancelled after %d sampled frames.\n", res.Sampled)
		return reported(runErr)
	}

	keys, err := out.save(ctx, in, res)
	if err != nil {
		utils.ShowError("Failed to save run", err, nil)
		return reported(err)
	}

	if opts.OutDir != "" {
		if err := writeOutputs(filepath.Join(opts.OutDir, res.RunID.String()), res, keys); err != nil {
			utils.ShowError("Failed to write frames", err, nil)
			return reported(err)
		}
	}
	if opts.DebugScreenshots {
		if err := writeDebugFrames(filepath.Join(opts.DebugDir, res.RunID.String()), res, eng.enc); err != nil {
			utils.ShowError("Failed to write debug screenshots", err, nil)
		}
	}

	printSummary(res, opts)
	return nil
}

// progressObserver drives bar from pipeline signals.
func progressObserver(bar *progressbar.ProgressBar) pipeline.Observer {
	return pipeline.ObserverFuncs{
		State: func(s types.PipelineState) {
			switch s.Kind {
			case types.StateLoadingModel:
				bar.Describe("🐾 Loading model")
			case types.StateSampling:
				bar.Describe("🎞️  Sampling")
			case types.StateDetecting:
				bar.Describe("🔍 Detecting")
			}
		},
		Progress: func(p int) {
			if p > 0 {
				_ = bar.Set(p)
			}
		},
	}
}

// reportRunError prints a terminal run error with its retry hint.
func reportRunError(err error) error {
	switch types.Classify(err) {
	case types.KindModelLoad:
		utils.ShowError("The detection model could not be loaded", err, nil)
	case types.KindUnsupportedFormat:
		utils.ShowError("This file format is not supported", err, nil)
	case types.KindInferenceExhausted:
		utils.ShowError("The model kept failing on this file", err, nil)
	default:
		utils.ShowError("Scan failed", err, nil)
	}
	return reported(err)
}

// manifest is written next to the frame files.
type manifest struct {
	RunID    string          `json:"run_id"`
	MediaID  string          `json:"media_id"`
	Strategy string          `json:"strategy"`
	State    string          `json:"state"`
	Sampled  int             `json:"sampled"`
	Faults   int             `json:"faults"`
	Frames   []manifestFrame `json:"frames"`
}

type manifestFrame struct {
	types.AcceptedFrame
	File      string `json:"file,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
}

func frameFileName(seq int, f types.AcceptedFrame, ext string) string {
	return fmt.Sprintf("frame_%02d_%08d%s", seq, int64(f.Timestamp*1000), ext)
}

// writeOutputs stores each frame image in dir and describes them in manifest.json.
func writeOutputs(dir string, res types.RunResult, keys []string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	m := manifest{
		RunID:    res.RunID.String(),
		MediaID:  res.MediaID,
		Strategy: res.Strategy,
		State:    res.State.Kind.String(),
		Sampled:  res.Sampled,
		Faults:   res.Faults,
		Frames:   make([]manifestFrame, len(res.Frames)),
	}
	for i, f := range res.Frames {
		mf := manifestFrame{AcceptedFrame: f}
		if i < len(keys) {
			mf.ObjectKey = keys[i]
		}
		if !f.Placeholder && len(f.Blob) > 0 {
			mf.File = frameFileName(i, f, blob.Extension(f.ContentType))
			if err := os.WriteFile(filepath.Join(dir, mf.File), f.Blob, 0644); err != nil {
				return err
			}
		}
		m.Frames[i] = mf
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), data, 0644)
}

// writeDebugFrames redraws each accepted frame with its detection box.
func writeDebugFrames(dir string, res types.RunResult, enc *packaging.Encoder) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for i, f := range res.Frames {
		if f.Placeholder || len(f.Blob) == 0 {
			continue
		}
		img, err := media.DecodeImageBytes(f.Blob)
		if err != nil {
			return errors.Wrapf(err, "decode frame %d", i)
		}
		data, err := enc.Encode(packaging.Annotate(img, f.Box, 3))
		if err != nil {
			return errors.Wrapf(err, "encode frame %d", i)
		}
		name := fmt.Sprintf("debug_%s", frameFileName(i, f, enc.Extension()))
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(res types.RunResult, opts Options) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 SCAN SUMMARY  run %s\n", res.RunID)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")

	if len(res.Frames) == 0 {
		fmt.Fprintf(os.Stderr, "🐾 Nothing found. Try a clearer photo or a different strategy.\n")
	}
	for i, f := range res.Frames {
		note := ""
		if f.Placeholder {
			note = " (image unavailable)"
		}
		fmt.Fprintf(os.Stderr, "🐶 #%d  %s  %-8s %5.1f%%%s\n", i, utils.FmtTime(f.Timestamp), f.Label, f.Confidence*100, note)
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Sampled frames:   %d\n", res.Sampled)
	if res.Faults > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped frames:   %d\n", res.Faults)
	}
	fmt.Fprintf(os.Stderr, "⏱️  Took:             %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if opts.OutDir != "" && len(res.Frames) > 0 {
		fmt.Fprintf(os.Stderr, "📁 Frames written to %s\n", filepath.Join(opts.OutDir, res.RunID.String()))
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(err, "input file does not exist")
		}
		return errors.Wrap(err, "unable to access input file")
	}
	if info.IsDir() {
		return errors.Newf("input path %s is a directory, expected an image or video file", opts.InputPath)
	}
	if opts.DebugScreenshots && opts.DebugDir == "" {
		return errors.New("--debug-dir must not be empty with --debug-screenshots")
	}
	return nil
}
