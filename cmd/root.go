package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/puppysense/internal/config"
	"github.com/andresmejia3/puppysense/internal/logger"
	"github.com/andresmejia3/puppysense/internal/store"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// DB is opened on first use by the commands that persist or read runs.
	DB *store.Store
	// dbURL overrides DATABASE_URL and the POSTGRES_* variables.
	dbURL string

	cfgFile  string
	logLevel string

	infra   *config.Infra
	profile *viper.Viper
	log     = zap.NewNop()
)

// errReported marks errors already shown to the user, so Execute stays quiet.
var errReported = errors.New("reported")

func reported(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errReported)
}

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "puppysense",
	Short:   "Find the frames of a photo or short video where a pet is clearly visible",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if infra, err = config.LoadInfra(); err != nil {
			return err
		}

		level := infra.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		if log, err = logger.New(level, infra.LogJSON); err != nil {
			return errors.Wrapf(err, "log level %q", level)
		}

		if profile, err = config.NewViper(cfgFile); err != nil {
			return err
		}
		return bindProfileFlags(profile, cmd.Flags())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		_ = log.Sync()
	},
}

// openStore connects to PostgreSQL the first time a command needs it.
func openStore(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	url := dbURL
	if url == "" {
		url = infra.PostgresURL()
	}
	s, err := store.New(ctx, url)
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "failed to connect to database"),
			"set DATABASE_URL or POSTGRES_HOST, or pass --db")
	}
	DB = s
	return DB, nil
}

// profileFlags maps shared flag names onto profile keys.
var profileFlags = map[string]string{
	"strategy":    "detector.strategy",
	"threshold":   "detector.threshold",
	"interval":    "detector.interval",
	"labels":      "detector.multiclass.labels",
	"max-results": "pipeline.max_results",
	"format":      "output.format",
	"quality":     "output.quality",
}

// addProfileFlags registers the detection profile overrides on cmd.
func addProfileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("strategy", "s", "", "Detection strategy: face, multiclass or graph")
	f.Float64P("threshold", "t", 0, "Acceptance threshold; a frame is kept when confidence is strictly above it (0 = strategy default)")
	f.Duration("interval", 0, "Sampling interval for videos, e.g. 1s or 250ms (0 = strategy default)")
	f.StringSlice("labels", nil, "Label allow-list for the multiclass strategy")
	f.IntP("max-results", "m", 0, "Maximum number of frames to keep")
	f.String("format", "", "Frame image format: jpeg, webp or png")
	f.Float64("quality", 0, "Frame encoder quality in (0, 1]")
}

// bindProfileFlags lets explicitly set flags win over the config file and env.
func bindProfileFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range profileFlags {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind --%s", name)
		}
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: from DATABASE_URL or POSTGRES_*)")
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Detection profile (default: ./puppysense.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (default: LOG_LEVEL or info)")
}
