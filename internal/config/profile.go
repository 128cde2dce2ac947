package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/puppysense/internal/detector"
	"github.com/andresmejia3/puppysense/internal/media"
	"github.com/andresmejia3/puppysense/internal/packaging"
	"github.com/andresmejia3/puppysense/internal/pipeline"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces profile overrides, e.g. PUPPYSENSE_DETECTOR_STRATEGY.
const EnvPrefix = "PUPPYSENSE"

// Profile is the detection profile: which strategy runs and how results are kept.
type Profile struct {
	Detector detector.Config `mapstructure:"detector"`
	Pipeline PipelineConfig  `mapstructure:"pipeline"`
	Output   OutputConfig    `mapstructure:"output"`
	Media    MediaConfig     `mapstructure:"media"`
}

type PipelineConfig struct {
	MaxResults           int           `mapstructure:"max_results"`
	MaxConsecutiveFaults int           `mapstructure:"max_consecutive_faults"`
	MaxDuration          time.Duration `mapstructure:"max_duration"`
	ModelLoadTimeout     time.Duration `mapstructure:"model_load_timeout"`
	MetadataTimeout      time.Duration `mapstructure:"metadata_timeout"`
	SeekTimeout          time.Duration `mapstructure:"seek_timeout"`
}

type OutputConfig struct {
	Format  string  `mapstructure:"format"`
	Quality float64 `mapstructure:"quality"`
}

type MediaConfig struct {
	FFmpeg  string `mapstructure:"ffmpeg"`
	FFprobe string `mapstructure:"ffprobe"`
	Encoder string `mapstructure:"encoder"`
}

// SetDefaults registers every profile key so env overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("detector.strategy", string(detector.KindMultiClass))
	v.SetDefault("detector.threshold", 0.0)
	v.SetDefault("detector.interval", time.Duration(0))

	v.SetDefault("detector.face.cascade", "cascade/facefinder")
	v.SetDefault("detector.face.q_scale", 10.0)
	v.SetDefault("detector.face.min_size", 20)
	v.SetDefault("detector.face.shift_factor", 0.1)
	v.SetDefault("detector.face.scale_factor", 1.1)
	v.SetDefault("detector.face.iou", 0.2)

	v.SetDefault("detector.multiclass.url", "http://localhost:11434")
	v.SetDefault("detector.multiclass.model", "llava")
	v.SetDefault("detector.multiclass.labels", detector.DefaultLabels)
	v.SetDefault("detector.multiclass.max_objects", 20)
	v.SetDefault("detector.multiclass.request_timeout", 60*time.Second)

	v.SetDefault("detector.graph.command", []string{"python3", "-u", "python/graph_runner.py", "model/model.json"})
	v.SetDefault("detector.graph.input_size", 640)
	v.SetDefault("detector.graph.classes", []string{"dog", "cat", "person"})
	v.SetDefault("detector.graph.target_label", "dog")

	v.SetDefault("pipeline.max_results", pipeline.DefaultMaxResults)
	v.SetDefault("pipeline.max_consecutive_faults", 0)
	v.SetDefault("pipeline.max_duration", media.DefaultMaxDuration)
	v.SetDefault("pipeline.model_load_timeout", pipeline.DefaultModelLoadTimeout)
	v.SetDefault("pipeline.metadata_timeout", media.DefaultMetadataTimeout)
	v.SetDefault("pipeline.seek_timeout", media.DefaultSeekTimeout)

	v.SetDefault("output.format", packaging.FormatJPEG)
	v.SetDefault("output.quality", packaging.DefaultQuality)

	v.SetDefault("media.ffmpeg", "ffmpeg")
	v.SetDefault("media.ffprobe", "ffprobe")
	v.SetDefault("media.encoder", "libvpx")
}

// NewViper returns a viper wired for the profile. An explicit path must exist;
// otherwise puppysense.yaml is searched in the working directory and the
// user config dir, and is optional.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		return v, nil
	}

	v.SetConfigName("puppysense")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "puppysense"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read puppysense.yaml")
		}
	}
	return v, nil
}

// LoadProfile decodes and validates the profile held by v.
func LoadProfile(v *viper.Viper) (*Profile, error) {
	var p Profile
	if err := v.Unmarshal(&p); err != nil {
		return nil, errors.Wrap(err, "decode profile")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate normalises the strategy name and rejects values no run could use.
func (p *Profile) Validate() error {
	kind, err := detector.ParseKind(string(p.Detector.Kind))
	if err != nil {
		return errors.WithHint(errors.Wrap(err, "detector.strategy"), "set detector.strategy or pass --strategy")
	}
	p.Detector.Kind = kind

	switch {
	case p.Detector.Threshold < 0 || p.Detector.Threshold >= 1:
		return errors.Newf("detector.threshold must be in [0, 1), got %v", p.Detector.Threshold)
	case p.Detector.Interval < 0:
		return errors.Newf("detector.interval must not be negative, got %s", p.Detector.Interval)
	case p.Pipeline.MaxResults < 1:
		return errors.Newf("pipeline.max_results must be at least 1, got %d", p.Pipeline.MaxResults)
	case p.Pipeline.MaxConsecutiveFaults < 0:
		return errors.Newf("pipeline.max_consecutive_faults must not be negative, got %d", p.Pipeline.MaxConsecutiveFaults)
	case p.Pipeline.MaxDuration <= 0:
		return errors.Newf("pipeline.max_duration must be positive, got %s", p.Pipeline.MaxDuration)
	case p.Output.Quality <= 0 || p.Output.Quality > 1:
		return errors.Newf("output.quality must be in (0, 1], got %v", p.Output.Quality)
	}
	if kind == detector.KindMultiClass && len(detector.NewLabelSet(p.Detector.MultiClass.Labels...)) == 0 {
		return errors.New("detector.multiclass.labels must name at least one label")
	}
	if _, err := packaging.NewEncoder(p.Output.Format, p.Output.Quality, nil); err != nil {
		return errors.Wrap(err, "output.format")
	}
	return nil
}
