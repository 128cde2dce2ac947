package cmd

import (
	"context"

	"github.com/andresmejia3/puppysense/internal/config"
	"github.com/andresmejia3/puppysense/internal/detector"
	"github.com/andresmejia3/puppysense/internal/media"
	"github.com/andresmejia3/puppysense/internal/packaging"
	"github.com/andresmejia3/puppysense/internal/pipeline"
	"github.com/andresmejia3/puppysense/internal/types"
	"go.uber.org/zap"
)

// engine is one detector and the pipeline driving it.
type engine struct {
	det     detector.Detector
	enc     *packaging.Encoder
	pipe    *pipeline.Pipeline
	profile *config.Profile
}

// newEngine builds a pipeline for prof. Nothing is loaded until the first run.
func newEngine(prof *config.Profile, tempDir string, lg *zap.Logger, extra ...pipeline.Option) (*engine, error) {
	det, err := detector.New(prof.Detector, lg)
	if err != nil {
		return nil, err
	}
	enc, err := packaging.NewEncoder(prof.Output.Format, prof.Output.Quality, lg)
	if err != nil {
		return nil, err
	}

	transcoder := media.FFmpegTranscoder{Bin: prof.Media.FFmpeg, Encoder: prof.Media.Encoder}
	opener := media.NewOpener(media.Options{
		MaxDuration:     prof.Pipeline.MaxDuration,
		MetadataTimeout: prof.Pipeline.MetadataTimeout,
		SeekTimeout:     prof.Pipeline.SeekTimeout,
		Prober:          media.FFProbe{Bin: prof.Media.FFprobe},
		Seeker:          media.FFmpegSeeker{Bin: prof.Media.FFmpeg},
		Log:             lg,
	})

	opts := []pipeline.Option{
		pipeline.WithLogger(lg),
		pipeline.WithMaxResults(prof.Pipeline.MaxResults),
		pipeline.WithMaxConsecutiveFaults(prof.Pipeline.MaxConsecutiveFaults),
		pipeline.WithModelLoadTimeout(prof.Pipeline.ModelLoadTimeout),
		pipeline.WithNormalizer(media.NewNormalizer(transcoder, tempDir, lg)),
		pipeline.WithOpener(opener),
		pipeline.WithPackager(enc),
	}
	return &engine{
		det:     det,
		enc:     enc,
		pipe:    pipeline.New(det, append(opts, extra...)...),
		profile: prof,
	}, nil
}

// withStrategy returns a copy of prof running kind instead.
func withStrategy(prof *config.Profile, kind detector.Kind) (*config.Profile, error) {
	cp := *prof
	cp.Detector.Kind = kind
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Run scans one input with the engine's pipeline.
func (e *engine) Run(ctx context.Context, in types.MediaInput) (types.RunResult, error) {
	return e.pipe.Run(ctx, in)
}

func (e *engine) Close() error {
	return e.det.Close()
}
