package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"time"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

// Defaults for Options.
const (
	DefaultMaxDuration     = 30 * time.Second
	DefaultMetadataTimeout = 10 * time.Second
	DefaultSeekTimeout     = 5 * time.Second
)

// Source yields SampleFrames in timestamp order.
//
// Next returns io.EOF when exhausted. A per-frame fault is returned as an
// error marked types.ErrFrameCapture alongside a frame carrying only its
// index and timestamp; the source stays usable after a fault.
type Source interface {
	Len() int
	Next(ctx context.Context) (types.SampleFrame, error)
	Close() error
}

// Plan returns the sample timestamps i*interval for i in [0, floor(min(duration, max)/interval)).
func Plan(duration float64, interval, max time.Duration) []float64 {
	if interval <= 0 || duration <= 0 || math.IsNaN(duration) {
		return nil
	}
	d := duration
	if max > 0 && d > max.Seconds() {
		d = max.Seconds()
	}
	step := interval.Seconds()
	// Tolerate float error so 12.0/0.5 yields 24 and not 23.
	n := int(math.Floor(d/step + 1e-9))
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = float64(i) * step
	}
	return ts
}

// Seeker captures the frame displayed at t seconds. Returning means the seek
// has settled; the image reflects t and nothing earlier.
type Seeker interface {
	Seek(ctx context.Context, path string, t float64) (image.Image, error)
}

// FFmpegSeeker runs one short-lived ffmpeg per frame with an input-side seek.
type FFmpegSeeker struct {
	Bin string
}

func (s FFmpegSeeker) Seek(ctx context.Context, path string, t float64) (image.Image, error) {
	bin := s.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	// Using -vcodec mjpeg ensures we get a JPEG Go can split
	cmd := utils.NewSafeCommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", t),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.Newf("no frame at %.3fs", t)
	}
	return decodeJPEG(scanner.Bytes())
}

// Options configures how sources are opened.
type Options struct {
	MaxDuration     time.Duration
	MetadataTimeout time.Duration
	SeekTimeout     time.Duration
	Prober          Prober
	Seeker          Seeker
	Log             *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.MetadataTimeout <= 0 {
		o.MetadataTimeout = DefaultMetadataTimeout
	}
	if o.SeekTimeout <= 0 {
		o.SeekTimeout = DefaultSeekTimeout
	}
	if o.Prober == nil {
		o.Prober = FFProbe{}
	}
	if o.Seeker == nil {
		o.Seeker = FFmpegSeeker{}
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Opener builds Sources for media inputs.
type Opener struct {
	opts Options
}

func NewOpener(opts Options) *Opener {
	return &Opener{opts: opts.withDefaults()}
}

// Open returns a source for in. Video metadata is loaded here under the
// metadata timeout; failing to load it is terminal for the run.
func (o *Opener) Open(ctx context.Context, in types.MediaInput, interval time.Duration) (Source, error) {
	switch {
	case in.IsImage():
		return &imageSource{path: in.Path}, nil
	case in.IsVideo():
	default:
		return nil, types.UnsupportedFormatError(nil, "unsupported media type %q", in.MIMEType)
	}

	duration := in.Duration
	mctx, cancel := context.WithTimeout(ctx, o.opts.MetadataTimeout)
	md, err := o.opts.Prober.Probe(mctx, in.Path)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.UnsupportedFormatError(err, "metadata did not load within %s", o.opts.MetadataTimeout)
		}
		return nil, types.UnsupportedFormatError(err, "load video metadata")
	}
	if md.Duration > 0 {
		duration = md.Duration
	}
	if duration <= 0 {
		return nil, types.UnsupportedFormatError(nil, "video duration unknown for %s", in.Path)
	}

	plan := Plan(duration, interval, o.opts.MaxDuration)
	o.opts.Log.Debug("sampling plan",
		zap.Float64("duration", duration),
		zap.Duration("interval", interval),
		zap.Int("frames", len(plan)))

	return &videoSource{
		path:    in.Path,
		plan:    plan,
		seeker:  o.opts.Seeker,
		timeout: o.opts.SeekTimeout,
	}, nil
}

// imageSource yields exactly one frame at t=0.
type imageSource struct {
	path string
	done bool
}

func (s *imageSource) Len() int { return 1 }

func (s *imageSource) Next(ctx context.Context) (types.SampleFrame, error) {
	if s.done {
		return types.SampleFrame{}, io.EOF
	}
	s.done = true
	if err := ctx.Err(); err != nil {
		return types.SampleFrame{}, err
	}
	img, err := DecodeImage(s.path)
	if err != nil {
		return types.NewSampleFrame(nil, 0, 0, nil), types.FrameCaptureError(err, "decode %s", s.path)
	}
	return types.NewSampleFrame(img, 0, 0, nil), nil
}

func (s *imageSource) Close() error { return nil }

// videoSource seeks to each planned timestamp in order.
type videoSource struct {
	path    string
	plan    []float64
	next    int
	seeker  Seeker
	timeout time.Duration
}

func (s *videoSource) Len() int { return len(s.plan) }

func (s *videoSource) Next(ctx context.Context) (types.SampleFrame, error) {
	if s.next >= len(s.plan) {
		return types.SampleFrame{}, io.EOF
	}
	i := s.next
	t := s.plan[i]
	s.next++

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	img, err := s.seeker.Seek(sctx, s.path, t)
	if err != nil {
		if ctx.Err() != nil {
			return types.SampleFrame{}, ctx.Err()
		}
		return types.NewSampleFrame(nil, t, i, nil), types.FrameCaptureError(err, "capture frame %d at %.2fs", i, t)
	}
	return types.NewSampleFrame(img, t, i, nil), nil
}

func (s *videoSource) Close() error { return nil }
