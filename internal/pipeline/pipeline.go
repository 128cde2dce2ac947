// Package pipeline drives a detector across one media file and collects the
// frames worth keeping.
package pipeline

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/andresmejia3/puppysense/internal/detector"
	"github.com/andresmejia3/puppysense/internal/media"
	"github.com/andresmejia3/puppysense/internal/metrics"
	"github.com/andresmejia3/puppysense/internal/packaging"
	"github.com/andresmejia3/puppysense/internal/tracing"
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Defaults for Options.
const (
	DefaultMaxResults       = 10
	DefaultModelLoadTimeout = 10 * time.Second
)

// Normalizer hands back a MediaInput the source can read. release is always
// non-nil and must be called once the run is done with the file.
type Normalizer interface {
	Normalize(ctx context.Context, in types.MediaInput) (types.MediaInput, func(), error)
}

// SourceOpener builds a frame source sampling every interval.
type SourceOpener interface {
	Open(ctx context.Context, in types.MediaInput, interval time.Duration) (media.Source, error)
}

// Packager promotes an accepted frame to a retained result.
type Packager interface {
	Package(frame types.SampleFrame, det types.Detection) types.AcceptedFrame
}

// Pipeline runs one detector over media inputs. Runs on the same Pipeline are
// serialised: the decode surface admits one run at a time.
type Pipeline struct {
	det  detector.Detector
	opts options

	surface chan struct{}
	tracer  trace.Tracer
}

// New builds a pipeline around det. Unset collaborators fall back to the
// ffmpeg-backed media layer and a JPEG encoder.
func New(det detector.Detector, opts ...Option) *Pipeline {
	o := options{
		maxResults:       DefaultMaxResults,
		modelLoadTimeout: DefaultModelLoadTimeout,
		observer:         NopObserver{},
		tracker:          nopTracker{},
		log:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.normalizer == nil {
		o.normalizer = media.NewNormalizer(media.FFmpegTranscoder{}, "", o.log)
	}
	if o.opener == nil {
		o.opener = media.NewOpener(media.Options{Log: o.log})
	}
	if o.packager == nil {
		enc, _ := packaging.NewEncoder(packaging.FormatJPEG, packaging.DefaultQuality, o.log)
		o.packager = enc
	}
	return &Pipeline{
		det:     det,
		opts:    o,
		surface: make(chan struct{}, 1),
		tracer:  tracing.Tracer("github.com/andresmejia3/puppysense/internal/pipeline"),
	}
}

// Policy is the effective acceptance policy after overrides.
func (p *Pipeline) Policy() detector.Policy {
	pol := p.det.Policy()
	if p.opts.threshold > 0 {
		pol.Threshold = p.opts.threshold
	}
	if p.opts.interval > 0 {
		pol.Interval = p.opts.interval
	}
	return pol
}

// run carries the mutable state of one Run call.
type run struct {
	p      *Pipeline
	obs    Observer
	sm     *machine
	log    *zap.Logger
	result types.RunResult
	policy detector.Policy

	consecutive int
}

// Run samples in and returns the accepted frames in timestamp order.
//
// The returned error is nil only for Completed runs. Setup faults are marked
// with types.ErrModelLoad or types.ErrUnsupportedFormat, and cancellation
// with types.ErrCancelled. The result is populated in every case.
func (p *Pipeline) Run(ctx context.Context, in types.MediaInput) (types.RunResult, error) {
	r := &run{
		p:      p,
		obs:    p.opts.observer,
		sm:     newMachine(p.opts.observer),
		policy: p.Policy(),
		result: types.RunResult{
			RunID:     uuid.New(),
			Strategy:  p.det.Name(),
			StartedAt: time.Now(),
		},
	}
	if id, err := utils.GenerateMediaID(in.Path); err == nil {
		r.result.MediaID = id
	}
	r.log = p.opts.log.With(
		zap.String("run_id", r.result.RunID.String()),
		zap.String("strategy", r.result.Strategy))

	ctx, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run.id", r.result.RunID.String()),
		attribute.String("media.mime", in.MIMEType),
		attribute.String("detector", r.result.Strategy),
	))
	defer span.End()

	runScope := newScope(p.opts.tracker)
	err := r.execute(ctx, in, runScope)
	runScope.close()

	r.result.FinishedAt = time.Now()
	r.result.State = r.sm.state
	metrics.RunsTotal.WithLabelValues(r.result.Strategy, r.sm.state.Kind.String()).Inc()
	metrics.RunDuration.WithLabelValues(r.result.Strategy).Observe(r.result.FinishedAt.Sub(r.result.StartedAt).Seconds())

	span.SetAttributes(
		attribute.String("run.state", r.sm.state.Kind.String()),
		attribute.Int("run.frames", len(r.result.Frames)),
		attribute.Int("run.sampled", r.result.Sampled),
		attribute.Int("run.faults", r.result.Faults),
	)
	if err != nil && r.sm.state.Kind == types.StateFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return r.result, err
}

func (r *run) execute(ctx context.Context, in types.MediaInput, runScope *scope) error {
	p := r.p

	if ctx.Err() != nil {
		return r.cancel(ctx)
	}
	select {
	case p.surface <- struct{}{}:
	case <-ctx.Done():
		return r.cancel(ctx)
	}
	runScope.acquire(ResourceSurface, func() { <-p.surface })

	if err := r.sm.to(types.PipelineState{Kind: types.StateLoadingModel}); err != nil {
		return err
	}
	if err := r.load(ctx); err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		return r.fail(err)
	}

	norm, err := r.normalize(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		return r.fail(err)
	}
	runScope.acquire(ResourceMedia, norm.release)

	src, err := p.opts.opener.Open(ctx, norm.in, r.policy.Interval)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		if !errors.Is(err, types.ErrUnsupportedFormat) {
			err = types.UnsupportedFormatError(err, "open %s", in.MIMEType)
		}
		return r.fail(err)
	}
	runScope.acquire(ResourceSource, func() {
		if err := src.Close(); err != nil {
			r.log.Warn("failed to close frame source", zap.Error(err))
		}
	})

	r.log.Info("run started",
		zap.String("path", in.Path),
		zap.String("mime", norm.in.MIMEType),
		zap.Int("planned_frames", src.Len()),
		zap.Float64("threshold", r.policy.Threshold),
		zap.Duration("interval", r.policy.Interval))

	for r.result.Sampled < src.Len() {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		done, err := r.iterate(ctx, src)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return r.complete()
}

func (r *run) load(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, r.p.opts.modelLoadTimeout)
	defer cancel()
	lctx, span := r.p.tracer.Start(lctx, "detector.Load")
	defer span.End()

	start := time.Now()
	err := r.p.det.Load(lctx)
	metrics.StageDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if errors.Is(err, types.ErrModelLoad) {
		return err
	}
	if errors.Is(lctx.Err(), context.DeadlineExceeded) {
		return types.ModelLoadError(err, "model did not load within %s", r.p.opts.modelLoadTimeout)
	}
	return types.ModelLoadError(err, "load %s", r.p.det.Name())
}

type normalized struct {
	in      types.MediaInput
	release func()
}

func (r *run) normalize(ctx context.Context, in types.MediaInput) (normalized, error) {
	ctx, span := r.p.tracer.Start(ctx, "media.Normalize")
	defer span.End()

	start := time.Now()
	out, release, err := r.p.opts.normalizer.Normalize(ctx, in)
	metrics.StageDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	if release == nil {
		release = func() {}
	}
	if err != nil {
		release()
		span.RecordError(err)
		if !errors.Is(err, types.ErrUnsupportedFormat) && ctx.Err() == nil {
			err = types.UnsupportedFormatError(err, "normalize %s", in.MIMEType)
		}
		return normalized{}, err
	}
	return normalized{in: out, release: release}, nil
}

// iterate processes one frame. done reports source exhaustion or a full result list.
func (r *run) iterate(ctx context.Context, src media.Source) (done bool, err error) {
	p := r.p
	i := r.result.Sampled

	if err := r.sm.to(types.PipelineState{Kind: types.StateSampling, FrameIndex: i}); err != nil {
		return true, err
	}

	iter := newScope(p.opts.tracker)
	defer iter.close()

	start := time.Now()
	frame, err := src.Next(ctx)
	metrics.StageDuration.WithLabelValues("sample").Observe(time.Since(start).Seconds())
	if err == io.EOF {
		return true, nil
	}
	if ctx.Err() != nil {
		if err == nil {
			frame.Release()
		}
		return true, r.cancel(ctx)
	}

	r.result.Sampled++
	metrics.FramesSampledTotal.Inc()
	r.sm.report(r.result.Sampled)

	if err != nil {
		frame.Release()
		return false, r.fault(err, frame, "capture")
	}
	iter.acquire(ResourceFrame, frame.Release)

	if err := r.sm.to(types.PipelineState{Kind: types.StateDetecting, FrameIndex: i}); err != nil {
		return true, err
	}

	dets, err := r.detect(ctx, frame, iter)
	if err != nil {
		if ctx.Err() != nil {
			return true, r.cancel(ctx)
		}
		if errors.Is(err, types.ErrInferenceExhausted) {
			return true, r.fail(err)
		}
		return false, r.fault(err, frame, "inference")
	}
	r.consecutive = 0

	best, ok := detector.Best(dets, r.policy.Threshold)
	if !ok {
		return false, nil
	}

	accepted := p.opts.packager.Package(frame, best)
	r.result.Frames = append(r.result.Frames, accepted)
	metrics.FramesAcceptedTotal.WithLabelValues(best.Label).Inc()
	r.log.Debug("frame accepted",
		zap.Int("frame", frame.Index),
		zap.Float64("timestamp", frame.Timestamp),
		zap.Float64("confidence", best.Confidence),
		zap.String("label", best.Label))

	return len(r.result.Frames) >= p.opts.maxResults, nil
}

func (r *run) detect(ctx context.Context, frame types.SampleFrame, iter *scope) ([]types.Detection, error) {
	ctx, span := r.p.tracer.Start(ctx, "detector.Detect", trace.WithAttributes(
		attribute.Int("frame.index", frame.Index),
		attribute.Float64("frame.timestamp", frame.Timestamp),
	))
	defer span.End()

	iter.acquire(ResourceInference, nil)
	start := time.Now()
	dets, err := r.p.det.Detect(ctx, frame)
	metrics.StageDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("detections", len(dets)))
	return dets, nil
}

// fault records a skipped frame. It returns an error only once the
// consecutive fault limit is exceeded.
func (r *run) fault(err error, frame types.SampleFrame, cause string) error {
	r.result.Faults++
	r.consecutive++
	metrics.FrameFaultsTotal.WithLabelValues(cause).Inc()
	r.log.Warn("skipping frame",
		zap.Int("frame", frame.Index),
		zap.Float64("timestamp", frame.Timestamp),
		zap.String("cause", cause),
		zap.Error(err))

	limit := r.p.opts.maxConsecutiveFaults
	if limit > 0 && r.consecutive > limit {
		return r.fail(types.InferenceExhaustedError(err, "%d consecutive frames failed", r.consecutive))
	}
	return nil
}

func (r *run) complete() error {
	frames := r.result.Frames
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Timestamp < frames[j].Timestamp })
	if err := r.sm.to(types.PipelineState{Kind: types.StateCompleted}); err != nil {
		return err
	}
	r.log.Info("run completed",
		zap.Int("frames", len(frames)),
		zap.Int("sampled", r.result.Sampled),
		zap.Int("faults", r.result.Faults))
	r.obs.OnComplete(frames)
	r.sm.resetProgress()
	return nil
}

func (r *run) fail(reason error) error {
	if err := r.sm.to(types.PipelineState{Kind: types.StateFailed, Reason: reason}); err != nil {
		return errors.CombineErrors(reason, err)
	}
	r.dropFrames()
	r.log.Error("run failed", zap.String("kind", string(types.Classify(reason))), zap.Error(reason))
	r.obs.OnError(reason)
	return reason
}

func (r *run) cancel(ctx context.Context) error {
	err := types.CancelledError(context.Cause(ctx))
	if terr := r.sm.to(types.PipelineState{Kind: types.StateCancelled}); terr != nil {
		return errors.CombineErrors(err, terr)
	}
	r.dropFrames()
	r.sm.resetProgress()
	r.log.Info("run cancelled", zap.Int("sampled", r.result.Sampled))
	return err
}

func (r *run) dropFrames() {
	for i := range r.result.Frames {
		r.result.Frames[i].Release()
	}
	r.result.Frames = nil
}
