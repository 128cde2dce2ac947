package pipeline

import (
	"context"
	"image"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/puppysense/internal/detector"
	"github.com/andresmejia3/puppysense/internal/media"
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
)

// stubDetector scores frames with a caller-supplied function.
type stubDetector struct {
	policy  detector.Policy
	loadErr error
	score   func(ctx context.Context, f types.SampleFrame) ([]types.Detection, error)

	mu          sync.Mutex
	loads       int
	detectCalls int
}

func (d *stubDetector) Name() string { return "stub" }

func (d *stubDetector) Load(ctx context.Context) error {
	d.mu.Lock()
	d.loads++
	d.mu.Unlock()
	return d.loadErr
}

func (d *stubDetector) Detect(ctx context.Context, f types.SampleFrame) ([]types.Detection, error) {
	d.mu.Lock()
	d.detectCalls++
	d.mu.Unlock()
	if d.score == nil {
		return nil, nil
	}
	return d.score(ctx, f)
}

func (d *stubDetector) Policy() detector.Policy {
	if d.policy.Interval == 0 {
		return detector.Policy{Threshold: 0.2, Interval: time.Second}
	}
	return d.policy
}

func (d *stubDetector) Close() error { return nil }

func policyOf(threshold float64, interval time.Duration) detector.Policy {
	return detector.Policy{Threshold: threshold, Interval: interval}
}

func (d *stubDetector) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detectCalls
}

func matchAt(indices ...int) func(context.Context, types.SampleFrame) ([]types.Detection, error) {
	set := map[int]bool{}
	for _, i := range indices {
		set[i] = true
	}
	return func(_ context.Context, f types.SampleFrame) ([]types.Detection, error) {
		if set[f.Index] {
			return []types.Detection{{Confidence: 0.9, Label: "dog"}}, nil
		}
		return []types.Detection{{Confidence: 0.0, Label: "dog"}}, nil
	}
}

func always(conf float64) func(context.Context, types.SampleFrame) ([]types.Detection, error) {
	return func(context.Context, types.SampleFrame) ([]types.Detection, error) {
		return []types.Detection{{Confidence: conf, Label: "dog"}}, nil
	}
}

// stubOpener yields one frame per interval over duration seconds.
type stubOpener struct {
	duration      float64
	captureFaults map[int]bool
	err           error
}

func (o stubOpener) Open(ctx context.Context, in types.MediaInput, interval time.Duration) (media.Source, error) {
	if o.err != nil {
		return nil, o.err
	}
	if in.IsImage() {
		return &stubSource{plan: []float64{0}}, nil
	}
	return &stubSource{plan: media.Plan(o.duration, interval, media.DefaultMaxDuration), faults: o.captureFaults}, nil
}

type stubSource struct {
	plan   []float64
	next   int
	faults map[int]bool
	closed bool
}

func (s *stubSource) Len() int { return len(s.plan) }

func (s *stubSource) Next(ctx context.Context) (types.SampleFrame, error) {
	if s.next >= len(s.plan) {
		return types.SampleFrame{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return types.SampleFrame{}, err
	}
	i := s.next
	s.next++
	if s.faults[i] {
		return types.NewSampleFrame(nil, s.plan[i], i, nil), types.FrameCaptureError(errors.New("seek timed out"), "frame %d", i)
	}
	return types.NewSampleFrame(image.NewGray(image.Rect(0, 0, 8, 8)), s.plan[i], i, nil), nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

// passNormalizer returns its input, or err when set.
type passNormalizer struct {
	err      error
	released int
}

func (n *passNormalizer) Normalize(ctx context.Context, in types.MediaInput) (types.MediaInput, func(), error) {
	release := func() { n.released++ }
	if n.err != nil {
		return types.MediaInput{}, release, n.err
	}
	return in, release, nil
}

// countingTracker asserts every acquire is matched by a release.
type countingTracker struct {
	mu       sync.Mutex
	held     map[string]int
	acquired map[string]int
}

func newCountingTracker() *countingTracker {
	return &countingTracker{held: map[string]int{}, acquired: map[string]int{}}
}

func (t *countingTracker) Acquire(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[kind]++
	t.acquired[kind]++
}

func (t *countingTracker) Release(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[kind]--
}

func (t *countingTracker) balanced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.held {
		if n != 0 {
			return false
		}
	}
	return true
}

func (t *countingTracker) count(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquired[kind]
}

// recorder captures every observer signal.
type recorder struct {
	mu        sync.Mutex
	states    []types.PipelineState
	progress  []int
	completed [][]types.AcceptedFrame
	errs      []error
}

func (r *recorder) OnState(s types.PipelineState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnProgress(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnComplete(frames []types.AcceptedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, frames)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) kinds() []types.StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.StateKind, len(r.states))
	for i, s := range r.states {
		out[i] = s.Kind
	}
	return out
}

func (r *recorder) lastProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.progress) == 0 {
		return -1
	}
	return r.progress[len(r.progress)-1]
}
