package detector

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/andresmejia3/puppysense/internal/worker"
	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// DefaultGraphPolicy is the custom model's 0.25 score threshold at half-second sampling.
var DefaultGraphPolicy = Policy{Threshold: 0.25, Interval: 500 * time.Millisecond}

// outputStride is the combined tensor row: x1, y1, x2, y2, score, class.
const outputStride = 6

// GraphConfig configures the custom graph-model strategy.
type GraphConfig struct {
	Command     []string `mapstructure:"command"` // model runner argv
	InputSize   int      `mapstructure:"input_size"`
	Classes     []string `mapstructure:"classes"`
	TargetLabel string   `mapstructure:"target_label"`
}

func (c GraphConfig) withDefaults() GraphConfig {
	if len(c.Command) == 0 {
		c.Command = []string{"python3", "-u", "python/graph_runner.py", "model/model.json"}
	}
	if c.InputSize <= 0 {
		c.InputSize = 640
	}
	if len(c.Classes) == 0 {
		c.Classes = []string{"dog", "cat", "person"}
	}
	if c.TargetLabel == "" {
		c.TargetLabel = "dog"
	}
	return c
}

// Runner is the inference process behind the graph strategy.
type Runner interface {
	Describe(ctx context.Context) (worker.InputShape, error)
	Infer(ctx context.Context, t worker.Tensor) (worker.Output, error)
	// Alive turns false once the runner has crashed or been killed.
	Alive() bool
	Close() error
}

// RunnerFactory starts a runner. Nil means the configured subprocess.
type RunnerFactory func(ctx context.Context, cfg GraphConfig) (Runner, error)

func startSubprocess(_ context.Context, cfg GraphConfig) (Runner, error) {
	w, err := worker.NewModelWorker(0, cfg.Command[0], cfg.Command[1:]...)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Graph drives a fixed-input detection graph: resize, normalise to [0,1],
// infer, then decode the combined box/score/class tensor.
type Graph struct {
	cfg     GraphConfig
	policy  Policy
	start   RunnerFactory
	log     *zap.Logger
	tensors sync.Pool

	mu     sync.Mutex
	runner Runner
	shape  worker.InputShape
}

func NewGraph(cfg GraphConfig, policy Policy, start RunnerFactory, log *zap.Logger) *Graph {
	if start == nil {
		start = startSubprocess
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{cfg: cfg.withDefaults(), policy: policy, start: start, log: log}
}

func (g *Graph) Name() string   { return string(KindGraph) }
func (g *Graph) Policy() Policy { return g.policy }

func (g *Graph) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.runner != nil {
		if g.runner.Alive() {
			return nil
		}
		g.log.Warn("model runner exited, restarting", zap.Strings("command", g.cfg.Command))
		if err := g.runner.Close(); err != nil {
			g.log.Debug("closing dead model runner", zap.Error(err))
		}
		g.runner = nil
	}

	runner, err := g.start(ctx, g.cfg)
	if err != nil {
		return types.ModelLoadError(err, "start model runner %v", g.cfg.Command)
	}
	shape, err := runner.Describe(ctx)
	if err != nil {
		runner.Close()
		return types.ModelLoadError(err, "model runner did not become ready")
	}
	if shape.Channels == 0 {
		shape.Channels = 3
	}
	if shape.Height == 0 || shape.Width == 0 {
		shape.Height, shape.Width = g.cfg.InputSize, g.cfg.InputSize
	}
	if shape.Channels != 3 {
		runner.Close()
		return types.ModelLoadError(nil, "model expects %d channels, only RGB is supported", shape.Channels)
	}

	g.runner, g.shape = runner, shape
	g.log.Debug("graph model ready", zap.Int("height", shape.Height), zap.Int("width", shape.Width))
	return nil
}

func (g *Graph) Detect(ctx context.Context, frame types.SampleFrame) ([]types.Detection, error) {
	g.mu.Lock()
	runner, shape := g.runner, g.shape
	g.mu.Unlock()
	if runner == nil {
		return nil, types.InferenceError(nil, "graph detector used before load")
	}
	if frame.Image == nil || frame.Image.Bounds().Empty() {
		return nil, types.InferenceError(nil, "frame %d has no pixels", frame.Index)
	}

	tensor := g.acquireTensor(shape)
	defer g.releaseTensor(tensor)

	fillTensor(tensor, frame.Image, shape)

	out, err := runner.Infer(ctx, worker.Tensor{Shape: shape, Data: *tensor})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !runner.Alive() {
			// No later frame can be inferred; the next Load restarts the runner.
			return nil, types.InferenceExhaustedError(
				types.InferenceError(err, "infer frame %d", frame.Index), "model runner exited")
		}
		return nil, types.InferenceError(err, "infer frame %d", frame.Index)
	}

	b := frame.Image.Bounds()
	return g.decode(out, shape, float64(b.Dx()), float64(b.Dy()))
}

// acquireTensor hands out one input buffer per call; at most one is live per run.
func (g *Graph) acquireTensor(shape worker.InputShape) *[]float32 {
	n := shape.Height * shape.Width * shape.Channels
	if p, ok := g.tensors.Get().(*[]float32); ok && cap(*p) >= n {
		*p = (*p)[:n]
		return p
	}
	buf := make([]float32, n)
	return &buf
}

func (g *Graph) releaseTensor(p *[]float32) {
	g.tensors.Put(p)
}

// fillTensor resizes img to the model input and writes HWC floats in [0,1].
func fillTensor(dst *[]float32, img image.Image, shape worker.InputShape) {
	resized := imaging.Resize(img, shape.Width, shape.Height, imaging.Linear)
	data := *dst
	k := 0
	for y := 0; y < shape.Height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < shape.Width; x++ {
			px := row[x*4:]
			data[k] = float32(px[0]) / 255
			data[k+1] = float32(px[1]) / 255
			data[k+2] = float32(px[2]) / 255
			k += 3
		}
	}
}

// decode turns the runner's rows into target-label detections in frame pixel space.
func (g *Graph) decode(out worker.Output, shape worker.InputShape, w, h float64) ([]types.Detection, error) {
	if out.Rows == 0 {
		return nil, nil
	}
	if out.Stride < outputStride {
		return nil, types.InferenceError(errors.Newf("stride %d", out.Stride), "unexpected output tensor layout")
	}

	sx := w / float64(shape.Width)
	sy := h / float64(shape.Height)

	dets := make([]types.Detection, 0, out.Rows)
	for i := 0; i < out.Rows; i++ {
		row := out.Row(i)
		score := float64(row[4])
		class := int(row[5])
		if class < 0 || class >= len(g.cfg.Classes) || g.cfg.Classes[class] != g.cfg.TargetLabel {
			continue
		}
		if score <= g.policy.Threshold {
			continue
		}
		box := types.Box{
			TopLeft:     types.Point{X: float64(row[0]) * sx, Y: float64(row[1]) * sy},
			BottomRight: types.Point{X: float64(row[2]) * sx, Y: float64(row[3]) * sy},
		}
		dets = append(dets, types.Detection{
			Confidence: clamp01(score),
			Box:        clampBox(box, w, h),
			Label:      g.cfg.TargetLabel,
		})
	}
	return rank(dets), nil
}

func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.runner == nil {
		return nil
	}
	err := g.runner.Close()
	g.runner = nil
	return err
}
