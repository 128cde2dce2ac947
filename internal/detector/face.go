package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/puppysense/internal/types"
	pigo "github.com/esimov/pigo/core"
	"go.uber.org/zap"
)

// DefaultFacePolicy accepts anything above a low floor, sampling once a second.
var DefaultFacePolicy = Policy{Threshold: 0.2, Interval: time.Second}

// FaceConfig configures the pigo cascade strategy.
type FaceConfig struct {
	Cascade     string  `mapstructure:"cascade"` // file path or http(s) URL
	QScale      float64 `mapstructure:"q_scale"`
	MinSize     int     `mapstructure:"min_size"`
	ShiftFactor float64 `mapstructure:"shift_factor"`
	ScaleFactor float64 `mapstructure:"scale_factor"`
	IoU         float64 `mapstructure:"iou"`
}

func (c FaceConfig) withDefaults() FaceConfig {
	if c.QScale <= 0 {
		c.QScale = 10
	}
	if c.MinSize <= 0 {
		c.MinSize = 20
	}
	if c.ShiftFactor <= 0 {
		c.ShiftFactor = 0.1
	}
	if c.ScaleFactor <= 0 {
		c.ScaleFactor = 1.1
	}
	if c.IoU <= 0 {
		c.IoU = 0.2
	}
	return c
}

// Face is the single-subject face strategy. The label is implicit.
type Face struct {
	cfg    FaceConfig
	policy Policy
	log    *zap.Logger

	mu         sync.Mutex
	classifier *pigo.Pigo
}

func NewFace(cfg FaceConfig, policy Policy, log *zap.Logger) *Face {
	if log == nil {
		log = zap.NewNop()
	}
	return &Face{cfg: cfg.withDefaults(), policy: policy, log: log}
}

func (f *Face) Name() string   { return string(KindFace) }
func (f *Face) Policy() Policy { return f.policy }

func (f *Face) Load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.classifier != nil {
		return nil
	}

	data, err := fetchModel(ctx, f.cfg.Cascade, f.log)
	if err != nil {
		return types.ModelLoadError(err, "load face cascade %q", f.cfg.Cascade)
	}
	classifier, err := unpackCascade(data)
	if err != nil {
		return types.ModelLoadError(err, "parse face cascade %q", f.cfg.Cascade)
	}
	f.classifier = classifier
	f.log.Debug("face cascade loaded", zap.Int("bytes", len(data)))
	return nil
}

// unpackCascade guards against pigo panicking on truncated input.
func unpackCascade(data []byte) (c *pigo.Pigo, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("malformed cascade: %v", r)
		}
	}()
	return pigo.NewPigo().Unpack(data)
}

func (f *Face) Detect(ctx context.Context, frame types.SampleFrame) ([]types.Detection, error) {
	f.mu.Lock()
	classifier := f.classifier
	f.mu.Unlock()
	if classifier == nil {
		return nil, types.InferenceError(nil, "face detector used before load")
	}
	if frame.Image == nil || frame.Image.Bounds().Empty() {
		return nil, types.InferenceError(nil, "frame %d has no pixels", frame.Index)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := pigo.ImgToNRGBA(frame.Image)
	pixels := pigo.RgbToGrayscale(src)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()

	maxSize := cols
	if rows > maxSize {
		maxSize = rows
	}

	params := pigo.CascadeParams{
		MinSize:     f.cfg.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: f.cfg.ShiftFactor,
		ScaleFactor: f.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := classifier.RunCascade(params, 0.0)
	dets = classifier.ClusterDetections(dets, f.cfg.IoU)

	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Q <= 0 {
			continue
		}
		half := float64(d.Scale) / 2
		box := types.Box{
			TopLeft:     types.Point{X: float64(d.Col) - half, Y: float64(d.Row) - half},
			BottomRight: types.Point{X: float64(d.Col) + half, Y: float64(d.Row) + half},
		}
		out = append(out, types.Detection{
			Confidence: f.confidence(float64(d.Q)),
			Box:        clampBox(box, float64(cols), float64(rows)),
			Label:      "face",
		})
	}
	return rank(out), nil
}

// confidence maps pigo's unbounded score onto [0,1).
func (f *Face) confidence(q float64) float64 {
	return clamp01(q / (q + f.cfg.QScale))
}

func (f *Face) Close() error { return nil }
