package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// DefaultMultiClassPolicy mirrors the object detector's 0.2 score floor and half-second sampling.
var DefaultMultiClassPolicy = Policy{Threshold: 0.2, Interval: 500 * time.Millisecond}

// DefaultLabels is the target subject plus labels the model confuses it with.
var DefaultLabels = []string{"dog", "puppy", "cat"}

// MultiClassConfig configures the vision-model strategy.
type MultiClassConfig struct {
	URL            string        `mapstructure:"url"`
	Model          string        `mapstructure:"model"`
	Labels         []string      `mapstructure:"labels"`
	MaxObjects     int           `mapstructure:"max_objects"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func (c MultiClassConfig) withDefaults() MultiClassConfig {
	if c.URL == "" {
		c.URL = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "llava"
	}
	if len(c.Labels) == 0 {
		c.Labels = DefaultLabels
	}
	if c.MaxObjects <= 0 {
		c.MaxObjects = 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

const detectPrompt = `Detect every object in this image.
Reply with JSON only, in the form {"objects":[{"label":"<class name>","score":<0..1>,"box":[x1,y1,x2,y2]}]}.
Box coordinates are fractions of the image width and height. List at most %d objects.`

// MultiClass asks a generic vision model for labelled objects and keeps
// those whose label is in the allow-list.
type MultiClass struct {
	cfg    MultiClassConfig
	labels LabelSet
	policy Policy
	log    *zap.Logger

	mu     sync.Mutex
	client *api.Client
}

func NewMultiClass(cfg MultiClassConfig, policy Policy, log *zap.Logger) *MultiClass {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &MultiClass{cfg: cfg, labels: NewLabelSet(cfg.Labels...), policy: policy, log: log}
}

func (m *MultiClass) Name() string   { return string(KindMultiClass) }
func (m *MultiClass) Policy() Policy { return m.policy }

// Labels returns the active allow-list.
func (m *MultiClass) Labels() LabelSet { return m.labels }

func (m *MultiClass) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}

	base, err := url.Parse(m.cfg.URL)
	if err != nil {
		return types.ModelLoadError(err, "invalid vision model URL %q", m.cfg.URL)
	}
	client := api.NewClient(&url.URL{Scheme: base.Scheme, Host: base.Host}, &http.Client{Timeout: m.cfg.RequestTimeout})

	if err := client.Heartbeat(ctx); err != nil {
		return types.ModelLoadError(err, "vision model server %s unreachable", base.Host)
	}
	if _, err := client.Show(ctx, &api.ShowRequest{Model: m.cfg.Model}); err != nil {
		return types.ModelLoadError(err, "vision model %q unavailable", m.cfg.Model)
	}

	m.client = client
	m.log.Debug("vision model ready", zap.String("model", m.cfg.Model), zap.Strings("labels", m.labels))
	return nil
}

// visionObject is one entry of the model's JSON reply.
type visionObject struct {
	Label string    `json:"label"`
	Score float64   `json:"score"`
	Box   []float64 `json:"box"`
}

func (m *MultiClass) Detect(ctx context.Context, frame types.SampleFrame) ([]types.Detection, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, types.InferenceError(nil, "vision detector used before load")
	}
	if frame.Image == nil || frame.Image.Bounds().Empty() {
		return nil, types.InferenceError(nil, "frame %d has no pixels", frame.Index)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame.Image, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, types.InferenceError(err, "encode frame %d", frame.Index)
	}

	stream := false
	req := &api.ChatRequest{
		Model: m.cfg.Model,
		Messages: []api.Message{{
			Role:    "user",
			Content: fmt.Sprintf(detectPrompt, m.cfg.MaxObjects),
			Images:  []api.ImageData{api.ImageData(buf.Bytes())},
		}},
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: map[string]any{"temperature": 0},
	}

	var content strings.Builder
	err := client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.InferenceError(err, "vision chat on frame %d", frame.Index)
	}

	objects, err := parseObjects(content.String())
	if err != nil {
		return nil, types.InferenceError(err, "decode vision reply for frame %d", frame.Index)
	}

	b := frame.Image.Bounds()
	return m.filter(objects, float64(b.Dx()), float64(b.Dy())), nil
}

// filter keeps allow-listed labels, converts boxes to pixels, and ranks.
func (m *MultiClass) filter(objects []visionObject, w, h float64) []types.Detection {
	if len(objects) > m.cfg.MaxObjects {
		objects = objects[:m.cfg.MaxObjects]
	}
	out := make([]types.Detection, 0, len(objects))
	for _, o := range objects {
		if !m.labels.Match(o.Label) || len(o.Box) < 4 {
			continue
		}
		box := types.BoxFromSlice(o.Box)
		if normalized(o.Box) {
			box.TopLeft.X *= w
			box.BottomRight.X *= w
			box.TopLeft.Y *= h
			box.BottomRight.Y *= h
		}
		out = append(out, types.Detection{
			Confidence: clamp01(o.Score),
			Box:        clampBox(box, w, h),
			Label:      strings.ToLower(strings.TrimSpace(o.Label)),
		})
	}
	return rank(out)
}

func normalized(box []float64) bool {
	for _, v := range box[:4] {
		if v > 1 {
			return false
		}
	}
	return true
}

// parseObjects accepts {"objects":[...]} or a bare array.
func parseObjects(s string) ([]visionObject, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty reply")
	}
	if strings.HasPrefix(s, "[") {
		var objs []visionObject
		if err := json.Unmarshal([]byte(s), &objs); err != nil {
			return nil, err
		}
		return objs, nil
	}
	var wrapped struct {
		Objects []visionObject `json:"objects"`
	}
	if err := json.Unmarshal([]byte(s), &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Objects, nil
}

func (m *MultiClass) Close() error { return nil }
