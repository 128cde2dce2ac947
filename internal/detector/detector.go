// Package detector wraps pretrained inference capabilities behind one
// contract. Strategies differ only in pre- and post-processing.
package detector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/andresmejia3/puppysense/internal/types"
	"go.uber.org/zap"
)

// Detector is a loaded-once inference capability.
//
// Detect returns only detections of the target label, ordered by confidence
// descending; ties keep model output order. Detect before a successful Load
// fails with an inference error. Load is idempotent.
type Detector interface {
	Name() string
	Load(ctx context.Context) error
	Detect(ctx context.Context, frame types.SampleFrame) ([]types.Detection, error)
	Policy() Policy
	Close() error
}

// Policy is the strategy-specific acceptance and sampling policy.
type Policy struct {
	Threshold float64
	Interval  time.Duration
}

// Kind selects a strategy at construction time.
type Kind string

const (
	KindFace       Kind = "face"
	KindMultiClass Kind = "multiclass"
	KindGraph      Kind = "graph"
)

// Kinds lists the available strategies in help-text order.
var Kinds = []Kind{KindFace, KindMultiClass, KindGraph}

// ParseKind validates a strategy name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q (want one of %v)", s, Kinds)
}

// Config carries every strategy's settings. Zero values fall back to defaults.
type Config struct {
	Kind       Kind             `mapstructure:"strategy"`
	Threshold  float64          `mapstructure:"threshold"`
	Interval   time.Duration    `mapstructure:"interval"`
	Face       FaceConfig       `mapstructure:"face"`
	MultiClass MultiClassConfig `mapstructure:"multiclass"`
	Graph      GraphConfig      `mapstructure:"graph"`
}

// New builds the detector for cfg.Kind. Nothing is loaded yet.
func New(cfg Config, log *zap.Logger) (Detector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("strategy", string(cfg.Kind)))

	switch cfg.Kind {
	case KindFace:
		return NewFace(cfg.Face, cfg.policy(DefaultFacePolicy), log), nil
	case KindMultiClass:
		return NewMultiClass(cfg.MultiClass, cfg.policy(DefaultMultiClassPolicy), log), nil
	case KindGraph:
		return NewGraph(cfg.Graph, cfg.policy(DefaultGraphPolicy), nil, log), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Kind)
	}
}

func (c Config) policy(def Policy) Policy {
	p := def
	if c.Threshold > 0 {
		p.Threshold = c.Threshold
	}
	if c.Interval > 0 {
		p.Interval = c.Interval
	}
	return p
}

// rank sorts by confidence descending, keeping model order on ties.
func rank(dets []types.Detection) []types.Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
	return dets
}

// Best returns the first detection strictly above threshold. Detect output is
// already ranked, so this is the highest-confidence match.
func Best(dets []types.Detection, threshold float64) (types.Detection, bool) {
	if len(dets) == 0 || dets[0].Confidence <= threshold {
		return types.Detection{}, false
	}
	return dets[0], true
}

// LabelSet is the allow-list of labels treated as the target subject.
// A label matches when it equals a member or contains one ("pug dog" matches "dog").
type LabelSet []string

// NewLabelSet normalises labels to lower case and drops blanks.
func NewLabelSet(labels ...string) LabelSet {
	set := make(LabelSet, 0, len(labels))
	for _, l := range labels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			set = append(set, l)
		}
	}
	return set
}

func (s LabelSet) Match(label string) bool {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return false
	}
	for _, want := range s {
		if label == want || strings.Contains(label, want) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clampBox(b types.Box, w, h float64) types.Box {
	c := func(v, max float64) float64 {
		if v < 0 {
			return 0
		}
		if v > max {
			return max
		}
		return v
	}
	return types.Box{
		TopLeft:     types.Point{X: c(b.TopLeft.X, w), Y: c(b.TopLeft.Y, h)},
		BottomRight: types.Point{X: c(b.BottomRight.X, w), Y: c(b.BottomRight.Y, h)},
	}
}
