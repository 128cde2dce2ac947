package detector

import (
	"testing"
	"time"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, in := range []string{"face", " Graph ", "MULTICLASS"} {
		_, err := ParseKind(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseKind("yolo")
	assert.Error(t, err)
}

func TestNewSelectsStrategy(t *testing.T) {
	tests := []struct {
		kind     Kind
		wantName string
		policy   Policy
	}{
		{KindFace, "face", DefaultFacePolicy},
		{KindMultiClass, "multiclass", DefaultMultiClassPolicy},
		{KindGraph, "graph", DefaultGraphPolicy},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d, err := New(Config{Kind: tt.kind}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, d.Name())
			assert.Equal(t, tt.policy, d.Policy())
		})
	}

	_, err := New(Config{Kind: "nope"}, nil)
	assert.Error(t, err)
}

func TestConfigOverridesPolicy(t *testing.T) {
	d, err := New(Config{Kind: KindFace, Threshold: 0.6, Interval: 2 * time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, Policy{Threshold: 0.6, Interval: 2 * time.Second}, d.Policy())
}

func TestRankIsStable(t *testing.T) {
	dets := []types.Detection{
		{Confidence: 0.5, Label: "a"},
		{Confidence: 0.9, Label: "b"},
		{Confidence: 0.5, Label: "c"},
		{Confidence: 0.9, Label: "d"},
	}
	got := rank(dets)
	var labels []string
	for _, d := range got {
		labels = append(labels, d.Label)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, labels)
}

func TestBest(t *testing.T) {
	_, ok := Best(nil, 0.2)
	assert.False(t, ok)

	_, ok = Best([]types.Detection{{Confidence: 0.2}}, 0.2)
	assert.False(t, ok, "threshold must be exceeded, not met")

	d, ok := Best([]types.Detection{{Confidence: 0.7, Label: "dog"}, {Confidence: 0.3}}, 0.2)
	assert.True(t, ok)
	assert.Equal(t, "dog", d.Label)
}

func TestLabelSet(t *testing.T) {
	set := NewLabelSet(" Dog", "puppy", "", "cat")
	assert.Len(t, set, 3)

	tests := []struct {
		label string
		want  bool
	}{
		{"dog", true},
		{"DOG", true},
		{"hot dog", true},
		{"puppy", true},
		{"cat", true},
		{"bear", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, set.Match(tt.label), tt.label)
	}
}

func TestClampBox(t *testing.T) {
	b := clampBox(types.Box{
		TopLeft:     types.Point{X: -3, Y: 4},
		BottomRight: types.Point{X: 120, Y: 300},
	}, 100, 200)
	assert.Equal(t, types.Point{X: 0, Y: 4}, b.TopLeft)
	assert.Equal(t, types.Point{X: 100, Y: 200}, b.BottomRight)
}
