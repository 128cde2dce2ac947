package types

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"model load", ModelLoadError(errors.New("404"), "fetch cascade"), KindModelLoad},
		{"unsupported", UnsupportedFormatError(nil, "no encoder for %s", "video/x-flv"), KindUnsupportedFormat},
		{"exhausted", errors.Mark(errors.New("10 faults"), ErrInferenceExhausted), KindInferenceExhausted},
		{"cancelled", errors.Mark(context.Canceled, ErrCancelled), KindCancelled},
		{"wrapped model load", errors.Wrap(ModelLoadError(nil, "boom"), "run"), KindModelLoad},
		{"per-frame fault is not terminal", InferenceError(nil, "bad tensor"), KindUnknown},
		{"plain", errors.New("disk full"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestSetupFaultsCarryHints(t *testing.T) {
	err := UnsupportedFormatError(nil, "no encoder")
	assert.True(t, IsSetupFault(err))
	assert.Contains(t, errors.FlattenHints(err), "retry the full run")

	assert.False(t, IsSetupFault(FrameCaptureError(nil, "seek timeout")))
}

func TestPipelineStateString(t *testing.T) {
	assert.Equal(t, "Idle", PipelineState{}.String())
	assert.Equal(t, "Sampling(3)", PipelineState{Kind: StateSampling, FrameIndex: 3}.String())
	assert.Equal(t, "Detecting(0)", PipelineState{Kind: StateDetecting}.String())
	assert.Equal(t, "Failed(nope)", PipelineState{Kind: StateFailed, Reason: errors.New("nope")}.String())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateDetecting.Terminal())
}

func TestSampleFrameReleaseRunsOnce(t *testing.T) {
	calls := 0
	f := NewSampleFrame(image.NewRGBA(image.Rect(0, 0, 2, 2)), 1.5, 3, func() { calls++ })
	f.Release()
	f.Release()
	assert.Equal(t, 1, calls)
	assert.Nil(t, f.Image)
}

func TestBoxRectClamps(t *testing.T) {
	b := Box{TopLeft: Point{X: -5, Y: 2}, BottomRight: Point{X: 50, Y: 8}}
	assert.Equal(t, image.Rect(0, 2, 20, 8), b.Rect(image.Rect(0, 0, 20, 20)))
	assert.Equal(t, b, BoxFromSlice(b.Slice()))
	assert.Equal(t, Box{}, BoxFromSlice([]float64{1, 2}))
}

func TestDetectMIME(t *testing.T) {
	dir := t.TempDir()

	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0644))
		return p
	}

	mt, err := DetectMIME(write("clip.MP4", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", mt)

	mt, err = DetectMIME(write("clip.mkv", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "video/x-matroska", mt)

	// No extension: falls back to sniffing.
	png := []byte("\x89PNG\r\n\x1a\n0000")
	mt, err = DetectMIME(write("noext", png))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt)

	in, err := NewMediaInput(filepath.Join(dir, "noext"), "")
	require.NoError(t, err)
	assert.True(t, in.IsImage())
	assert.False(t, in.IsVideo())
	assert.EqualValues(t, len(png), in.Size)
}
