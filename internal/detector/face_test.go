package detector

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFaceDetectBeforeLoad(t *testing.T) {
	f := NewFace(FaceConfig{}, DefaultFacePolicy, zap.NewNop())
	_, err := f.Detect(context.Background(), solidFrame(32, 32, color.White))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInference))
}

func TestFaceLoadFailures(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a cascade"), 0644))

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tests := []struct {
		name    string
		cascade string
	}{
		{"unset", ""},
		{"missing file", filepath.Join(dir, "facefinder")},
		{"truncated cascade", garbage},
		{"http 404", srv.URL + "/facefinder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFace(FaceConfig{Cascade: tt.cascade}, DefaultFacePolicy, zap.NewNop())
			err := f.Load(context.Background())
			require.Error(t, err)
			assert.Equal(t, types.KindModelLoad, types.Classify(err))
		})
	}
}

func TestFaceConfidenceMapping(t *testing.T) {
	f := NewFace(FaceConfig{}, DefaultFacePolicy, zap.NewNop())
	assert.InDelta(t, 0.0, f.confidence(0), 1e-9)
	assert.InDelta(t, 0.5, f.confidence(10), 1e-9)
	assert.InDelta(t, 0.9, f.confidence(90), 1e-9)

	// Monotonic
	assert.Less(t, f.confidence(5), f.confidence(6))
}

func TestFaceLoadWithoutLogger(t *testing.T) {
	f := NewFace(FaceConfig{Cascade: filepath.Join(t.TempDir(), "facefinder")}, DefaultFacePolicy, nil)
	var err error
	assert.NotPanics(t, func() { err = f.Load(context.Background()) })
	assert.Equal(t, types.KindModelLoad, types.Classify(err))
}
