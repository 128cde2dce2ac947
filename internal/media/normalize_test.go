package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTranscoder struct {
	err   error
	calls int
	dir   string
}

func (f *fakeTranscoder) Transcode(ctx context.Context, in types.MediaInput, dir string) (types.MediaInput, error) {
	f.calls++
	f.dir = dir
	if f.err != nil {
		return types.MediaInput{}, f.err
	}
	out := filepath.Join(dir, "out.webm")
	if err := os.WriteFile(out, []byte("webm"), 0644); err != nil {
		return types.MediaInput{}, err
	}
	return types.MediaInput{Path: out, MIMEType: "video/webm", Size: 4}, nil
}

func TestNormalizerPassThrough(t *testing.T) {
	tr := &fakeTranscoder{}
	n := NewNormalizer(tr, t.TempDir(), nil)

	for _, mt := range []string{"video/mp4", "video/webm", "video/ogg", "VIDEO/MP4", `video/webm; codecs="vp8"`, "image/jpeg", "image/heic"} {
		in := types.MediaInput{Path: "in", MIMEType: mt}
		out, release, err := n.Normalize(context.Background(), in)
		require.NoError(t, err, mt)
		release()
		assert.Equal(t, in, out, mt)
	}
	assert.Zero(t, tr.calls)
}

func TestNormalizerTranscodes(t *testing.T) {
	tr := &fakeTranscoder{}
	n := NewNormalizer(tr, t.TempDir(), nil)

	out, release, err := n.Normalize(context.Background(), types.MediaInput{Path: "clip.mov", MIMEType: "video/quicktime"})
	require.NoError(t, err)
	assert.Equal(t, "video/webm", out.MIMEType)
	assert.FileExists(t, out.Path)

	release()
	_, err = os.Stat(tr.dir)
	assert.True(t, os.IsNotExist(err), "release must remove the transcode dir")
}

func TestNormalizerFailures(t *testing.T) {
	tr := &fakeTranscoder{err: errors.New("encoder setup failed")}
	n := NewNormalizer(tr, t.TempDir(), nil)

	_, release, err := n.Normalize(context.Background(), types.MediaInput{Path: "clip.mkv", MIMEType: "video/x-matroska"})
	require.Error(t, err)
	release()
	assert.Equal(t, types.KindUnsupportedFormat, types.Classify(err))
	_, statErr := os.Stat(tr.dir)
	assert.True(t, os.IsNotExist(statErr), "failed transcode must not leak its dir")

	_, _, err = n.Normalize(context.Background(), types.MediaInput{Path: "doc.pdf", MIMEType: "application/pdf"})
	assert.Equal(t, types.KindUnsupportedFormat, types.Classify(err))

	_, _, err = NewNormalizer(nil, "", nil).Normalize(context.Background(), types.MediaInput{MIMEType: "video/x-flv"})
	assert.Equal(t, types.KindUnsupportedFormat, types.Classify(err))
}

func TestHasEncoder(t *testing.T) {
	listing := `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 V....D libvpx               libvpx VP8 (codec vp8)
 V....D libvpx-vp9           libvpx VP9 (codec vp9)
`
	assert.True(t, hasEncoder(listing, "libvpx"))
	assert.True(t, hasEncoder(listing, "libvpx-vp9"))
	assert.False(t, hasEncoder(listing, "libaom-av1"))
	assert.False(t, hasEncoder(listing, "Video"))
}

func TestParseProbe(t *testing.T) {
	md, err := parseProbe([]byte(`{
		"streams":[{"width":1280,"height":720,"codec_name":"vp8","duration":"N/A"}],
		"format":{"duration":"12.480000","format_name":"matroska,webm"}}`))
	require.NoError(t, err)
	assert.Equal(t, Metadata{Duration: 12.48, Width: 1280, Height: 720, Codec: "vp8", FormatName: "matroska,webm"}, md)

	md, err = parseProbe([]byte(`{"streams":[{"width":2,"height":2,"duration":"4.0"}],"format":{"duration":"N/A"}}`))
	require.NoError(t, err)
	assert.Equal(t, 4.0, md.Duration)

	_, err = parseProbe([]byte(`{"streams":[],"format":{}}`))
	assert.Error(t, err)

	_, err = parseProbe([]byte(`not json`))
	assert.Error(t, err)
}
