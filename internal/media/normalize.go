package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// SupportedVideoFormats are containers the frame seeker reads directly:
// one ISO-based, one royalty-free and one open container.
var SupportedVideoFormats = []string{"video/mp4", "video/webm", "video/ogg"}

// Transcoder produces an equivalent file in a supported container inside dir.
type Transcoder interface {
	Transcode(ctx context.Context, in types.MediaInput, dir string) (types.MediaInput, error)
}

// Normalizer swaps unsupported video containers for a transcoded copy.
type Normalizer struct {
	Supported  []string
	Transcoder Transcoder
	TempDir    string
	log        *zap.Logger
}

func NewNormalizer(t Transcoder, tempDir string, log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{Supported: SupportedVideoFormats, Transcoder: t, TempDir: tempDir, log: log}
}

// Supports reports whether mimeType is on the allow-list. Parameters such as codecs= are ignored.
func (n *Normalizer) Supports(mimeType string) bool {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	base = strings.TrimSpace(base)
	for _, s := range n.Supported {
		if base == s {
			return true
		}
	}
	return false
}

func noop() {}

// Normalize passes images and supported videos through. Anything else under
// video/* is transcoded; the returned release func removes the copy and must
// be called on every exit path.
func (n *Normalizer) Normalize(ctx context.Context, in types.MediaInput) (types.MediaInput, func(), error) {
	switch {
	case in.IsImage():
		return in, noop, nil
	case !in.IsVideo():
		return types.MediaInput{}, noop, types.UnsupportedFormatError(nil, "unsupported media type %q", in.MIMEType)
	case n.Supports(in.MIMEType):
		return in, noop, nil
	}

	if n.Transcoder == nil {
		return types.MediaInput{}, noop, types.UnsupportedFormatError(nil, "%s needs conversion but no transcoder is configured", in.MIMEType)
	}

	dir, err := os.MkdirTemp(n.TempDir, "puppysense-transcode-")
	if err != nil {
		return types.MediaInput{}, noop, errors.Wrap(err, "create transcode dir")
	}
	release := func() {
		if err := os.RemoveAll(dir); err != nil {
			n.log.Warn("failed to remove transcode dir", zap.String("dir", dir), zap.Error(err))
		}
	}

	n.log.Info("transcoding unsupported container", zap.String("mime", in.MIMEType), zap.String("path", in.Path))
	out, err := n.Transcoder.Transcode(ctx, in, dir)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return types.MediaInput{}, noop, ctx.Err()
		}
		if errors.Is(err, types.ErrUnsupportedFormat) {
			return types.MediaInput{}, noop, err
		}
		return types.MediaInput{}, noop, types.UnsupportedFormatError(err, "convert %s", in.MIMEType)
	}
	return out, release, nil
}

// FFmpegTranscoder re-encodes to VP8 WebM.
type FFmpegTranscoder struct {
	Bin     string
	Encoder string
}

func (t FFmpegTranscoder) bin() string {
	if t.Bin == "" {
		return "ffmpeg"
	}
	return t.Bin
}

func (t FFmpegTranscoder) encoder() string {
	if t.Encoder == "" {
		return "libvpx"
	}
	return t.Encoder
}

// HasEncoder reports whether ffmpeg was built with the configured encoder.
func (t FFmpegTranscoder) HasEncoder(ctx context.Context) (bool, error) {
	out, err := utils.NewSafeCommandContext(ctx, t.bin(), "-hide_banner", "-encoders").Output()
	if err != nil {
		return false, err
	}
	return hasEncoder(string(out), t.encoder()), nil
}

// hasEncoder scans `ffmpeg -encoders` output, whose rows look like " V....D libvpx  libvpx VP8".
func hasEncoder(listing, name string) bool {
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

func (t FFmpegTranscoder) Transcode(ctx context.Context, in types.MediaInput, dir string) (types.MediaInput, error) {
	ok, err := t.HasEncoder(ctx)
	if err != nil {
		return types.MediaInput{}, types.UnsupportedFormatError(err, "no video encoder available")
	}
	if !ok {
		return types.MediaInput{}, types.UnsupportedFormatError(nil, "ffmpeg lacks the %s encoder", t.encoder())
	}

	out := filepath.Join(dir, strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))+".webm")
	cmd := utils.NewSafeCommandContext(ctx, t.bin(),
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", in.Path,
		"-c:v", t.encoder(), "-b:v", "1M", "-an",
		out)
	if _, err := cmd.Output(); err != nil {
		return types.MediaInput{}, err
	}

	info, err := os.Stat(out)
	if err != nil {
		return types.MediaInput{}, err
	}
	if info.Size() == 0 {
		return types.MediaInput{}, errors.New("transcoder produced an empty file")
	}
	return types.MediaInput{Path: out, MIMEType: "video/webm", Size: info.Size(), Duration: in.Duration}, nil
}
