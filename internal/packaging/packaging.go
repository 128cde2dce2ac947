package packaging

import (
	"bytes"
	"image"
	"image/png"
	"strings"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/chai2010/webp"
	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Supported output formats.
const (
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
	FormatPNG  = "png"
)

// DefaultQuality is the lossy quality on a 0..1 scale.
const DefaultQuality = 0.8

// Encoder turns accepted stills into a portable blob.
type Encoder struct {
	Format  string
	Quality float64
	Log     *zap.Logger
}

func NewEncoder(format string, quality float64, log *zap.Logger) (*Encoder, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", "jpg":
		format = FormatJPEG
	case FormatJPEG, FormatWebP, FormatPNG:
	default:
		return nil, errors.Newf("unknown frame format %q (want jpeg, webp or png)", format)
	}
	if quality <= 0 || quality > 1 {
		quality = DefaultQuality
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Encoder{Format: format, Quality: quality, Log: log}, nil
}

// ContentType is the MIME type of blobs this encoder produces.
func (e *Encoder) ContentType() string {
	switch e.Format {
	case FormatWebP:
		return "image/webp"
	case FormatPNG:
		return "image/png"
	default:
		return "image/jpeg"
	}
}

// Extension is the file suffix matching ContentType, dot included.
func (e *Encoder) Extension() string {
	switch e.Format {
	case FormatWebP:
		return ".webp"
	case FormatPNG:
		return ".png"
	default:
		return ".jpg"
	}
}

func (e *Encoder) quality100() int {
	q := int(e.Quality*100 + 0.5)
	if q < 1 {
		q = 1
	}
	if q > 100 {
		q = 100
	}
	return q
}

// Encode serializes img once in the configured format.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("no image to encode")
	}
	var buf bytes.Buffer
	var err error
	switch e.Format {
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(e.quality100())})
	case FormatPNG:
		err = png.Encode(&buf, img)
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.quality100()))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", e.Format)
	}
	if buf.Len() == 0 {
		return nil, errors.Newf("%s encoder produced no bytes", e.Format)
	}
	return buf.Bytes(), nil
}

// Package promotes frame to an AcceptedFrame. If encoding fails the
// detection is kept with an empty placeholder blob.
func (e *Encoder) Package(frame types.SampleFrame, det types.Detection) types.AcceptedFrame {
	out := types.AcceptedFrame{
		Index:       frame.Index,
		Timestamp:   frame.Timestamp,
		Confidence:  det.Confidence,
		Box:         det.Box,
		Label:       det.Label,
		ContentType: e.ContentType(),
	}
	blob, err := e.Encode(frame.Image)
	if err != nil {
		e.Log.Warn("keeping detection without an image",
			zap.Int("frame", frame.Index),
			zap.Float64("timestamp", frame.Timestamp),
			zap.Error(err))
		out.Placeholder = true
		out.Blob = []byte{}
		return out
	}
	out.Blob = blob
	return out
}
