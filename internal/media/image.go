package media

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"

	"github.com/chai2010/webp"
	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"

	// Extra decoders for image.Decode, used by imaging.Decode.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeImage reads a still from disk, applying EXIF orientation.
// Lossless and animated WebP variants the x/image decoder rejects go through libwebp.
func DecodeImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeImageBytes(data)
}

// DecodeImageBytes is DecodeImage for an in-memory buffer.
func DecodeImageBytes(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}
	if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return wimg, nil
	}
	return nil, errors.Wrap(err, "decode image")
}

// decodeJPEG is the fast path for frames coming out of ffmpeg's mjpeg pipe.
func decodeJPEG(data []byte) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(data))
}
