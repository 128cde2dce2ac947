package packaging

import (
	"image"
	"image/color"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/disintegration/imaging"
)

// BoxColor is the outline colour used for debug screenshots.
var BoxColor = color.NRGBA{R: 255, G: 64, B: 129, A: 255}

// Annotate returns a copy of img with box outlined. The source image is not modified.
func Annotate(img image.Image, box types.Box, thickness int) *image.NRGBA {
	dst := imaging.Clone(img)
	if thickness < 1 {
		thickness = 1
	}
	rect := box.Rect(dst.Bounds())
	if rect.Empty() {
		return dst
	}

	// Top, bottom, left, right bands, each clipped to the box.
	bands := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+thickness),
		image.Rect(rect.Min.X, rect.Max.Y-thickness, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+thickness, rect.Max.Y),
		image.Rect(rect.Max.X-thickness, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, b := range bands {
		fill(dst, b.Intersect(rect), BoxColor)
	}
	return dst
}

func fill(img *image.NRGBA, rect image.Rectangle, c color.NRGBA) {
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	minX, minY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := (y-minY)*stride + (rect.Min.X-minX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := row + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}
