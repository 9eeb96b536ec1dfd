package analysis

import (
	"image"
	"image/color"
	"math"
)

// RenderNDVIMap paints the per-pixel NDVI plane with a red-to-green ramp:
// stressed ground shows red, dense canopy green. Pixels excluded from the
// index are painted black.
func RenderNDVIMap(b *Bands) *image.NRGBA {
	values := NDVIValues(b)
	out := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))

	i := 0
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			v := values[i]
			i++
			if math.IsNaN(v) {
				out.SetNRGBA(x, y, color.NRGBA{A: 255})
				continue
			}
			// scale [-1, 1] to [0, 255]
			s := uint8(math.Round((v + 1) / 2 * 255))
			out.SetNRGBA(x, y, color.NRGBA{
				R: 255 - s,
				G: s,
				B: uint8(255 - float64(s)*0.5),
				A: 255,
			})
		}
	}
	return out
}
