package analysis

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	// Drone cameras commonly export TIFF; make sure the decoder is registered
	// even if the imaging dependency stops pulling it in.
	_ "golang.org/x/image/tiff"
)

// Bands holds per-pixel channel intensities on a 0-255 scale.
//
// The canonical multispectral band order is [R, G, B, NIR]. Four-channel
// TIFFs carry NIR in the fourth channel; plain RGB captures degrade to the
// pseudo-NIR approximation clamp(2*Green - Red, 0, 255), in which case
// HasNIR is false.
type Bands struct {
	Width  int
	Height int
	Red    []float64
	Green  []float64
	Blue   []float64
	NIR    []float64
	HasNIR bool
}

// Pixels returns the number of pixels in the image.
func (b *Bands) Pixels() int {
	return b.Width * b.Height
}

// Load decodes the image at path, downscales anything wider than maxWidth to
// bound decode memory, and extracts band data. Decode failures are permanent
// input errors: the file is unreadable, not temporarily unavailable.
func Load(path string, maxWidth int) (*Bands, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	return ExtractBands(img, isMultispectralTIFF(path)), nil
}

// isMultispectralTIFF reports whether the fourth channel should be read as
// NIR. Only TIFF carries multispectral data in this pipeline; an RGBA PNG
// alpha channel is transparency, not a band.
func isMultispectralTIFF(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return true
	}
	return false
}

// ExtractBands reads channel intensities from a decoded image. When
// fourthIsNIR is set and the image has a non-trivial fourth channel, that
// channel is taken as NIR; otherwise NIR is approximated from Red and Green.
func ExtractBands(img image.Image, fourthIsNIR bool) *Bands {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	n := w * h

	b := &Bands{
		Width:  w,
		Height: h,
		Red:    make([]float64, n),
		Green:  make([]float64, n),
		Blue:   make([]float64, n),
		NIR:    make([]float64, n),
	}

	hasNIR := fourthIsNIR && hasFourthChannel(img)

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			// NRGBA64 conversion un-premultiplies, so the fourth channel
			// survives intact regardless of the decoded representation.
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			b.Red[i] = float64(c.R) / 257.0
			b.Green[i] = float64(c.G) / 257.0
			b.Blue[i] = float64(c.B) / 257.0
			if hasNIR {
				b.NIR[i] = float64(c.A) / 257.0
			} else {
				b.NIR[i] = clamp(2.0*b.Green[i]-b.Red[i], 0, 255)
			}
			i++
		}
	}
	b.HasNIR = hasNIR
	return b
}

// hasFourthChannel reports whether any pixel carries a fourth-channel value
// below full scale. An all-opaque image has no usable NIR band.
func hasFourthChannel(img image.Image) bool {
	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.RGBA, *image.RGBA64:
	default:
		return false
	}
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a < 0xffff {
				return true
			}
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
