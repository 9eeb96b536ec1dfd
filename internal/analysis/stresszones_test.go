package analysis

import (
	"image"
	"image/color"
	"testing"
)

func TestDetectStressZonesFlagsStressedCells(t *testing.T) {
	// Left half bare soil, right half dense canopy.
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			if x < 10 {
				img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 110, B: 80, A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{R: 20, G: 200, B: 10, A: 255})
			}
		}
	}

	zones := DetectStressZones(ExtractBands(img, false))
	if len(zones) != 50 {
		t.Fatalf("want 50 stressed cells (the soil half of a 10x10 grid), got %d", len(zones))
	}
	for _, z := range zones {
		if z.GridX >= 5 {
			t.Fatalf("canopy cell flagged as stressed: %+v", z)
		}
		if z.Severity <= stressSeverityMin || z.Severity > 1 {
			t.Fatalf("severity out of range: %+v", z)
		}
		// Soil NDVI is (20-200)/220; severity inverts its [-1,1] position.
		if z.NDVI != -0.818 {
			t.Fatalf("want cell ndvi -0.818, got %v", z.NDVI)
		}
		if z.Severity != 0.91 {
			t.Fatalf("want severity 0.91, got %v", z.Severity)
		}
	}
}

func TestDetectStressZonesHealthyField(t *testing.T) {
	img := uniformImage(20, 20, color.NRGBA{R: 20, G: 200, B: 10, A: 255})
	if zones := DetectStressZones(ExtractBands(img, false)); len(zones) != 0 {
		t.Fatalf("healthy field must produce no stress zones, got %v", zones)
	}
}

func TestDetectStressZonesSkipsExcludedCells(t *testing.T) {
	// All-black: every pixel is excluded from NDVI, so no cell has data.
	img := uniformImage(20, 20, color.NRGBA{A: 255})
	if zones := DetectStressZones(ExtractBands(img, false)); len(zones) != 0 {
		t.Fatalf("cells without valid pixels must not be flagged, got %v", zones)
	}
}

func TestDetectStressZonesSmallImage(t *testing.T) {
	// Smaller than the nominal grid: one cell per pixel.
	img := uniformImage(4, 4, color.NRGBA{R: 200, G: 110, B: 80, A: 255})
	zones := DetectStressZones(ExtractBands(img, false))
	if len(zones) != 16 {
		t.Fatalf("want 16 single-pixel cells, got %d", len(zones))
	}
	for _, z := range zones {
		if z.GridX < 0 || z.GridX >= 4 || z.GridY < 0 || z.GridY >= 4 {
			t.Fatalf("cell index outside the degraded grid: %+v", z)
		}
	}
}
