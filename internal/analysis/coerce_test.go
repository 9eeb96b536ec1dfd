package analysis

import (
	"math"
	"testing"

	"drone-crop-analytics/internal/models"
)

func TestCoerceRoundsToFourDecimals(t *testing.T) {
	a := &models.Analysis{
		NDVI: models.IndexStats{
			Mean: 0.123456789, Std: 0.000049999, Min: -0.99995, Max: 0.99996,
			ValidPixels: 10, Defined: true,
		},
		Confidence: 0.87654321,
	}

	if replaced := CoerceForStorage(a); replaced != 0 {
		t.Fatalf("finite values must not be replaced, got %d", replaced)
	}

	if a.NDVI.Mean != 0.1235 {
		t.Fatalf("mean: want 0.1235 got %v", a.NDVI.Mean)
	}
	if a.NDVI.Std != 0 {
		t.Fatalf("std: want 0 got %v", a.NDVI.Std)
	}
	if a.NDVI.Min != -0.9999 || a.NDVI.Max != 1.0 {
		t.Fatalf("min/max: got %v %v", a.NDVI.Min, a.NDVI.Max)
	}
	if a.Confidence != 0.8765 {
		t.Fatalf("confidence: want 0.8765 got %v", a.Confidence)
	}
}

func TestCoerceDemotesNonFiniteStats(t *testing.T) {
	a := &models.Analysis{
		NDVI:  models.IndexStats{Mean: math.NaN(), ValidPixels: 42, Defined: true},
		SAVI:  models.IndexStats{Mean: 0.5, Std: 0.1, Min: 0.4, Max: 0.6, ValidPixels: 42, Defined: true},
		GNDVI: models.IndexStats{Max: math.Inf(1), ValidPixels: 42, Defined: true},
	}

	if replaced := CoerceForStorage(a); replaced != 2 {
		t.Fatalf("want 2 replacements, got %d", replaced)
	}

	if a.NDVI.Defined {
		t.Fatalf("ndvi must be demoted to the undefined sentinel")
	}
	if a.NDVI.ValidPixels != 42 {
		t.Fatalf("pixel count must survive demotion, got %d", a.NDVI.ValidPixels)
	}
	if !a.SAVI.Defined {
		t.Fatalf("savi must survive untouched")
	}
	if a.GNDVI.Defined {
		t.Fatalf("gndvi must be demoted to the undefined sentinel")
	}
}

func TestCoerceLeavesUndefinedAlone(t *testing.T) {
	a := &models.Analysis{NDVI: models.IndexStats{}}
	if replaced := CoerceForStorage(a); replaced != 0 {
		t.Fatalf("undefined stats need no coercion, got %d replacements", replaced)
	}
}

func TestCoerceNonFiniteConfidence(t *testing.T) {
	bad := math.Inf(-1)
	a := &models.Analysis{
		Confidence:     math.NaN(),
		CropConfidence: &bad,
	}
	if replaced := CoerceForStorage(a); replaced != 2 {
		t.Fatalf("want 2 replacements, got %d", replaced)
	}
	if a.Confidence != 0 {
		t.Fatalf("confidence: want 0 got %v", a.Confidence)
	}
	if a.CropConfidence != nil {
		t.Fatalf("non-finite crop confidence must be dropped")
	}
}
