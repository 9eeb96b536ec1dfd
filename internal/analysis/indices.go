package analysis

import (
	"math"

	"drone-crop-analytics/internal/models"
)

// DefaultSoilFactor is the SAVI soil adjustment constant L.
const DefaultSoilFactor = 0.5

// epsilon is the denominator cutoff below which a pixel is excluded from an
// index. Excluding these pixels (instead of adding a fudge term) keeps NaN
// out of the statistics; the exclusion count is reported per index.
const epsilon = 1e-6

// Result carries the statistics of every computed vegetation index.
type Result struct {
	NDVI  models.IndexStats
	SAVI  models.IndexStats
	GNDVI models.IndexStats
}

// ComputeIndices derives NDVI, SAVI, and GNDVI statistics from band data.
// It is a pure function: no I/O, no side effects.
//
//	NDVI  = (NIR - Red) / (NIR + Red)
//	SAVI  = ((NIR - Red) / (NIR + Red + L)) * (1 + L)
//	GNDVI = (NIR - Green) / (NIR + Green)
//
// A fully degenerate index (every denominator below epsilon) yields
// IndexStats{Defined: false}, not an error and not NaN.
func ComputeIndices(b *Bands, soilL float64) Result {
	if soilL <= 0 {
		soilL = DefaultSoilFactor
	}
	n := b.Pixels()

	var ndvi, savi, gndvi statAccumulator
	for i := 0; i < n; i++ {
		red, green, nir := b.Red[i], b.Green[i], b.NIR[i]

		if den := nir + red; math.Abs(den) >= epsilon {
			ndvi.add((nir - red) / den)
		}
		if den := nir + red + soilL; math.Abs(den) >= epsilon {
			savi.add((nir - red) / den * (1 + soilL))
		}
		if den := nir + green; math.Abs(den) >= epsilon {
			gndvi.add((nir - green) / den)
		}
	}

	return Result{
		NDVI:  ndvi.stats(),
		SAVI:  savi.stats(),
		GNDVI: gndvi.stats(),
	}
}

// NDVIValues returns the per-pixel NDVI plane for visualization. Excluded
// pixels are reported as NaN and must not be persisted.
func NDVIValues(b *Bands) []float64 {
	n := b.Pixels()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		den := b.NIR[i] + b.Red[i]
		if math.Abs(den) < epsilon {
			out[i] = math.NaN()
			continue
		}
		out[i] = (b.NIR[i] - b.Red[i]) / den
	}
	return out
}

// statAccumulator gathers single-pass statistics over valid pixels.
type statAccumulator struct {
	n     int64
	sum   float64
	sumSq float64
	min   float64
	max   float64
}

func (a *statAccumulator) add(v float64) {
	if a.n == 0 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.n++
	a.sum += v
	a.sumSq += v * v
}

func (a *statAccumulator) stats() models.IndexStats {
	if a.n == 0 {
		return models.IndexStats{}
	}
	mean := a.sum / float64(a.n)
	variance := a.sumSq/float64(a.n) - mean*mean
	if variance < 0 {
		// floating-point cancellation on near-constant planes
		variance = 0
	}
	return models.IndexStats{
		Mean:        mean,
		Std:         math.Sqrt(variance),
		Min:         a.min,
		Max:         a.max,
		ValidPixels: a.n,
		Defined:     true,
	}
}
