package classifier

import (
	"context"

	"drone-crop-analytics/internal/analysis"
)

// HeuristicVersion marks a heuristic result. It is never a valid artifact
// version, so downstream consumers can always tell the two apart.
const HeuristicVersion = "heuristic-v1"

// Heuristic classifies on NDVI mean alone with fixed thresholds:
//
//	mean < 0.2  -> Very Poor
//	mean < 0.4  -> Poor
//	mean < 0.6  -> Moderate
//	mean < 0.8  -> Healthy
//	otherwise   -> Very Healthy
//
// NDVI here is on the [-1, 1] scale. Confidence is derived from index
// dispersion: a tight NDVI distribution is a confident read, a noisy one is
// not.
type Heuristic struct {
	defaultCrop string
}

func NewHeuristic(defaultCrop string) *Heuristic {
	return &Heuristic{defaultCrop: defaultCrop}
}

func (h *Heuristic) Classify(_ context.Context, res analysis.Result) Classification {
	c := Classification{ModelVersion: HeuristicVersion}

	if !res.NDVI.Defined {
		c.HealthStatus = HealthUnknown
		c.Confidence = 0
		c.Summary = summaryFor(HealthUnknown)
		return c
	}

	switch mean := res.NDVI.Mean; {
	case mean < 0.2:
		c.HealthStatus = HealthVeryPoor
	case mean < 0.4:
		c.HealthStatus = HealthPoor
	case mean < 0.6:
		c.HealthStatus = HealthModerate
	case mean < 0.8:
		c.HealthStatus = HealthHealthy
	default:
		c.HealthStatus = HealthVeryHealthy
	}

	c.Confidence = dispersionConfidence(res.NDVI.Std)
	if h.defaultCrop != "" {
		crop := h.defaultCrop
		c.CropType = &crop
	}
	c.Summary = summaryFor(c.HealthStatus)
	return c
}

// dispersionConfidence maps NDVI standard deviation to [0.1, 1.0]. A std of
// 0 is full confidence; anything at or beyond 0.45 bottoms out.
func dispersionConfidence(std float64) float64 {
	conf := 1 - 2*std
	if conf < 0.1 {
		return 0.1
	}
	if conf > 1 {
		return 1
	}
	return conf
}
