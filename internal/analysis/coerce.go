package analysis

import (
	"math"

	"drone-crop-analytics/internal/models"
)

// storagePrecision is the decimal precision index statistics are stored at.
const storagePrecision = 1e4

// CoerceForStorage normalizes every numeric field of the analysis to a value
// the storage layer can persist: statistics are rounded to four decimals and
// any non-finite value that escaped computation demotes its index to the
// undefined sentinel instead of poisoning the row. It returns the number of
// non-finite values replaced so the caller can log the loss loudly — a
// replacement means a completed computation produced an unserializable
// number.
func CoerceForStorage(a *models.Analysis) int {
	replaced := 0
	for _, st := range []*models.IndexStats{&a.NDVI, &a.SAVI, &a.GNDVI} {
		if !st.Defined {
			continue
		}
		if !finite(st.Mean) || !finite(st.Std) || !finite(st.Min) || !finite(st.Max) {
			*st = models.IndexStats{ValidPixels: st.ValidPixels}
			replaced++
			continue
		}
		st.Mean = round4(st.Mean)
		st.Std = round4(st.Std)
		st.Min = round4(st.Min)
		st.Max = round4(st.Max)
	}

	if !finite(a.Confidence) {
		a.Confidence = 0
		replaced++
	} else {
		a.Confidence = round4(a.Confidence)
	}
	if a.CropConfidence != nil {
		if !finite(*a.CropConfidence) {
			a.CropConfidence = nil
			replaced++
		} else {
			v := round4(*a.CropConfidence)
			a.CropConfidence = &v
		}
	}
	return replaced
}

func round4(v float64) float64 {
	return math.Round(v*storagePrecision) / storagePrecision
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
