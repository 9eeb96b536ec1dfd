package analysis

import (
	"math"

	"drone-crop-analytics/internal/models"
)

const (
	// stressGridSize is the nominal grid resolution; small captures degrade
	// to one cell per pixel.
	stressGridSize = 10

	// stressSeverityMin is the reporting cutoff. Cells at or below it are
	// ordinary variation, not stress.
	stressSeverityMin = 0.3
)

// DetectStressZones splits the NDVI plane into a coarse grid and flags cells
// whose mean NDVI reads as stressed, for the field-map overlay. Severity maps
// cell NDVI from [-1, 1] onto an inverted [0, 1] scale, so bare or dying
// ground scores high. Pixels excluded from the index do not count toward a
// cell; a cell with no valid pixels is never flagged.
func DetectStressZones(b *Bands) []models.StressZone {
	grid := stressGridSize
	if b.Width < grid {
		grid = b.Width
	}
	if b.Height < grid {
		grid = b.Height
	}
	if grid <= 0 {
		return nil
	}

	values := NDVIValues(b)
	cellW := b.Width / grid
	cellH := b.Height / grid

	var zones []models.StressZone
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			sum, n := 0.0, 0
			for y := gy * cellH; y < (gy+1)*cellH; y++ {
				for x := gx * cellW; x < (gx+1)*cellW; x++ {
					v := values[y*b.Width+x]
					if math.IsNaN(v) {
						continue
					}
					sum += v
					n++
				}
			}
			if n == 0 {
				continue
			}
			mean := sum / float64(n)
			severity := 1 - clamp((mean+1)/2, 0, 1)
			if severity <= stressSeverityMin {
				continue
			}
			zones = append(zones, models.StressZone{
				GridX:    gx,
				GridY:    gy,
				Severity: math.Round(severity*100) / 100,
				NDVI:     math.Round(mean*1000) / 1000,
			})
		}
	}
	return zones
}
