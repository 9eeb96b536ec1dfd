// Package classifier turns vegetation-index statistics into a crop-health
// classification, using a trained model artifact when one is configured and
// a documented heuristic otherwise. Classification is advisory: it must
// never fail a job whose indices were already computed.
package classifier

import (
	"context"
	"log"

	"drone-crop-analytics/internal/analysis"
	"drone-crop-analytics/internal/config"
)

// Health statuses, ordered from worst to best.
const (
	HealthVeryPoor    = "Very Poor"
	HealthPoor        = "Poor"
	HealthModerate    = "Moderate"
	HealthHealthy     = "Healthy"
	HealthVeryHealthy = "Very Healthy"
	HealthUnknown     = "Unknown"
)

// Classification is the classifier output merged into the analysis row.
type Classification struct {
	HealthStatus   string
	Confidence     float64
	CropType       *string
	CropConfidence *float64
	ModelVersion   string
	Summary        string
}

// Classifier maps index statistics to a health classification.
type Classifier interface {
	Classify(ctx context.Context, res analysis.Result) Classification
}

// New builds the configured classifier. A missing or invalid model artifact
// degrades to the heuristic; that is an operational state, not an error.
func New(cfg config.Config) Classifier {
	if cfg.ModelPath == "" {
		return NewHeuristic(cfg.DefaultCropType)
	}
	m, err := LoadModel(cfg.ModelPath)
	if err != nil {
		log.Printf("classifier: model %s unavailable, falling back to heuristic: %v", cfg.ModelPath, err)
		return NewHeuristic(cfg.DefaultCropType)
	}
	log.Printf("classifier: loaded model %s (version %s)", cfg.ModelPath, m.Version)
	return &ModelClassifier{
		model:       m,
		multiCrop:   cfg.MultiCropModel,
		defaultCrop: cfg.DefaultCropType,
		fallback:    NewHeuristic(cfg.DefaultCropType),
	}
}

// summaryFor maps a health status to the operator-facing one-liner.
func summaryFor(status string) string {
	switch status {
	case HealthVeryPoor:
		return "Critical attention needed"
	case HealthPoor:
		return "Attention needed"
	case HealthModerate:
		return "Moderate health"
	case HealthHealthy:
		return "Healthy"
	case HealthVeryHealthy:
		return "Very healthy"
	default:
		return "Vegetation indices could not be determined"
	}
}
