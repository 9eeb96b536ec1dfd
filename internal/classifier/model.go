package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"drone-crop-analytics/internal/analysis"
)

// Model is a trained linear-softmax head over vegetation-index features,
// exported to JSON by the training pipeline alongside its class names. The
// feature vector is [ndvi_mean, ndvi_std, savi_mean, gndvi_mean].
type Model struct {
	Version string      `json:"version"`
	Classes []string    `json:"classes"`
	Weights [][]float64 `json:"weights"` // one row per class
	Bias    []float64   `json:"bias"`

	// Optional crop-identification head, present in multi-crop exports.
	CropClasses []string    `json:"crop_classes,omitempty"`
	CropWeights [][]float64 `json:"crop_weights,omitempty"`
	CropBias    []float64   `json:"crop_bias,omitempty"`
}

const featureCount = 4

// LoadModel reads and validates a model artifact. Any inconsistency makes
// the artifact unusable as a whole; the caller degrades to the heuristic.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", path, err)
	}
	return &m, nil
}

func (m *Model) validate() error {
	if m.Version == "" {
		return fmt.Errorf("missing version")
	}
	if m.Version == HeuristicVersion {
		return fmt.Errorf("version %q is reserved for heuristic results", HeuristicVersion)
	}
	if err := validateHead(m.Classes, m.Weights, m.Bias); err != nil {
		return fmt.Errorf("health head: %w", err)
	}
	if len(m.CropClasses) > 0 {
		if err := validateHead(m.CropClasses, m.CropWeights, m.CropBias); err != nil {
			return fmt.Errorf("crop head: %w", err)
		}
	}
	return nil
}

func validateHead(classes []string, weights [][]float64, bias []float64) error {
	if len(classes) < 2 {
		return fmt.Errorf("need at least 2 classes, got %d", len(classes))
	}
	if len(weights) != len(classes) || len(bias) != len(classes) {
		return fmt.Errorf("weights/bias shape does not match %d classes", len(classes))
	}
	for i, row := range weights {
		if len(row) != featureCount {
			return fmt.Errorf("class %d expects %d features, got %d", i, featureCount, len(row))
		}
	}
	return nil
}

// ModelClassifier runs artifact inference, degrading to the heuristic when
// the indices give it nothing to work with.
type ModelClassifier struct {
	model       *Model
	multiCrop   bool
	defaultCrop string
	fallback    *Heuristic
}

func (mc *ModelClassifier) Classify(ctx context.Context, res analysis.Result) Classification {
	if !res.NDVI.Defined {
		// No features to feed the model; the heuristic owns this case.
		return mc.fallback.Classify(ctx, res)
	}

	features := featureVector(res)
	status, conf := predict(mc.model.Classes, mc.model.Weights, mc.model.Bias, features)

	c := Classification{
		HealthStatus: status,
		Confidence:   conf,
		ModelVersion: mc.model.Version,
		Summary:      summaryFor(status),
	}

	if mc.multiCrop && len(mc.model.CropClasses) > 0 {
		crop, cropConf := predict(mc.model.CropClasses, mc.model.CropWeights, mc.model.CropBias, features)
		c.CropType = &crop
		c.CropConfidence = &cropConf
	} else if mc.defaultCrop != "" {
		crop := mc.defaultCrop
		c.CropType = &crop
	}
	return c
}

func featureVector(res analysis.Result) [featureCount]float64 {
	var f [featureCount]float64
	f[0] = res.NDVI.Mean
	f[1] = res.NDVI.Std
	if res.SAVI.Defined {
		f[2] = res.SAVI.Mean
	}
	if res.GNDVI.Defined {
		f[3] = res.GNDVI.Mean
	}
	return f
}

// predict returns the argmax class and its softmax probability.
func predict(classes []string, weights [][]float64, bias []float64, features [featureCount]float64) (string, float64) {
	logits := make([]float64, len(classes))
	maxLogit := math.Inf(-1)
	for i, row := range weights {
		v := bias[i]
		for j, w := range row {
			v += w * features[j]
		}
		logits[i] = v
		if v > maxLogit {
			maxLogit = v
		}
	}

	var sum float64
	for i, v := range logits {
		logits[i] = math.Exp(v - maxLogit)
		sum += logits[i]
	}

	best, bestP := 0, 0.0
	for i, v := range logits {
		p := v / sum
		if p > bestP {
			best, bestP = i, p
		}
	}
	return classes[best], bestP
}
