package models

import (
	"fmt"
	"math"
	"time"
)

// Image processing states persisted in Postgres.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Image represents one uploaded field capture awaiting or having undergone analysis.
type Image struct {
	ID            string       `json:"id"`
	Filename      string       `json:"filename"`
	OriginalName  string       `json:"original_name"`
	LocalPath     *string      `json:"local_path,omitempty"`
	RemoteKey     *string      `json:"remote_key,omitempty"`
	RemoteURL     *string      `json:"remote_url,omitempty"`
	RemoteStored  bool         `json:"remote_stored"`
	FileSize      int64        `json:"file_size"`
	MimeType      string       `json:"mime_type"`
	GPS           *GPSMetadata `json:"gps,omitempty"`
	Status        string       `json:"status"`
	ErrorMessage  *string      `json:"error_message,omitempty"`
	RetryCount    int          `json:"retry_count"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	UploadedAt    time.Time    `json:"uploaded_at"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// GPSMetadata carries the capture position reported by the drone.
// Every field is optional; validation is per-field so one bad value
// does not discard the rest.
type GPSMetadata struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
}

// Validate drops fields that are out of range and reports what was dropped.
func (g *GPSMetadata) Validate() []error {
	if g == nil {
		return nil
	}
	var errs []error
	if g.Latitude != nil && (math.Abs(*g.Latitude) > 90 || !isFinite(*g.Latitude)) {
		errs = append(errs, fmt.Errorf("latitude out of range: %v", *g.Latitude))
		g.Latitude = nil
	}
	if g.Longitude != nil && (math.Abs(*g.Longitude) > 180 || !isFinite(*g.Longitude)) {
		errs = append(errs, fmt.Errorf("longitude out of range: %v", *g.Longitude))
		g.Longitude = nil
	}
	if g.Altitude != nil && !isFinite(*g.Altitude) {
		errs = append(errs, fmt.Errorf("altitude not finite: %v", *g.Altitude))
		g.Altitude = nil
	}
	if g.Accuracy != nil && (*g.Accuracy < 0 || !isFinite(*g.Accuracy)) {
		errs = append(errs, fmt.Errorf("accuracy out of range: %v", *g.Accuracy))
		g.Accuracy = nil
	}
	if g.Heading != nil && (*g.Heading < 0 || *g.Heading >= 360 || !isFinite(*g.Heading)) {
		errs = append(errs, fmt.Errorf("heading out of range: %v", *g.Heading))
		g.Heading = nil
	}
	return errs
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// IndexStats holds the per-pixel statistics of one vegetation index.
// Defined is false when every pixel was excluded (degenerate denominator);
// the stats are then persisted as NULLs, never NaN.
type IndexStats struct {
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	ValidPixels int64   `json:"valid_pixels"`
	Defined     bool    `json:"defined"`
}

// StressZone flags one cell of the coarse analysis grid whose NDVI reads as
// stressed. Coordinates are grid-cell indices, not pixels; severity is on
// [0, 1] with 1 the most stressed.
type StressZone struct {
	GridX    int     `json:"grid_x"`
	GridY    int     `json:"grid_y"`
	Severity float64 `json:"severity"`
	NDVI     float64 `json:"ndvi"`
}

// Analysis is the one-to-one result row for a completed image.
type Analysis struct {
	ImageID        string       `json:"image_id"`
	NDVI           IndexStats   `json:"ndvi"`
	SAVI           IndexStats   `json:"savi"`
	GNDVI          IndexStats   `json:"gndvi"`
	HealthStatus   string       `json:"health_status"`
	Confidence     float64      `json:"confidence"`
	CropType       *string      `json:"crop_type,omitempty"`
	CropConfidence *float64     `json:"crop_confidence,omitempty"`
	ModelVersion   string       `json:"model_version"`
	Summary        string       `json:"summary"`
	PreviewKey     *string      `json:"preview_key,omitempty"`
	StressZones    []StressZone `json:"stress_zones,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
