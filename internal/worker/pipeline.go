package worker

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/disintegration/imaging"

	"drone-crop-analytics/internal/analysis"
	"drone-crop-analytics/internal/models"
	"drone-crop-analytics/internal/storage"
	"drone-crop-analytics/internal/telemetry"
)

// pipeline runs Locator -> Analyzer -> Classifier for one claimed image and
// returns the storage-ready analysis row. It does not touch job status;
// the caller owns the claim-to-exit transition.
func (w *Worker) pipeline(ctx context.Context, img models.Image) (*models.Analysis, error) {
	// GPS is advisory capture metadata; bad fields are logged and ignored,
	// never a reason to fail the job.
	for _, gpsErr := range img.GPS.Validate() {
		log.Printf("worker %s: gps metadata on %s: %v", w.workerID, img.ID, gpsErr)
	}

	path, err := w.resolver.Resolve(ctx, img)
	if err != nil {
		return nil, err
	}

	bands, err := analysis.Load(path, w.cfg.MaxAnalysisWidth)
	if err != nil {
		// Undecodable input is permanent: the same bytes will fail the
		// same way tomorrow.
		return nil, fmt.Errorf("analyze %s: %w", img.Filename, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := analysis.ComputeIndices(bands, w.cfg.SoilFactor)
	cls := w.class.Classify(ctx, res)

	a := &models.Analysis{
		ImageID:        img.ID,
		StressZones:    analysis.DetectStressZones(bands),
		NDVI:           res.NDVI,
		SAVI:           res.SAVI,
		GNDVI:          res.GNDVI,
		HealthStatus:   cls.HealthStatus,
		Confidence:     cls.Confidence,
		CropType:       cls.CropType,
		CropConfidence: cls.CropConfidence,
		ModelVersion:   cls.ModelVersion,
		Summary:        cls.Summary,
		CreatedAt:      time.Now().UTC(),
	}

	if key := w.uploadPreview(ctx, img, bands); key != "" {
		a.PreviewKey = &key
	}

	if replaced := analysis.CoerceForStorage(a); replaced > 0 {
		// A replaced value means a finished computation could not be
		// persisted as-is. Loud on purpose.
		telemetry.CoercionLosses.Add(float64(replaced))
		log.Printf("worker %s: SERIALIZATION LOSS on %s: %d non-finite statistics dropped", w.workerID, img.ID, replaced)
	}
	return a, nil
}

// uploadPreview renders the NDVI map and uploads it for the dashboard.
// Preview failure never fails the job; the analysis is already complete.
func (w *Worker) uploadPreview(ctx context.Context, img models.Image, bands *analysis.Bands) string {
	if w.objects == nil {
		return ""
	}

	preview := analysis.RenderNDVIMap(bands)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, preview, imaging.PNG); err != nil {
		log.Printf("worker %s: encode ndvi preview for %s: %v", w.workerID, img.ID, err)
		return ""
	}

	key := storage.GenerateKey("ndvi_"+img.Filename+".png", "processed")
	if _, err := w.objects.Upload(ctx, key, &buf, "image/png"); err != nil {
		log.Printf("worker %s: upload ndvi preview for %s: %v", w.workerID, img.ID, err)
		return ""
	}
	return key
}
