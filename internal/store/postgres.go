package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"drone-crop-analytics/internal/models"
)

// ErrNotFound is returned when a requested image or analysis does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence. The images table doubles as
// the job queue: every status mutation goes through one of the conditional
// updates below, never a read-then-write.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const imageColumns = `id, filename, original_name, local_path, remote_key, remote_url, remote_stored,
	file_size, mime_type, gps, status, error_message, retry_count, next_attempt_at,
	uploaded_at, processed_at, updated_at`

// ClaimBatch atomically flips up to limit uploaded images to processing and
// returns them, oldest upload first. SKIP LOCKED keeps concurrent workers
// from ever claiming the same row. An empty queue yields an empty slice.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]models.Image, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE images SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM images
			WHERE status = $2 AND next_attempt_at <= NOW()
			ORDER BY uploaded_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+imageColumns,
		models.StatusProcessing, models.StatusUploaded, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, img)
	}
	return claimed, rows.Err()
}

// MarkCompleted writes the analysis and flips the image to completed in one
// transaction. Reprocessing replaces the previous analysis atomically; a
// partially visible write is impossible. The status update is guarded on
// processing so a stale worker cannot complete a job it no longer owns.
func (s *Store) MarkCompleted(ctx context.Context, id string, a *models.Analysis) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	args := []any{a.ImageID}
	args = append(args, statArgs(a.NDVI)...)
	args = append(args, statArgs(a.SAVI)...)
	args = append(args, statArgs(a.GNDVI)...)
	args = append(args, a.HealthStatus, a.Confidence, a.CropType, a.CropConfidence,
		a.ModelVersion, a.Summary, a.PreviewKey)

	_, err = tx.Exec(ctx, `
		INSERT INTO analyses (
			image_id,
			ndvi_mean, ndvi_std, ndvi_min, ndvi_max, ndvi_valid_pixels,
			savi_mean, savi_std, savi_min, savi_max, savi_valid_pixels,
			gndvi_mean, gndvi_std, gndvi_min, gndvi_max, gndvi_valid_pixels,
			health_status, confidence, crop_type, crop_confidence,
			model_version, summary, preview_key, created_at
		) VALUES (
			$1,
			$2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23, NOW()
		)
		ON CONFLICT (image_id) DO UPDATE SET
			ndvi_mean = EXCLUDED.ndvi_mean, ndvi_std = EXCLUDED.ndvi_std,
			ndvi_min = EXCLUDED.ndvi_min, ndvi_max = EXCLUDED.ndvi_max,
			ndvi_valid_pixels = EXCLUDED.ndvi_valid_pixels,
			savi_mean = EXCLUDED.savi_mean, savi_std = EXCLUDED.savi_std,
			savi_min = EXCLUDED.savi_min, savi_max = EXCLUDED.savi_max,
			savi_valid_pixels = EXCLUDED.savi_valid_pixels,
			gndvi_mean = EXCLUDED.gndvi_mean, gndvi_std = EXCLUDED.gndvi_std,
			gndvi_min = EXCLUDED.gndvi_min, gndvi_max = EXCLUDED.gndvi_max,
			gndvi_valid_pixels = EXCLUDED.gndvi_valid_pixels,
			health_status = EXCLUDED.health_status, confidence = EXCLUDED.confidence,
			crop_type = EXCLUDED.crop_type, crop_confidence = EXCLUDED.crop_confidence,
			model_version = EXCLUDED.model_version, summary = EXCLUDED.summary,
			preview_key = EXCLUDED.preview_key, created_at = NOW()
	`, args...)
	if err != nil {
		return fmt.Errorf("upsert analysis: %w", err)
	}

	// Reprocessing replaces the zone set wholesale; a cell that recovered
	// must not keep its old flag.
	if _, err := tx.Exec(ctx, `DELETE FROM stress_zones WHERE image_id = $1`, a.ImageID); err != nil {
		return fmt.Errorf("clear stress zones: %w", err)
	}
	for _, z := range a.StressZones {
		if _, err := tx.Exec(ctx, `
			INSERT INTO stress_zones (image_id, grid_x, grid_y, severity, ndvi)
			VALUES ($1, $2, $3, $4, $5)
		`, a.ImageID, z.GridX, z.GridY, z.Severity, z.NDVI); err != nil {
			return fmt.Errorf("insert stress zone (%d,%d): %w", z.GridX, z.GridY, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE images
		SET status = $2, processed_at = NOW(), updated_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = $3
	`, id, models.StatusCompleted, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark completed %s: %w (not in processing)", id, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkFailed transitions a processing image to failed with a descriptive
// error message. This and MarkCompleted are the only exits from processing.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE images
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, msg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %s: %w (not in processing)", id, ErrNotFound)
	}
	return nil
}

// RequeueTransient returns a processing image to uploaded after a transient
// failure, recording the attempt and deferring the next one.
func (s *Store) RequeueTransient(ctx context.Context, id, msg string, nextAttempt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE images
		SET status = $2, error_message = $3, retry_count = retry_count + 1,
		    next_attempt_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusUploaded, msg, nextAttempt, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("requeue transient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue transient %s: %w (not in processing)", id, ErrNotFound)
	}
	return nil
}

// Requeue is the explicit operator action that resets a failed image for
// reprocessing. It is never invoked by the worker itself.
func (s *Store) Requeue(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE images
		SET status = $2, error_message = NULL, retry_count = 0,
		    next_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusUploaded, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue %s: %w (not failed)", id, ErrNotFound)
	}
	return nil
}

// ResetStale returns images stuck in processing longer than maxAge to
// uploaded. Run once at worker startup to recover from a prior crash; the
// conditional update makes the reset exactly-once even with several workers
// starting together.
func (s *Store) ResetStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge)
	rows, err := s.pool.Query(ctx, `
		UPDATE images
		SET status = $1, next_attempt_at = NOW(), updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
		RETURNING id
	`, models.StatusUploaded, models.StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reset stale: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateLocalPath persists a corrected file location found by the locator.
func (s *Store) UpdateLocalPath(ctx context.Context, id, path string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE images SET local_path = $2, updated_at = NOW() WHERE id = $1
	`, id, path)
	if err != nil {
		return fmt.Errorf("update local path: %w", err)
	}
	return nil
}

// PendingForRepair lists claimable images whose recorded path is absent, for
// the startup repair pass.
func (s *Store) PendingForRepair(ctx context.Context, limit int) ([]models.Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+imageColumns+`
		FROM images
		WHERE status = $1 AND local_path IS NULL
		ORDER BY uploaded_at ASC
		LIMIT $2
	`, models.StatusUploaded, limit)
	if err != nil {
		return nil, fmt.Errorf("pending for repair: %w", err)
	}
	defer rows.Close()

	var imgs []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	return imgs, rows.Err()
}

// GetImage fetches an image by id.
func (s *Store) GetImage(ctx context.Context, id string) (models.Image, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	img, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Image{}, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return img, err
}

// GetAnalysis fetches the analysis for a completed image.
func (s *Store) GetAnalysis(ctx context.Context, imageID string) (models.Analysis, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT image_id,
			ndvi_mean, ndvi_std, ndvi_min, ndvi_max, ndvi_valid_pixels,
			savi_mean, savi_std, savi_min, savi_max, savi_valid_pixels,
			gndvi_mean, gndvi_std, gndvi_min, gndvi_max, gndvi_valid_pixels,
			health_status, confidence, crop_type, crop_confidence,
			model_version, summary, preview_key, created_at
		FROM analyses WHERE image_id = $1
	`, imageID)

	var a models.Analysis
	var ndvi, savi, gndvi [4]pgtype.Float8
	var ndviN, saviN, gndviN pgtype.Int8
	var cropType, previewKey pgtype.Text
	var cropConf pgtype.Float8

	err := row.Scan(&a.ImageID,
		&ndvi[0], &ndvi[1], &ndvi[2], &ndvi[3], &ndviN,
		&savi[0], &savi[1], &savi[2], &savi[3], &saviN,
		&gndvi[0], &gndvi[1], &gndvi[2], &gndvi[3], &gndviN,
		&a.HealthStatus, &a.Confidence, &cropType, &cropConf,
		&a.ModelVersion, &a.Summary, &previewKey, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Analysis{}, fmt.Errorf("analysis for %s: %w", imageID, ErrNotFound)
	}
	if err != nil {
		return models.Analysis{}, fmt.Errorf("scan analysis: %w", err)
	}

	a.NDVI = scanStats(ndvi, ndviN)
	a.SAVI = scanStats(savi, saviN)
	a.GNDVI = scanStats(gndvi, gndviN)
	a.CropType = textPtr(cropType)
	a.PreviewKey = textPtr(previewKey)
	if cropConf.Valid {
		a.CropConfidence = &cropConf.Float64
	}

	if a.StressZones, err = s.stressZones(ctx, imageID); err != nil {
		return models.Analysis{}, err
	}
	return a, nil
}

func (s *Store) stressZones(ctx context.Context, imageID string) ([]models.StressZone, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT grid_x, grid_y, severity, ndvi
		FROM stress_zones WHERE image_id = $1
		ORDER BY grid_y, grid_x
	`, imageID)
	if err != nil {
		return nil, fmt.Errorf("stress zones: %w", err)
	}
	defer rows.Close()

	var zones []models.StressZone
	for rows.Next() {
		var z models.StressZone
		if err := rows.Scan(&z.GridX, &z.GridY, &z.Severity, &z.NDVI); err != nil {
			return nil, fmt.Errorf("scan stress zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// CountPending reports how many images are waiting to be claimed, for the
// queue-depth gauge.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM images WHERE status = $1 AND next_attempt_at <= NOW()
	`, models.StatusUploaded).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func scanImage(row pgx.Row) (models.Image, error) {
	var img models.Image
	var localPath, remoteKey, remoteURL, errMsg pgtype.Text
	var gpsJSON []byte
	var processedAt pgtype.Timestamptz

	err := row.Scan(&img.ID, &img.Filename, &img.OriginalName, &localPath, &remoteKey,
		&remoteURL, &img.RemoteStored, &img.FileSize, &img.MimeType, &gpsJSON,
		&img.Status, &errMsg, &img.RetryCount, &img.NextAttemptAt,
		&img.UploadedAt, &processedAt, &img.UpdatedAt)
	if err != nil {
		return models.Image{}, err
	}

	img.LocalPath = textPtr(localPath)
	img.RemoteKey = textPtr(remoteKey)
	img.RemoteURL = textPtr(remoteURL)
	img.ErrorMessage = textPtr(errMsg)
	if processedAt.Valid {
		t := processedAt.Time
		img.ProcessedAt = &t
	}
	if len(gpsJSON) > 0 {
		var gps models.GPSMetadata
		if err := json.Unmarshal(gpsJSON, &gps); err != nil {
			return models.Image{}, fmt.Errorf("unmarshal gps: %w", err)
		}
		img.GPS = &gps
	}
	return img, nil
}

// statArgs expands IndexStats into the five insert parameters; an undefined
// index becomes four NULLs with the exclusion count preserved.
func statArgs(s models.IndexStats) []any {
	if !s.Defined {
		return []any{nil, nil, nil, nil, s.ValidPixels}
	}
	return []any{s.Mean, s.Std, s.Min, s.Max, s.ValidPixels}
}

func scanStats(vals [4]pgtype.Float8, n pgtype.Int8) models.IndexStats {
	st := models.IndexStats{ValidPixels: n.Int64}
	if !vals[0].Valid {
		return st
	}
	st.Defined = true
	st.Mean = vals[0].Float64
	st.Std = vals[1].Float64
	st.Min = vals[2].Float64
	st.Max = vals[3].Float64
	return st
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
