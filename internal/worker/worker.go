// Package worker drives uploaded images through the analysis pipeline:
// resolve bytes, compute vegetation indices, classify, persist. It polls the
// images table, which doubles as the job queue; claiming is atomic, so any
// number of worker instances can run side by side.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"drone-crop-analytics/internal/classifier"
	"drone-crop-analytics/internal/config"
	"drone-crop-analytics/internal/models"
	"drone-crop-analytics/internal/storage"
	"drone-crop-analytics/internal/telemetry"
)

// ImageStore is the queue/table contract the worker drives jobs through.
// Every status mutation is a conditional update on the store side.
type ImageStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]models.Image, error)
	MarkCompleted(ctx context.Context, id string, a *models.Analysis) error
	MarkFailed(ctx context.Context, id, msg string) error
	RequeueTransient(ctx context.Context, id, msg string, nextAttempt time.Time) error
	ResetStale(ctx context.Context, maxAge time.Duration) ([]string, error)
	PendingForRepair(ctx context.Context, limit int) ([]models.Image, error)
	CountPending(ctx context.Context) (int64, error)
}

// Resolver locates a byte-accessible source for an image.
type Resolver interface {
	Resolve(ctx context.Context, img models.Image) (string, error)
}

// Worker owns the poll loop. Construct with New and start with Run.
type Worker struct {
	cfg      config.Config
	store    ImageStore
	resolver Resolver
	class    classifier.Classifier
	objects  storage.ObjectStore // optional, for preview uploads
	workerID string
}

func New(cfg config.Config, st ImageStore, resolver Resolver, class classifier.Classifier, objects storage.ObjectStore, workerID string) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		class:    class,
		objects:  objects,
		workerID: workerID,
	}
}

// Run reconciles once, then polls until the context is cancelled. A
// cancellation mid-batch abandons in-flight jobs in processing; the next
// startup's reconciliation pass returns them to the queue.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	log.Printf("worker %s polling every %s, batch=%d concurrency=%d",
		w.workerID, w.cfg.PollInterval, w.cfg.BatchSize, w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if pending, err := w.store.CountPending(ctx); err == nil {
			telemetry.PendingGauge.Set(float64(pending))
		}

		n, err := w.processBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker %s: batch error: %v", w.workerID, err)
		}
		if n > 0 {
			// More work is likely waiting; claim again immediately.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// reconcile recovers from a prior crash before the first poll: stuck
// processing rows go back to uploaded, and claimable rows with a missing
// path get repaired while the queue is quiet.
func (w *Worker) reconcile(ctx context.Context) error {
	ids, err := w.store.ResetStale(ctx, w.cfg.StaleTimeout)
	if err != nil {
		return err
	}
	for _, id := range ids {
		log.Printf("worker %s: reset stale job %s to uploaded", w.workerID, id)
	}
	telemetry.StaleResets.Add(float64(len(ids)))

	imgs, err := w.store.PendingForRepair(ctx, w.cfg.BatchSize*10)
	if err != nil {
		return err
	}
	for _, img := range imgs {
		if _, err := w.resolver.Resolve(ctx, img); err != nil {
			// Leave the row claimable; the pipeline will fail it with a
			// proper error message if the bytes are truly gone.
			log.Printf("worker %s: repair pass could not resolve %s: %v", w.workerID, img.ID, err)
		}
	}
	return nil
}

// processBatch claims up to BatchSize images and fans them out over a
// bounded pool. It reports how many images it claimed.
func (w *Worker) processBatch(ctx context.Context) (int, error) {
	claimed, err := w.store.ClaimBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(w.cfg.Concurrency))
	var wg sync.WaitGroup
	for _, img := range claimed {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutdown: unstarted jobs stay in processing for the next
			// startup's reconciliation.
			break
		}
		wg.Add(1)
		go func(img models.Image) {
			defer wg.Done()
			defer sem.Release(1)
			w.processOne(ctx, img)
		}(img)
	}
	wg.Wait()
	return len(claimed), nil
}

// processOne runs the pipeline for a single claimed image. Every failure is
// converted to a status transition here; nothing propagates to the batch.
func (w *Worker) processOne(ctx context.Context, img models.Image) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	analysisRow, err := w.pipeline(jobCtx, img)
	telemetry.ProcessingSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		w.handleFailure(ctx, img, err)
		return
	}

	if err := w.store.MarkCompleted(ctx, img.ID, analysisRow); err != nil {
		log.Printf("worker %s: persist analysis for %s: %v", w.workerID, img.ID, err)
		w.handleFailure(ctx, img, fmt.Errorf("persist analysis: %v: %w", err, storage.ErrTransient))
		return
	}

	telemetry.ImagesCompleted.Inc()
	log.Printf("worker %s: completed %s (%s) in %s", w.workerID, img.ID, img.Filename, time.Since(start).Round(time.Millisecond))
}

// handleFailure converts a pipeline error into the matching status
// transition: transient errors retry with bounded backoff, everything else
// fails the job with a descriptive message. A shutdown cancellation
// abandons the job instead, leaving it for reconciliation.
func (w *Worker) handleFailure(ctx context.Context, img models.Image, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Printf("worker %s: shutdown, abandoning %s in processing", w.workerID, img.ID)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		w.fail(ctx, img, fmt.Sprintf("processing timed out after %s", w.cfg.JobTimeout))
		return
	}

	if errors.Is(err, storage.ErrTransient) {
		if img.RetryCount < w.cfg.MaxRetries {
			backoff := backoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, img.RetryCount+1)
			next := time.Now().Add(backoff)
			if rErr := w.store.RequeueTransient(ctx, img.ID, err.Error(), next); rErr != nil {
				log.Printf("worker %s: requeue %s: %v", w.workerID, img.ID, rErr)
				return
			}
			telemetry.ImagesRetried.Inc()
			log.Printf("worker %s: transient failure on %s, retry %d/%d in %s: %v",
				w.workerID, img.ID, img.RetryCount+1, w.cfg.MaxRetries, backoff.Round(time.Second), err)
			return
		}
		w.fail(ctx, img, fmt.Sprintf("retries exhausted after %d attempts: %v", img.RetryCount+1, err))
		return
	}

	w.fail(ctx, img, err.Error())
}

func (w *Worker) fail(ctx context.Context, img models.Image, msg string) {
	if err := w.store.MarkFailed(ctx, img.ID, msg); err != nil {
		log.Printf("worker %s: mark failed %s: %v", w.workerID, img.ID, err)
		return
	}
	telemetry.ImagesFailed.Inc()
	log.Printf("worker %s: failed %s: %s", w.workerID, img.ID, msg)
}
