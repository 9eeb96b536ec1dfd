package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"drone-crop-analytics/internal/models"
	"drone-crop-analytics/internal/telemetry"
)

// PathSaver persists a corrected local path back onto the image record.
type PathSaver interface {
	UpdateLocalPath(ctx context.Context, id, path string) error
}

// DownloadThrottle gates remote fetches across the worker fleet. Satisfied
// by ratelimit.TokenBucket.
type DownloadThrottle interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Locator resolves a byte-accessible source for an image record.
//
// Resolution tiers, first hit wins:
//  1. the recorded local_path, if the file exists
//  2. upload root + stored filename
//  3. remote object store, downloaded into the upload root
//  4. case-insensitive scan of the upload root
//
// A hit from tiers 2-4 repairs the record (self-healing), so the next
// resolution is a single stat call. A tier-1 hit never mutates the record.
type Locator struct {
	uploadDir     string
	objects       ObjectStore
	saver         PathSaver
	throttle      DownloadThrottle
	throttleScope string
}

// NewLocator wires the resolution tiers together. throttleScope is the Redis
// key the download throttle budgets on; every worker hitting the same object
// store must pass the same scope, or the fleet-wide budget splits.
func NewLocator(uploadDir string, objects ObjectStore, saver PathSaver, throttle DownloadThrottle, throttleScope string) *Locator {
	return &Locator{
		uploadDir:     uploadDir,
		objects:       objects,
		saver:         saver,
		throttle:      throttle,
		throttleScope: throttleScope,
	}
}

// Resolve locates the image and persists any path correction exactly once.
func (l *Locator) Resolve(ctx context.Context, img models.Image) (string, error) {
	path, repaired, err := l.Locate(ctx, img)
	if err != nil {
		return "", err
	}
	if repaired && l.saver != nil {
		if err := l.saver.UpdateLocalPath(ctx, img.ID, path); err != nil {
			// The bytes were found; a failed repair only costs the next
			// resolution another walk through the tiers.
			log.Printf("locator: persisting repaired path for %s failed: %v", img.ID, err)
		} else {
			telemetry.PathRepairs.Inc()
			log.Printf("locator: repaired path for %s -> %s", img.ID, path)
		}
	}
	return path, nil
}

// Locate runs the resolution tiers without side effects. The repaired flag
// reports whether the found path differs from the recorded one.
func (l *Locator) Locate(ctx context.Context, img models.Image) (string, bool, error) {
	// Tier 1: recorded path.
	if img.LocalPath != nil && *img.LocalPath != "" && fileExists(*img.LocalPath) {
		return *img.LocalPath, false, nil
	}

	// Tier 2: upload root + stored filename.
	if img.Filename != "" {
		candidate := filepath.Join(l.uploadDir, img.Filename)
		if fileExists(candidate) {
			return candidate, true, nil
		}
	}

	// Tier 3: fetch from the object store.
	throttled := false
	if img.RemoteStored && img.RemoteKey != nil && *img.RemoteKey != "" && l.objects != nil {
		path, err := l.download(ctx, img)
		if err == nil {
			return path, true, nil
		}
		if errors.Is(err, errThrottled) {
			throttled = true
		}
		log.Printf("locator: remote fetch for %s failed, trying scan: %v", img.ID, err)
	}

	// Tier 4: last-resort scan of the upload root.
	if img.Filename != "" {
		if path, ok := l.scan(img.Filename); ok {
			return path, true, nil
		}
	}

	if throttled {
		// The object may exist; only the throttle stood in the way.
		return "", false, fmt.Errorf("resolve %s: download throttled: %w", img.ID, ErrTransient)
	}
	return "", false, fmt.Errorf("resolve %s (%s): %w", img.ID, img.Filename, ErrNotFound)
}

var errThrottled = errors.New("download throttled")

func (l *Locator) download(ctx context.Context, img models.Image) (string, error) {
	if l.throttle != nil {
		allowed, _, err := l.throttle.Allow(ctx, l.throttleScope)
		if err != nil {
			// A broken throttle must not take the pipeline down.
			log.Printf("locator: throttle check failed, proceeding: %v", err)
		} else if !allowed {
			return "", errThrottled
		}
	}
	dest := filepath.Join(l.uploadDir, img.Filename)
	if err := l.objects.Download(ctx, *img.RemoteKey, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (l *Locator) scan(filename string) (string, bool) {
	entries, err := os.ReadDir(l.uploadDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(e.Name(), filename) {
			return filepath.Join(l.uploadDir, e.Name()), true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
