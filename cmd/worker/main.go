package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"drone-crop-analytics/internal/classifier"
	"drone-crop-analytics/internal/config"
	"drone-crop-analytics/internal/ratelimit"
	"drone-crop-analytics/internal/storage"
	"drone-crop-analytics/internal/store"
	"drone-crop-analytics/internal/telemetry"
	workerproc "drone-crop-analytics/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Printf("shutdown signal received")
		cancel()
	}()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatalf("create upload dir: %v", err)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	// Object store: S3 when a bucket is configured, local disk otherwise.
	var objects storage.ObjectStore
	if cfg.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3: %v", err)
		}
		objects = s3Store
		log.Printf("object store: s3 bucket %s", cfg.S3Bucket)
	} else {
		objects = storage.NewLocalStore(cfg.ProcessedDir)
		log.Printf("object store: local dir %s", cfg.ProcessedDir)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	throttle := ratelimit.NewTokenBucket(redisClient, cfg.DownloadRateCapacity, cfg.DownloadRateRefill, time.Hour)

	// One budget per object store, shared by every worker drawing from it.
	throttleScope := "dl:local"
	if cfg.S3Bucket != "" {
		throttleScope = "dl:" + cfg.S3Bucket
	}

	locator := storage.NewLocator(cfg.UploadDir, objects, st, throttle, throttleScope)
	class := classifier.New(cfg)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		// Several workers can share a host; the suffix keeps logs attributable.
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}

	w := workerproc.New(cfg, st, locator, class, objects, workerID)

	go func() {
		r := chi.NewRouter()
		r.Get("/healthz", func(rw http.ResponseWriter, req *http.Request) {
			if err := st.Ping(req.Context()); err != nil {
				http.Error(rw, `{"status":"degraded"}`, http.StatusServiceUnavailable)
				return
			}
			rw.WriteHeader(http.StatusOK)
			_, _ = rw.Write([]byte(`{"status":"ok"}`))
		})
		// Read-only lookups for operators debugging a stuck or failed job.
		r.Get("/images/{id}", func(rw http.ResponseWriter, req *http.Request) {
			img, err := st.GetImage(req.Context(), chi.URLParam(req, "id"))
			writeJSON(rw, img, err)
		})
		r.Get("/images/{id}/analysis", func(rw http.ResponseWriter, req *http.Request) {
			a, err := st.GetAnalysis(req.Context(), chi.URLParam(req, "id"))
			writeJSON(rw, a, err)
		})
		r.Mount("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, r); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("analysis worker %s starting", workerID)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker stopped: %v", err)
	}
	log.Printf("analysis worker stopped")
}

func writeJSON(rw http.ResponseWriter, v any, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(rw, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("ops lookup: %v", err)
		http.Error(rw, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Printf("ops lookup: encode response: %v", err)
	}
}
