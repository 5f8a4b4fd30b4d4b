package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/redis/go-redis/v9"

	"fotopipe/internal/config"
	"fotopipe/internal/database"
	"fotopipe/internal/distlock"
	"fotopipe/internal/event"
	"fotopipe/internal/logger"
	"fotopipe/internal/observability"
	"fotopipe/internal/pipeline"
	"fotopipe/internal/recovery"
	"fotopipe/internal/runpodclient"
	"fotopipe/internal/storage"
	"fotopipe/internal/taskrunner"
	"fotopipe/internal/upstream"
	"fotopipe/internal/vectorizerclient"
)

// worker is the process that actually runs the pipeline: it owns the only
// taskrunner.Runtime with local worker goroutines, resumes whatever the
// server (or a previous worker) left enqueued, and runs the periodic
// recovery sweep for tasks a crashed worker abandoned mid-attempt.
func main() {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}
	env := getEnv("NODE_ENV", "development")

	slogger := logger.Init("fotopipe-worker", env, logger.ParseLevelFromEnv())

	shutdownOTel, err := observability.InitOTel(context.Background(), "fotopipe-worker")
	if err != nil {
		log.Printf("Warning: Failed to initialize OpenTelemetry: %v", err)
	} else {
		defer func() {
			if err := shutdownOTel(context.Background()); err != nil {
				log.Printf("Error shutting down OpenTelemetry: %v", err)
			}
		}()
	}

	if err := vips.Startup(nil); err != nil {
		log.Fatal("Failed to start libvips:", err)
	}
	defer vips.Shutdown()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()
	log.Println("✓ Connected to PostgreSQL")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to parse REDIS_URL:", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	locker := distlock.New(rdb)

	dispatcher := event.NewDispatcher(cfg.MercureHubURL, cfg.MercurePublisherKey, slogger)
	upstreamClient := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAccessToken)
	storageClient, err := storage.NewR2Client()
	if err != nil {
		log.Fatal("Failed to configure object storage:", err)
	}
	runpod := runpodclient.New(cfg.RunpodAPIURL, cfg.RunpodEndpointID, cfg.RunpodAPIKey, cfg.MinImageSize, slogger)
	runpod.PollInterval = cfg.RunpodPollInterval
	runpod.Timeout = cfg.RunpodTimeout
	vectorizer := vectorizerclient.New(cfg.VectorizerBaseURL, cfg.VectorizerAPIKey, cfg.VectorizerSecret, slogger)

	workerCount := getInt("WORKER_POOL_SIZE", 4)
	runtime := taskrunner.New(db.DB, slogger, workerCount)

	ingestService := pipeline.NewIngestService(db.DB, upstreamClient, dispatcher, runtime, slogger)
	downloadService := pipeline.NewDownloadService(db.DB, storageClient, dispatcher, os.Getenv("DOWNLOAD_PROXY_URL"), getInt("DOWNLOAD_CONCURRENCY", 4), slogger)
	coloringService := pipeline.NewColoringService(db.DB, storageClient, dispatcher, runpod, slogger)
	vectorizeService := pipeline.NewVectorizeService(db.DB, storageClient, dispatcher, vectorizer, slogger)

	runtime.Register(taskrunner.ActorDef{
		Name:        "ingest",
		MaxAttempts: 5,
		Handler: orderIDHandler(func(ctx context.Context, orderID string) error {
			_, err := ingestService.SyncOrder(ctx, orderID)
			return err
		}),
	})
	runtime.Register(taskrunner.ActorDef{
		Name:        "download",
		MaxAttempts: 5,
		Handler:     orderIDHandler(downloadService.Run),
	})
	runtime.Register(taskrunner.ActorDef{
		Name:        "coloring",
		MaxAttempts: 3,
		Handler:     versionIDHandler(coloringService.Process),
	})
	runtime.Register(taskrunner.ActorDef{
		Name:        "vectorize",
		MaxAttempts: 3,
		Handler:     versionIDHandler(vectorizeService.Process),
	})

	ctx, cancel := context.WithCancel(context.Background())

	if err := runtime.ResumePending(ctx); err != nil {
		log.Fatal("Failed to resume pending tasks:", err)
	}
	log.Println("✓ Resumed pending tasks")

	recoveryDriver := recovery.New(db.DB, runtime, locker, slogger)
	go recoveryDriver.RunPeriodically(ctx, getDuration("RECOVERY_INTERVAL", 30*time.Second))

	log.Printf("🚀 Worker started with %d pool workers", workerCount)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("📤 Shutting down worker...")

	cancel()
	runtime.Stop()
	dispatcher.Shutdown(5 * time.Second)
	log.Println("✅ Worker exited")
}

// orderIDHandler adapts a (ctx, orderID) pipeline method into a
// taskrunner.Handler, decoding the {"order_id": "..."} args every Enqueue
// call in this codebase uses for order-scoped actors.
func orderIDHandler(fn func(ctx context.Context, orderID string) error) taskrunner.Handler {
	return func(ctx context.Context, args json.RawMessage) error {
		var payload struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return err
		}
		return fn(ctx, payload.OrderID)
	}
}

// versionIDHandler adapts a (ctx, versionID) pipeline method into a
// taskrunner.Handler, decoding the {"version_id": N} args Enqueue uses for
// coloring/vectorize actors.
func versionIDHandler(fn func(ctx context.Context, versionID int64) error) taskrunner.Handler {
	return func(ctx context.Context, args json.RawMessage) error {
		var payload struct {
			VersionID int64 `json:"version_id"`
		}
		if err := json.Unmarshal(args, &payload); err != nil {
			return err
		}
		return fn(ctx, payload.VersionID)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
