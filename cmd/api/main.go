package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"reclaim/api/internal/app"
	"reclaim/api/internal/archive"
	"reclaim/api/internal/config"
	"reclaim/api/internal/pipeline"
	"reclaim/api/internal/search"
	"reclaim/api/internal/store"
	"reclaim/api/internal/tasks"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Redis backs pipeline dedup and merge tasks; without it both fall back
	// to in-memory state scoped to this process.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
		log.Printf("Using Redis for trigger dedup and merge tasks")
	} else {
		log.Printf("Using in-memory trigger dedup and merge tasks")
	}

	var deduper pipeline.Deduper
	var taskStore tasks.Store
	if redisClient != nil {
		deduper = pipeline.NewRedisDeduper(redisClient, cfg.PipelineDedupTTL)
		taskStore = tasks.NewRedisStore(redisClient, cfg.PipelineDedupTTL)
	} else {
		deduper = pipeline.NewMemoryDeduper()
		taskStore = tasks.NewMemoryStore()
	}

	var runner pipeline.Runner = pipeline.LogRunner{}
	if strings.TrimSpace(cfg.PipelineRunnerURL) != "" {
		runner = pipeline.NewHTTPRunner(cfg.PipelineRunnerURL, cfg.PipelineToken)
	}
	trigger := pipeline.NewTrigger(runner, deduper, cfg.PipelineName)

	service := app.New(cfg, dataStore, trigger, taskStore)
	if redisClient != nil {
		service.AttachReadinessCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgSearch(db))
	service.AttachSearch(searchService)
	if meiliClient != nil {
		go seedSearchIndex(ctx, dataStore, searchService)
	}

	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiver, err := archive.New(ctx, cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			log.Fatalf("archive storage failed: %v", err)
		}
		service.AttachArchiver(archiver)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Reclaim API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// seedSearchIndex pushes the current quarantine set into the search index at
// startup so a fresh Meilisearch instance is usable immediately.
func seedSearchIndex(ctx context.Context, dataStore *store.PostgresStore, searchService *search.Service) {
	records, err := dataStore.ListQuarantineRecords(ctx, "", 2000, 0)
	if err != nil {
		log.Printf("search index seed: %v", err)
		return
	}
	docs := make([]search.RecordDoc, 0, len(records))
	for _, record := range records {
		docs = append(docs, search.DocFromRecord(record))
	}
	searchService.ReindexAll(docs)
}
