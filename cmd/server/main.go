package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nivethan-b/scholardocs/internal/api"
	"github.com/nivethan-b/scholardocs/internal/cache"
	"github.com/nivethan-b/scholardocs/internal/config"
	"github.com/nivethan-b/scholardocs/internal/database"
	"github.com/nivethan-b/scholardocs/internal/ingest"
	"github.com/nivethan-b/scholardocs/internal/processor"
	"github.com/nivethan-b/scholardocs/internal/reconcile"
	"github.com/nivethan-b/scholardocs/internal/repository"
	"github.com/nivethan-b/scholardocs/internal/s3storage"
	"github.com/nivethan-b/scholardocs/internal/signing"
	"github.com/nivethan-b/scholardocs/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.NewDocumentRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	invalidator := cache.New(rdb, cfg.CacheTTL)

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()

	proc := processor.New(cfg.ProcessorURL, cfg.ProcessorTimeout)
	orchestrator := ingest.NewOrchestrator(repo, store, proc, cfg.WebhookURL())
	applier := webhook.NewApplier(repo, invalidator)
	sweeper := reconcile.NewSweeper(repo, proc, applier, cfg.SweepConcurrency)
	signer := signing.NewSigner(cfg.SigningSecret)

	srv := api.New(cfg, repo, store, orchestrator, applier, sweeper, queueClient, signer, invalidator)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
