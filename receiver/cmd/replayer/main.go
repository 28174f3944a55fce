package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Krimson/facereview/receiver/internal/cache"
	"github.com/Krimson/facereview/receiver/internal/catalog"
	"github.com/Krimson/facereview/receiver/internal/config"
	"github.com/Krimson/facereview/receiver/internal/docstore"
	"github.com/Krimson/facereview/receiver/internal/durability"
	"github.com/Krimson/facereview/receiver/internal/finalize"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/supervisor"
)

// replayer читает кадры из JetStream и финализирует сессии,
// которые приемник потерял (рестарт, падение)
func main() {
	quiet := flag.Duration("quiet", 0, "пауза без кадров, после которой сессия считается законченной (по умолчанию 2x SESSION_IDLE_TIMEOUT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if cfg.NATSURL == "" {
		logging.Fatal().Msg("NATS_URL is required for replayer")
	}
	if *quiet <= 0 {
		*quiet = 2 * cfg.SessionIdleTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	docs, err := docstore.Open(startupCtx, cfg.MongoURI, cfg.MongoDatabase, cfg.SamplingRate)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open document store")
	}
	defer docs.Close(context.Background())

	catalogRepo, err := catalog.NewPostgresRepositoryFromDSN(cfg.PostgresDSN)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer catalogRepo.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	categories := cache.NewCategoryResolver(cache.NewRedisStore(redisClient, cache.TTLs{Category: cfg.CategoryCacheTTL}), catalogRepo)

	queue := finalize.NewQueue(finalize.Config{
		Workers:      cfg.FinalizeWorkers,
		QueueSize:    cfg.FinalizeQueueSize,
		MaxAttempts:  cfg.FinalizeMaxAttempts,
		RetryInitial: cfg.FinalizeRetryInitial,
		SamplingRate: cfg.SamplingRate,
	}, docs.SessionRecords, docs.Distributions, categories, catalogRepo)

	subscriber, err := durability.NewNATSSubscriber(durability.NATSConfig{
		URL:         cfg.NATSURL,
		DurableName: cfg.ConsumerGroup,
		QueueGroup:  cfg.ConsumerGroup,
	}, logging.Watermill())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create subscriber")
	}

	replayer := finalize.NewReplayer(docs.SessionRecords, queue, *quiet)
	consumer, err := durability.NewConsumer(subscriber, cfg.FramesTopic, replayer, logging.Watermill())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create consumer")
	}

	logging.Info().
		Str("topic", cfg.FramesTopic).
		Str("durable", cfg.ConsumerGroup).
		Dur("quiet", *quiet).
		Msg("Starting replayer...")

	tree := supervisor.NewTree("replayer", supervisor.DefaultTreeConfig())
	tree.AddStorageService(queue)
	tree.AddIngestService(consumer)
	tree.AddIngestService(replayer)

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor tree stopped")
	}

	logging.Info().Int("pending", replayer.Pending()).Msg("Replayer stopped")
}
