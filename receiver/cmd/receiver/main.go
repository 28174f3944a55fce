package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/cache"
	"github.com/Krimson/facereview/receiver/internal/catalog"
	"github.com/Krimson/facereview/receiver/internal/classifier"
	"github.com/Krimson/facereview/receiver/internal/config"
	"github.com/Krimson/facereview/receiver/internal/docstore"
	"github.com/Krimson/facereview/receiver/internal/durability"
	"github.com/Krimson/facereview/receiver/internal/finalize"
	"github.com/Krimson/facereview/receiver/internal/health"
	"github.com/Krimson/facereview/receiver/internal/httpapi"
	"github.com/Krimson/facereview/receiver/internal/ingest"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/saga"
	"github.com/Krimson/facereview/receiver/internal/server"
	"github.com/Krimson/facereview/receiver/internal/session"
	"github.com/Krimson/facereview/receiver/internal/supervisor"
	"github.com/Krimson/facereview/receiver/internal/websocket"
)

// @title FaceReview Receiver API
// @version 1.0
// @description Прием кадров веб-камеры, агрегаты эмоций по видео и одобрение заявок
// @host localhost:8080
// @BasePath /
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	logging.Info().
		Str("http_port", cfg.HTTPPort).
		Str("grpc_port", cfg.GRPCPort).
		Float64("sampling_rate", cfg.SamplingRate).
		Msg("Starting receiver server...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// ===== Хранилища =====

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	redisStore := cache.NewRedisStore(redisClient, cache.TTLs{
		Dedupe:   cfg.DedupeTTL,
		Timeline: cfg.TimelineCacheTTL,
		Category: cfg.CategoryCacheTTL,
	})
	if err := redisStore.Ping(startupCtx); err != nil {
		logging.Warn().Err(err).Msg("redis unavailable at startup, dedupe fails open")
	}

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
	if err := catalogRepo.EnsureSchema(startupCtx); err != nil {
		logging.Fatal().Err(err).Msg("failed to apply postgres schema")
	}

	categories := cache.NewCategoryResolver(redisStore, catalogRepo)

	// ===== Durability channel =====

	publisher, subscriber, err := openTransport(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open durability channel")
	}

	producer := durability.NewProducer(publisher, durability.ProducerConfig{
		Topic:   cfg.FramesTopic,
		Buffer:  cfg.PublishBuffer,
		Workers: cfg.PublishWorkers,
	})

	// ===== Агрегация и финализация =====

	aggregator := aggregate.NewAggregator(
		aggregate.Config{SamplingRate: cfg.SamplingRate, HotPathTimeout: cfg.HotPathTimeout},
		redisStore,
		docs.Timeline,
		docs.Distributions,
		redisStore,
		categories,
	)

	queue := finalize.NewQueue(finalize.Config{
		Workers:      cfg.FinalizeWorkers,
		QueueSize:    cfg.FinalizeQueueSize,
		MaxAttempts:  cfg.FinalizeMaxAttempts,
		RetryInitial: cfg.FinalizeRetryInitial,
		SamplingRate: cfg.SamplingRate,
	}, docs.SessionRecords, docs.Distributions, categories, catalogRepo)

	sessions := session.NewCache()
	reaper := finalize.NewReaper(sessions, queue, cfg.SessionIdleTimeout, cfg.ReaperInterval)

	// ===== Классификатор =====

	var clf classifier.Classifier = classifier.StaticClassifier{}
	if cfg.ClassifierAddr != "" {
		grpcClf, err := classifier.NewGRPCClient(cfg.ClassifierAddr, cfg.ClassifierTimeout)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to create classifier client")
		}
		defer grpcClf.Close()
		clf = grpcClf
	} else {
		logging.Warn().Msg("CLASSIFIER_ADDR is empty, using static classifier")
	}

	ingestSvc := ingest.NewService(ingest.Deps{
		Classifier:     clf,
		Sessions:       sessions,
		Publisher:      producer,
		Aggregator:     aggregator,
		Crowd:          redisStore,
		Finalize:       queue,
		Views:          catalogRepo,
		HotPathTimeout: cfg.HotPathTimeout,
	})

	hub := websocket.NewHub(ingestSvc, websocket.Config{
		FrameRateLimit: cfg.FrameRateLimit,
		FrameRateBurst: cfg.FrameRateBurst,
	})

	// ===== Админка =====

	approver := catalog.NewApprover(catalogRepo, docs.Distributions, docs.Timeline, docs.SagaLogs, docs.Reverter)
	janitor := saga.NewJanitor(docs.SagaLogs, cfg.SagaRetention, cfg.SagaJanitorInterval)

	// ===== Health =====

	healthServer := health.NewHealthServer()
	prober := health.NewProber(healthServer, cfg.HealthProbeInterval).
		Add("redis", redisStore).
		Add("mongo", docs).
		Add("postgres", catalogRepo)
	prober.Probe(startupCtx)

	grpcServer := server.NewGRPCServer(cfg.GRPCPort, healthServer)

	httpHandler := httpapi.NewHTTPHandler(httpapi.Deps{
		Sessions:      ingestSvc,
		Records:       docs.SessionRecords,
		Distributions: docs.Distributions,
		Timelines:     docs.Timeline,
		Approver:      approver,
		SagaLogs:      docs.SagaLogs,
		Health:        healthServer,
		WebSocket:     hub.HandleWebSocket,
		SamplingRate:  cfg.SamplingRate,
	})
	httpServer := httpapi.NewServer(cfg.HTTPPort, httpHandler.Router())

	// ===== Supervisor tree =====

	tree := supervisor.NewTree("receiver", supervisor.DefaultTreeConfig())
	tree.AddStorageService(queue)
	tree.AddStorageService(reaper)
	tree.AddStorageService(producer)
	tree.AddStorageService(janitor)
	tree.AddIngestService(hub)
	tree.AddIngestService(prober)
	tree.AddAPIService(httpServer)
	tree.AddAPIService(grpcServer)

	if subscriber != nil {
		// In-process восстановитель ждет дольше reaper
		replayer := finalize.NewReplayer(docs.SessionRecords, queue, 2*cfg.SessionIdleTimeout)
		consumer, err := durability.NewConsumer(subscriber, cfg.FramesTopic, replayer, logging.Watermill())
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to create in-process consumer")
		}
		tree.AddStorageService(consumer)
		tree.AddStorageService(replayer)
	}

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor tree stopped")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}
	if err := publisher.Close(); err != nil {
		logging.Warn().Err(err).Msg("failed to close publisher")
	}

	logging.Info().Msg("Server stopped")
}

// openTransport возвращает NATS JetStream публикатор или in-process gochannel.
// Подписчик возвращается только для gochannel.
func openTransport(cfg *config.Config) (message.Publisher, message.Subscriber, error) {
	if cfg.NATSURL == "" {
		logging.Warn().Msg("NATS_URL is empty, durability channel is in-process")
		pubsub := durability.NewInProcess(logging.Watermill())
		return pubsub, pubsub, nil
	}

	pub, err := durability.NewNATSPublisher(durability.NATSConfig{URL: cfg.NATSURL}, logging.Watermill())
	if err != nil {
		return nil, nil, err
	}
	return pub, nil, nil
}
