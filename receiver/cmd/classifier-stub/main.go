package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/Krimson/facereview/receiver/internal/classifier"
	"github.com/Krimson/facereview/receiver/internal/health"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/server"
)

// slowClassifier добавляет задержку модели
type slowClassifier struct {
	inner classifier.Classifier
	delay time.Duration
}

func (s slowClassifier) Classify(ctx context.Context, image string) classifier.Result {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return classifier.Default()
		}
	}
	res := s.inner.Classify(ctx, image)
	logging.Debug().Str("label", string(res.Label)).Int("image_len", len(image)).Msg("frame classified")
	return res
}

// Заглушка сервиса классификации эмоций для локального запуска
func main() {
	port := flag.String("port", "50061", "порт gRPC")
	delay := flag.Duration("delay", 0, "искусственная задержка ответа")
	level := flag.String("log-level", "info", "уровень логирования")
	flag.Parse()

	logging.Init(logging.Config{Level: *level, Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hs := health.NewHealthServer()
	hs.SetServingStatus(classifier.ServiceName)

	srv := server.NewGRPCServer(*port, hs).Register(func(s *grpc.Server) {
		classifier.RegisterServer(s, slowClassifier{inner: classifier.StaticClassifier{}, delay: *delay})
	})

	logging.Info().Str("port", *port).Dur("delay", *delay).Msg("Classifier stub started")
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("classifier stub failed")
	}
}
