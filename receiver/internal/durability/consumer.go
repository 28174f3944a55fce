package durability

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/Krimson/facereview/receiver/internal/session"
)

// FrameHandler обрабатывает событие, прочитанное из durability channel
type FrameHandler interface {
	HandleFrame(ctx context.Context, ev session.FrameEvent) error
}

// Consumer читает FrameEvent из лога и передает их обработчику
type Consumer struct {
	router *message.Router
}

// NewConsumer создает роутер watermill с recoverer и retry
func NewConsumer(sub message.Subscriber, topic string, h FrameHandler, logger watermill.LoggerAdapter) (*Consumer, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Logger:          logger,
		}.Middleware,
	)

	router.AddConsumerHandler("frame-replay", topic, sub, func(msg *message.Message) error {
		ev, err := DecodeMessage(msg)
		if err != nil {
			// Битое сообщение не чинится повтором
			logger.Error("undecodable frame event skipped", err, watermill.LogFields{"uuid": msg.UUID})
			return nil
		}
		return h.HandleFrame(msg.Context(), ev)
	})

	return &Consumer{router: router}, nil
}

// Serve - suture.Service
func (c *Consumer) Serve(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running закрывается, когда роутер запущен
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

func (c *Consumer) Close() error {
	return c.router.Close()
}

func (c *Consumer) String() string { return "durability-consumer" }
