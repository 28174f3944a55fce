package durability

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/metrics"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// PartitionKeyMetadata - ключ партиционирования в метаданных сообщения
const PartitionKeyMetadata = "partition_key"

// ProducerConfig настройки продюсера
type ProducerConfig struct {
	Topic   string
	Buffer  int // суммарный размер очередей
	Workers int // по одному воркеру на шард сессий
}

// Producer пишет FrameEvent в durability channel асинхронно.
// Кадры одной сессии попадают в один шард и публикуются по порядку.
type Producer struct {
	publisher message.Publisher
	topic     string
	breaker   *gobreaker.CircuitBreaker[interface{}]

	mu     sync.RWMutex
	closed bool
	queues []chan session.FrameEvent
	wg     sync.WaitGroup

	log zerolog.Logger
}

// NewBreaker - circuit breaker для публикаций
func NewBreaker(name string, threshold uint32, timeout time.Duration) *gobreaker.CircuitBreaker[interface{}] {
	log := logging.With("breaker")
	return gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// NewProducer создает продюсер и запускает воркеры
func NewProducer(pub message.Publisher, cfg ProducerConfig) *Producer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer < cfg.Workers {
		cfg.Buffer = cfg.Workers
	}

	p := &Producer{
		publisher: pub,
		topic:     cfg.Topic,
		breaker:   NewBreaker("durability-publish", 5, 10*time.Second),
		queues:    make([]chan session.FrameEvent, cfg.Workers),
		log:       logging.With("durability"),
	}
	for i := range p.queues {
		p.queues[i] = make(chan session.FrameEvent, cfg.Buffer/cfg.Workers)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

func (p *Producer) shard(sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Publish ставит событие в очередь и не блокирует вызывающего.
// Переполнение очереди и ошибки публикации только логируются.
func (p *Producer) Publish(ev session.FrameEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		metrics.PublishResults.WithLabelValues("dropped").Inc()
		return
	}

	select {
	case p.queues[p.shard(ev.SessionID)] <- ev:
	default:
		metrics.PublishResults.WithLabelValues("dropped").Inc()
		p.log.Warn().Str("session_id", ev.SessionID).Msg("durability queue full, frame event dropped")
	}
}

func (p *Producer) worker(queue <-chan session.FrameEvent) {
	defer p.wg.Done()
	for ev := range queue {
		if err := p.send(ev); err != nil {
			metrics.PublishResults.WithLabelValues("error").Inc()
			p.log.Error().Err(err).
				Str("session_id", ev.SessionID).
				Float64("timestamp", ev.Timestamp).
				Msg("failed to publish frame event")
			continue
		}
		metrics.PublishResults.WithLabelValues("ok").Inc()
	}
}

// NewMessage кодирует событие в сообщение watermill
func NewMessage(ev session.FrameEvent) (*message.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal frame event: %w", err)
	}

	msg := message.NewMessage(MessageID(ev), payload)
	msg.Metadata.Set(PartitionKeyMetadata, ev.SessionID)
	return msg, nil
}

// frameNamespace - пространство имен UUID кадров
var frameNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("facereview:watch.frames"))

// MessageID - детерминированный UUID кадра из session_id и timestamp.
// Публикатор передает его в Nats-Msg-Id, повторная публикация того же кадра отбрасывается JetStream.
func MessageID(ev session.FrameEvent) string {
	key := ev.SessionID + ":" + strconv.FormatFloat(ev.Timestamp, 'f', 3, 64)
	return uuid.NewSHA1(frameNamespace, []byte(key)).String()
}

// DecodeMessage - обратное к NewMessage
func DecodeMessage(msg *message.Message) (session.FrameEvent, error) {
	var ev session.FrameEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal frame event %s: %w", msg.UUID, err)
	}
	if ev.SessionID == "" {
		return ev, fmt.Errorf("frame event %s without session_id", msg.UUID)
	}
	return ev, nil
}

func (p *Producer) send(ev session.FrameEvent) error {
	msg, err := NewMessage(ev)
	if err != nil {
		return err
	}
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publisher.Publish(p.topic, msg)
	})
	return err
}

// Stop закрывает очереди и ждет отправки оставшихся событий не дольше timeout
func (p *Producer) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("durability producer drained")
	case <-time.After(timeout):
		p.log.Warn().Msg("durability producer drain timeout")
	}
}

// Serve - suture.Service: ждет отмены контекста и сливает очередь
func (p *Producer) Serve(ctx context.Context) error {
	<-ctx.Done()
	p.Stop(5 * time.Second)
	return ctx.Err()
}

func (p *Producer) String() string { return "durability-producer" }
