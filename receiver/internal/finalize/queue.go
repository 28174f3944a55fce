package finalize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/docstore"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/metrics"
	"github.com/Krimson/facereview/receiver/internal/session"
)

var (
	// ErrQueueFull - задача не принята, очередь заполнена
	ErrQueueFull = errors.New("finalize queue is full")
	// ErrQueueClosed - очередь остановлена
	ErrQueueClosed = errors.New("finalize queue is closed")
)

// RecordStore хранит итоговые записи сессий
type RecordStore interface {
	Upsert(ctx context.Context, rec *docstore.SessionRecord) (bool, error)
	ListByVideo(ctx context.Context, videoID string) ([]docstore.SessionRecord, error)
}

// DistributionWriter применяет пересобранное распределение видео
type DistributionWriter interface {
	ApplyRefold(ctx context.Context, videoID string, refold aggregate.Refold) error
}

// CategoryResolver - категория видео для весов рекомендаций
type CategoryResolver interface {
	Category(ctx context.Context, videoID string) string
}

// FailureSink принимает задачи, исчерпавшие попытки
type FailureSink interface {
	RecordFinalizeFailure(ctx context.Context, sessionID, videoID, stage string, attempts int, cause string, payload []byte) error
}

// Task - сессия, снятая из кэша и ожидающая записи
type Task struct {
	Session *session.WatchSession
	Source  string // end, reaper, replay, api
}

// Config настройки очереди
type Config struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	RetryInitial time.Duration
	SamplingRate float64
	OpTimeout    time.Duration
}

// Queue - асинхронная финализация сессий на отдельном пуле воркеров
type Queue struct {
	cfg          Config
	records      RecordStore
	distribution DistributionWriter
	categories   CategoryResolver
	sink         FailureSink

	tasks  chan Task
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	now func() time.Time
	log zerolog.Logger
}

// NewQueue создает очередь и запускает воркеры
func NewQueue(cfg Config, records RecordStore, dist DistributionWriter, categories CategoryResolver, sink FailureSink) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}

	q := &Queue{
		cfg:          cfg,
		records:      records,
		distribution: dist,
		categories:   categories,
		sink:         sink,
		tasks:        make(chan Task, cfg.QueueSize),
		now:          func() time.Time { return time.Now().UTC() },
		log:          logging.With("finalize"),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue ставит задачу в очередь без ожидания.
// ErrQueueFull: задача не принята, сессия остается у вызывающего.
// ErrQueueClosed: сессия уже записана в журнал ошибок финализации.
func (q *Queue) Enqueue(task Task) error {
	err := q.offer(task)
	if errors.Is(err, ErrQueueClosed) && task.Session != nil {
		q.fail(context.Background(), *task.Session, "enqueue", 0, err)
	}
	return err
}

func (q *Queue) offer(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		metrics.FinalizeQueueDepth.Set(float64(len(q.tasks)))
		return nil
	default:
		metrics.FinalizeResults.WithLabelValues("rejected").Inc()
		return ErrQueueFull
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		metrics.FinalizeQueueDepth.Set(float64(len(q.tasks)))
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	ws := task.Session
	if ws == nil || len(ws.Frames) == 0 {
		metrics.FinalizeResults.WithLabelValues("skipped").Inc()
		ev := q.log.Warn().Str("source", task.Source)
		if ws != nil {
			ev = ev.Str("session_id", ws.SessionID)
		}
		ev.Msg("empty session skipped")
		return
	}

	if err := q.Finalize(context.Background(), *ws); err != nil {
		q.log.Error().Err(err).
			Str("session_id", ws.SessionID).
			Str("video_id", ws.VideoID).
			Str("source", task.Source).
			Msg("session finalize failed")
	}
}

// Finalize синхронно записывает итог сессии и пересобирает распределение видео.
// Повторный вызов для той же сессии не меняет распределение.
func (q *Queue) Finalize(ctx context.Context, ws session.WatchSession) error {
	rec := BuildRecord(ws, q.cfg.SamplingRate, q.now())

	var inserted bool
	attempts, err := q.retry(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = q.records.Upsert(ctx, rec)
		return err
	})
	if err != nil {
		q.fail(ctx, ws, "upsert", attempts, err)
		return fmt.Errorf("upsert session record %s: %w", ws.SessionID, err)
	}
	if !inserted {
		q.log.Info().Str("session_id", ws.SessionID).Msg("session already finalized")
	}

	attempts, err = q.retry(ctx, func(ctx context.Context) error {
		return q.refold(ctx, ws.VideoID)
	})
	if err != nil {
		q.fail(ctx, ws, "refold", attempts, err)
		return fmt.Errorf("refold video %s: %w", ws.VideoID, err)
	}

	metrics.FinalizeResults.WithLabelValues("ok").Inc()
	q.log.Debug().
		Str("session_id", ws.SessionID).
		Str("video_id", ws.VideoID).
		Int64("frames", rec.FrameCount).
		Str("dominant", string(rec.DominantEmotion)).
		Msg("session finalized")
	return nil
}

func (q *Queue) refold(ctx context.Context, videoID string) error {
	records, err := q.records.ListByVideo(ctx, videoID)
	if err != nil {
		return err
	}
	category := aggregate.DefaultCategory
	if q.categories != nil {
		category = q.categories.Category(ctx, videoID)
	}
	return q.distribution.ApplyRefold(ctx, videoID, Refold(records, category, q.cfg.SamplingRate))
}

// retry выполняет op с экспоненциальной паузой, не больше MaxAttempts раз
func (q *Queue) retry(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.RetryInitial
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, q.cfg.OpTimeout)
		defer cancel()
		return op(opCtx)
	},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.cfg.MaxAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			metrics.FinalizeResults.WithLabelValues("retry").Inc()
			q.log.Warn().Err(err).Dur("wait", wait).Int("attempt", attempts).Msg("finalize step failed, retrying")
		},
	)
	return attempts, err
}

// fail - терминальная ошибка задачи
func (q *Queue) fail(ctx context.Context, ws session.WatchSession, stage string, attempts int, cause error) {
	metrics.FinalizeResults.WithLabelValues("failed").Inc()
	q.log.Error().Err(cause).
		Str("session_id", ws.SessionID).
		Str("video_id", ws.VideoID).
		Str("stage", stage).
		Int("attempts", attempts).
		Msg("finalize task failed permanently")

	if q.sink == nil {
		return
	}
	payload, err := json.Marshal(ws)
	if err != nil {
		q.log.Error().Err(err).Str("session_id", ws.SessionID).Msg("failed to encode failed session")
	}
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.OpTimeout)
	defer cancel()
	if err := q.sink.RecordFinalizeFailure(sinkCtx, ws.SessionID, ws.VideoID, stage, attempts, cause.Error(), payload); err != nil {
		q.log.Error().Err(err).Str("session_id", ws.SessionID).Msg("failed to record finalize failure")
	}
}

// Stop закрывает очередь и ждет выполнения принятых задач не дольше timeout
func (q *Queue) Stop(timeout time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info().Msg("finalize queue drained")
	case <-time.After(timeout):
		q.log.Warn().Int("pending", len(q.tasks)).Msg("finalize queue drain timeout")
	}
}

// Serve - suture.Service
func (q *Queue) Serve(ctx context.Context) error {
	<-ctx.Done()
	q.Stop(30 * time.Second)
	return ctx.Err()
}

func (q *Queue) String() string { return "finalize-queue" }
