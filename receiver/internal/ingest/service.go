package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/classifier"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/finalize"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/metrics"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// ErrUnknownSession - end для сессии, которой нет в кэше
var ErrUnknownSession = errors.New("no watching data found")

// Publisher - durability channel
type Publisher interface {
	Publish(ev session.FrameEvent)
}

// Aggregator - живая агрегация кадра
type Aggregator interface {
	Aggregate(ctx context.Context, ev session.FrameEvent) aggregate.Result
	SamplingRate() float64
}

// CrowdReader - эмоции толпы в бакете
type CrowdReader interface {
	GetCrowd(ctx context.Context, videoID string, bucket int64) (emotion.Distribution, bool, error)
}

// Enqueuer - очередь финализации
type Enqueuer interface {
	Enqueue(task finalize.Task) error
}

// ViewLogger пишет просмотр в реляционную БД один раз на сессию
type ViewLogger interface {
	InsertViewLog(ctx context.Context, sessionID, userID, videoID string) (bool, error)
}

// FrameReply - результат обработки кадра
type FrameReply struct {
	Timestamp float64
	User      classifier.Result
	Crowd     emotion.Distribution
}

// Ack - frame_ack для клиента
func (r FrameReply) Ack() Ack {
	ts := r.Timestamp
	user := NewEmotionView(r.User.Emotions, r.User.Label)
	crowd := NewEmotionView(r.Crowd, r.Crowd.Dominant())
	return Ack{
		Type:           TypeAck,
		Status:         StatusSuccess,
		Timestamp:      &ts,
		UserEmotion:    &user,
		AverageEmotion: &crowd,
	}
}

// Service обрабатывает сообщения зрителя: init, frame, end
type Service struct {
	classifier classifier.Classifier
	sessions   *session.Cache
	publisher  Publisher
	aggregator Aggregator
	crowd      CrowdReader
	finalize   Enqueuer
	views      ViewLogger
	timeout    time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Deps - зависимости сервиса
type Deps struct {
	Classifier     classifier.Classifier
	Sessions       *session.Cache
	Publisher      Publisher
	Aggregator     Aggregator
	Crowd          CrowdReader
	Finalize       Enqueuer
	Views          ViewLogger
	HotPathTimeout time.Duration
}

func NewService(d Deps) *Service {
	if d.HotPathTimeout <= 0 {
		d.HotPathTimeout = 300 * time.Millisecond
	}
	return &Service{
		classifier: d.Classifier,
		sessions:   d.Sessions,
		publisher:  d.Publisher,
		aggregator: d.Aggregator,
		crowd:      d.Crowd,
		finalize:   d.Finalize,
		views:      d.Views,
		timeout:    d.HotPathTimeout,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logging.With("ingest"),
	}
}

// HandleInit создает сессию заранее. Повторный init ничего не меняет.
func (s *Service) HandleInit(ctx context.Context, m InitMessage) {
	if s.sessions.Init(m.SessionID, m.UserID, m.VideoID, m.Duration) {
		s.logView(m.SessionID, m.UserID, m.VideoID)
		s.log.Info().Str("session_id", m.SessionID).Str("video_id", m.VideoID).Msg("watching initialized")
	}
}

// HandleFrame классифицирует кадр, кладет его в сессию и durability channel,
// читает эмоции толпы и обновляет живые агрегаты.
func (s *Service) HandleFrame(ctx context.Context, m FrameMessage) FrameReply {
	metrics.FramesReceived.Inc()

	res := s.classifier.Classify(ctx, m.FrameData)
	ev := session.FrameEvent{
		SessionID:    m.SessionID,
		UserID:       m.UserID,
		VideoID:      m.VideoID,
		Timestamp:    m.Timestamp,
		Emotions:     res.Emotions,
		Label:        res.Label,
		Duration:     m.Duration,
		ClassifiedAt: s.now(),
	}

	if s.sessions.AddFrame(ev) {
		s.logView(m.SessionID, m.UserID, m.VideoID)
		s.log.Info().Str("session_id", m.SessionID).Str("video_id", m.VideoID).Msg("session started from frame")
	}
	s.publisher.Publish(ev)

	// Толпа читается до агрегации собственного кадра
	crowd := s.readCrowd(ctx, m.VideoID, aggregate.Bucket(m.Timestamp, s.aggregator.SamplingRate()))

	s.aggregator.Aggregate(ctx, ev)

	return FrameReply{Timestamp: m.Timestamp, User: res, Crowd: crowd}
}

func (s *Service) readCrowd(ctx context.Context, videoID string, bucket int64) emotion.Distribution {
	if s.crowd == nil {
		return emotion.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d, ok, err := s.crowd.GetCrowd(ctx, videoID, bucket)
	if err != nil {
		s.log.Warn().Err(err).Str("video_id", videoID).Int64("bucket", bucket).Msg("crowd emotion read failed")
	}
	if !ok || err != nil {
		return emotion.Default()
	}
	return d
}

// logView пишет просмотр в фоне, кадр его не ждет
func (s *Service) logView(sessionID, userID, videoID string) {
	if s.views == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.views.InsertViewLog(ctx, sessionID, userID, videoID); err != nil {
			s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to save view log")
		}
	}()
}

// HandleEnd снимает сессию из кэша и ставит ее в очередь финализации
func (s *Service) HandleEnd(ctx context.Context, m EndMessage) error {
	ws, ok := s.sessions.Drain(m.SessionID)
	if !ok {
		s.log.Warn().Str("session_id", m.SessionID).Msg("end for unknown session")
		return ErrUnknownSession
	}
	if m.Duration > 0 {
		ws.Duration = m.Duration
	}
	ws.ClientInfo = m.ClientInfo

	if err := s.finalize.Enqueue(finalize.Task{Session: ws, Source: "end"}); err != nil {
		if errors.Is(err, finalize.ErrQueueFull) {
			// Сессию снимет reaper или повторный end
			s.sessions.Restore(ws)
		}
		s.log.Error().Err(err).Str("session_id", m.SessionID).Msg("failed to enqueue finalize task")
		return err
	}

	s.log.Info().
		Str("session_id", m.SessionID).
		Int("frames", len(ws.Frames)).
		Msg("watching ended")
	return nil
}

// Snapshot - живое состояние сессии
func (s *Service) Snapshot(sessionID string) (session.WatchSession, bool) {
	return s.sessions.Get(sessionID)
}
