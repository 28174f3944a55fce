package aggregate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/metrics"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// Deduper выдает право на агрегацию кадра (session, bucket) один раз
type Deduper interface {
	TryClaim(ctx context.Context, sessionID string, bucket int64) bool
}

// TimelineStore - счетчики меток по бакетам видео
type TimelineStore interface {
	IncrementBucket(ctx context.Context, videoID string, bucket int64, label emotion.Label) (map[emotion.Label]int64, error)
}

// DistributionStore - агрегат распределения эмоций видео
type DistributionStore interface {
	Increment(ctx context.Context, videoID string, label emotion.Label) (map[emotion.Label]int64, int64, error)
	ApplyDerived(ctx context.Context, videoID string, snapshotTotal int64, d Derived) (bool, error)
}

// CrowdCache - быстрый кэш эмоций толпы по бакету
type CrowdCache interface {
	SetCrowd(ctx context.Context, videoID string, bucket int64, d emotion.Distribution) error
}

// CategoryResolver возвращает категорию видео, никогда не падает
type CategoryResolver interface {
	Category(ctx context.Context, videoID string) string
}

// Config настройки агрегатора
type Config struct {
	SamplingRate   float64
	HotPathTimeout time.Duration
}

// Result итог агрегации одного кадра
type Result struct {
	Bucket  int64
	Deduped bool
	Applied bool
}

// Aggregator обновляет живые агрегаты видео на каждый кадр
type Aggregator struct {
	cfg        Config
	dedupe     Deduper
	timeline   TimelineStore
	dist       DistributionStore
	crowd      CrowdCache
	categories CategoryResolver
	log        zerolog.Logger
}

// NewAggregator создает агрегатор
func NewAggregator(cfg Config, dedupe Deduper, timeline TimelineStore, dist DistributionStore, crowd CrowdCache, categories CategoryResolver) *Aggregator {
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 2
	}
	if cfg.HotPathTimeout <= 0 {
		cfg.HotPathTimeout = 300 * time.Millisecond
	}
	return &Aggregator{
		cfg:        cfg,
		dedupe:     dedupe,
		timeline:   timeline,
		dist:       dist,
		crowd:      crowd,
		categories: categories,
		log:        logging.With("aggregate"),
	}
}

// SamplingRate возвращает частоту кадров, по которой считаются бакеты
func (a *Aggregator) SamplingRate() float64 {
	return a.cfg.SamplingRate
}

// Aggregate применяет кадр к агрегатам видео.
// Ошибки хранилищ логируются, кадр выпадает из живого агрегата. Повторов нет.
func (a *Aggregator) Aggregate(ctx context.Context, ev session.FrameEvent) Result {
	start := time.Now()
	defer metrics.ObserveAggregate(start)

	res := Result{Bucket: Bucket(ev.Timestamp, a.cfg.SamplingRate)}

	if !a.claim(ctx, ev.SessionID, res.Bucket) {
		metrics.FramesDeduped.Inc()
		res.Deduped = true
		return res
	}

	bucketCounts, err := a.incrementBucket(ctx, ev, res.Bucket)
	if err != nil {
		a.drop("timeline", ev, err)
		return res
	}

	counts, total, err := a.incrementDistribution(ctx, ev)
	if err != nil {
		a.drop("distribution", ev, err)
		return res
	}
	res.Applied = true

	a.applyDerived(ctx, ev, counts, total)
	a.refreshCrowd(ctx, ev.VideoID, res.Bucket, bucketCounts)
	return res
}

func (a *Aggregator) claim(ctx context.Context, sessionID string, bucket int64) bool {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.HotPathTimeout)
	defer cancel()
	return a.dedupe.TryClaim(ctx, sessionID, bucket)
}

func (a *Aggregator) incrementBucket(ctx context.Context, ev session.FrameEvent, bucket int64) (map[emotion.Label]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.HotPathTimeout)
	defer cancel()
	return a.timeline.IncrementBucket(ctx, ev.VideoID, bucket, ev.Label)
}

func (a *Aggregator) incrementDistribution(ctx context.Context, ev session.FrameEvent) (map[emotion.Label]int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.HotPathTimeout)
	defer cancel()
	return a.dist.Increment(ctx, ev.VideoID, ev.Label)
}

func (a *Aggregator) applyDerived(ctx context.Context, ev session.FrameEvent, counts map[emotion.Label]int64, total int64) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.HotPathTimeout)
	defer cancel()

	category := a.categories.Category(ctx, ev.VideoID)
	completion := CompletionRate(total, ev.Duration, a.cfg.SamplingRate)
	derived := Derive(counts, total, category, completion)

	applied, err := a.dist.ApplyDerived(ctx, ev.VideoID, total, derived)
	if err != nil {
		a.drop("derived", ev, err)
		return
	}
	if !applied {
		// Более новый кадр уже пересчитал поля
		a.log.Debug().Str("video_id", ev.VideoID).Int64("total_frames", total).Msg("stale derived update skipped")
	}
}

func (a *Aggregator) refreshCrowd(ctx context.Context, videoID string, bucket int64, counts map[emotion.Label]int64) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.HotPathTimeout)
	defer cancel()

	if err := a.crowd.SetCrowd(ctx, videoID, bucket, CrowdPercentages(counts)); err != nil {
		a.log.Warn().Err(err).Str("video_id", videoID).Int64("bucket", bucket).Msg("crowd cache refresh failed")
	}
}

func (a *Aggregator) drop(stage string, ev session.FrameEvent, err error) {
	metrics.RealtimeDropped.WithLabelValues(stage).Inc()
	a.log.Error().Err(err).
		Str("stage", stage).
		Str("session_id", ev.SessionID).
		Str("video_id", ev.VideoID).
		Float64("timestamp", ev.Timestamp).
		Msg("frame dropped from realtime aggregate")
}
