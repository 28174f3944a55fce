package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/logging"
)

// TTLs настройки времени жизни ключей
type TTLs struct {
	Dedupe   time.Duration
	Timeline time.Duration
	Category time.Duration
	// Отсутствующее видео запоминается ненадолго
	CategoryMiss time.Duration
}

// DefaultTTLs: dedupe 1ч, timeline 3ч, category 24ч, промах категории 1м
func DefaultTTLs() TTLs {
	return TTLs{
		Dedupe:       time.Hour,
		Timeline:     3 * time.Hour,
		Category:     24 * time.Hour,
		CategoryMiss: time.Minute,
	}
}

// RedisStore - dedupe guard, кэш таймлайна и категорий (Infrastructure Layer)
type RedisStore struct {
	client *redis.Client
	ttl    TTLs
	log    zerolog.Logger
}

// NewRedisStore создает новый экземпляр RedisStore
func NewRedisStore(client *redis.Client, ttl TTLs) *RedisStore {
	def := DefaultTTLs()
	if ttl.Dedupe <= 0 {
		ttl.Dedupe = def.Dedupe
	}
	if ttl.Timeline <= 0 {
		ttl.Timeline = def.Timeline
	}
	if ttl.Category <= 0 {
		ttl.Category = def.Category
	}
	if ttl.CategoryMiss <= 0 {
		ttl.CategoryMiss = def.CategoryMiss
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		log:    logging.With("redis"),
	}
}

// ===== Ключи Redis =====

func dedupeKey(sessionID string, bucket int64) string {
	return fmt.Sprintf("facereview:dedupe:%s:%d", sessionID, bucket)
}

func timelineKey(videoID string, bucket int64) string {
	return fmt.Sprintf("facereview:video:%s:timeline:%d", videoID, bucket)
}

func categoryKey(videoID string) string {
	return fmt.Sprintf("facereview:video:%s:category", videoID)
}

// Ping проверяет соединение
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// ===== Dedupe guard =====

// TryClaim выставляет SET NX EX на (session, bucket).
// При ошибке Redis кадр пропускается дальше (fail open).
func (r *RedisStore) TryClaim(ctx context.Context, sessionID string, bucket int64) bool {
	ok, err := r.client.SetNX(ctx, dedupeKey(sessionID, bucket), 1, r.ttl.Dedupe).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Int64("bucket", bucket).Msg("dedupe claim failed, allowing frame")
		return true
	}
	return ok
}

// ===== Кэш таймлайна =====

type crowdEntry struct {
	Percentages emotion.Distribution `json:"percentages"`
	MostEmotion emotion.Label        `json:"most_emotion"`
}

// SetCrowd сохраняет проценты толпы для бакета
func (r *RedisStore) SetCrowd(ctx context.Context, videoID string, bucket int64, d emotion.Distribution) error {
	data, err := json.Marshal(crowdEntry{Percentages: d, MostEmotion: d.Dominant()})
	if err != nil {
		return fmt.Errorf("failed to marshal crowd entry: %w", err)
	}
	return r.client.Set(ctx, timelineKey(videoID, bucket), data, r.ttl.Timeline).Err()
}

// GetCrowd возвращает проценты толпы; ok=false при промахе
func (r *RedisStore) GetCrowd(ctx context.Context, videoID string, bucket int64) (emotion.Distribution, bool, error) {
	data, err := r.client.Get(ctx, timelineKey(videoID, bucket)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return emotion.Distribution{}, false, nil
		}
		return emotion.Distribution{}, false, fmt.Errorf("failed to get crowd entry: %w", err)
	}

	var entry crowdEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return emotion.Distribution{}, false, fmt.Errorf("failed to unmarshal crowd entry: %w", err)
	}
	return entry.Percentages, true, nil
}

// ===== Категории видео =====

// GetCategory: ok=true с пустой категорией - видео недавно не нашлось
func (r *RedisStore) GetCategory(ctx context.Context, videoID string) (string, bool, error) {
	category, err := r.client.Get(ctx, categoryKey(videoID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return category, true, nil
}

func (r *RedisStore) SetCategory(ctx context.Context, videoID, category string) error {
	return r.client.Set(ctx, categoryKey(videoID), category, r.ttl.Category).Err()
}

// SetCategoryMissing запоминает отсутствие видео на CategoryMiss
func (r *RedisStore) SetCategoryMissing(ctx context.Context, videoID string) error {
	return r.client.Set(ctx, categoryKey(videoID), "", r.ttl.CategoryMiss).Err()
}
