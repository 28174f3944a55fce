package cache

import (
	"context"
	"errors"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/catalog"
)

// CategorySource - источник категорий за кэшем (реляционная БД)
type CategorySource interface {
	VideoCategory(ctx context.Context, videoID string) (string, error)
}

// CategoryResolver: Redis -> источник -> "etc"
type CategoryResolver struct {
	store  *RedisStore
	source CategorySource
}

func NewCategoryResolver(store *RedisStore, source CategorySource) *CategoryResolver {
	return &CategoryResolver{store: store, source: source}
}

// Category никогда не возвращает ошибку
func (c *CategoryResolver) Category(ctx context.Context, videoID string) string {
	category, ok, err := c.store.GetCategory(ctx, videoID)
	if err != nil {
		c.store.log.Warn().Err(err).Str("video_id", videoID).Msg("category cache read failed")
	}
	if ok {
		if category == "" {
			return aggregate.DefaultCategory
		}
		return category
	}

	if c.source == nil {
		return aggregate.DefaultCategory
	}

	category, err = c.source.VideoCategory(ctx, videoID)
	if errors.Is(err, catalog.ErrVideoNotFound) {
		if err := c.store.SetCategoryMissing(ctx, videoID); err != nil {
			c.store.log.Warn().Err(err).Str("video_id", videoID).Msg("category cache write failed")
		}
		return aggregate.DefaultCategory
	}
	if err != nil || category == "" {
		if err != nil {
			c.store.log.Warn().Err(err).Str("video_id", videoID).Msg("category lookup failed")
		}
		return aggregate.DefaultCategory
	}

	if err := c.store.SetCategory(ctx, videoID, category); err != nil {
		c.store.log.Warn().Err(err).Str("video_id", videoID).Msg("category cache write failed")
	}
	return category
}
