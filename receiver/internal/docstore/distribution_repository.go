package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/emotion"
)

// DistributionRepository - распределение эмоций видео
type DistributionRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

func objectIDHex(id interface{}) string {
	if oid, ok := id.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(id)
}

func distributionIncrement(label emotion.Label, now time.Time) bson.M {
	return bson.M{
		"$inc": bson.M{
			"counts." + string(label): 1,
			"total_frames":            1,
		},
		"$set":         bson.M{"updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}
}

// derivedSet - поля, которые пересчитываются из счетчиков
func derivedSet(d aggregate.Derived, now time.Time) bson.M {
	return bson.M{
		"emotion_averages":        d.Averages,
		"recommendation_scores":   d.RecommendationScores,
		"dominant_emotion":        d.DominantEmotion,
		"average_completion_rate": d.AverageCompletionRate,
		"category":                d.Category,
		"updated_at":              now,
	}
}

// Increment атомарно увеличивает counts.<label> и total_frames
func (r *DistributionRepository) Increment(ctx context.Context, videoID string, label emotion.Label) (map[emotion.Label]int64, int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{"counts": 1, "total_frames": 1})

	var doc VideoDistribution
	err := withDuplicateRetry(func() error {
		return r.coll.FindOneAndUpdate(ctx,
			bson.M{"video_id": videoID},
			distributionIncrement(label, r.now()),
			opts,
		).Decode(&doc)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to increment distribution: %w", err)
	}
	return doc.Counts, doc.TotalFrames, nil
}

// ApplyDerived записывает производные поля, только если total_frames не изменился.
// false - документ уже обновлен более новым кадром.
func (r *DistributionRepository) ApplyDerived(ctx context.Context, videoID string, snapshotTotal int64, d aggregate.Derived) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"video_id": videoID, "total_frames": snapshotTotal},
		bson.M{"$set": derivedSet(d, r.now())},
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply derived fields: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// ApplyRefold заменяет счетчики и производные поля результатом пересборки
func (r *DistributionRepository) ApplyRefold(ctx context.Context, videoID string, refold aggregate.Refold) error {
	now := r.now()
	set := derivedSet(refold.Derived, now)
	set["counts"] = refold.Counts
	set["total_frames"] = refold.TotalFrames
	set["session_count"] = refold.SessionCount

	_, err := r.coll.UpdateOne(ctx,
		bson.M{"video_id": videoID},
		bson.M{"$set": set, "$setOnInsert": bson.M{"created_at": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to apply refold: %w", err)
	}
	return nil
}

// Get возвращает распределение видео
func (r *DistributionRepository) Get(ctx context.Context, videoID string) (*VideoDistribution, error) {
	var doc VideoDistribution
	if err := r.coll.FindOne(ctx, bson.M{"video_id": videoID}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

// CreateInitial создает пустое распределение для нового видео и возвращает id
func (r *DistributionRepository) CreateInitial(ctx context.Context, videoID, category string) (string, error) {
	doc := newInitialDistribution(videoID, category, r.now())
	res, err := r.coll.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to create distribution: %w", err)
	}
	return objectIDHex(res.InsertedID), nil
}

func newInitialDistribution(videoID, category string, now time.Time) VideoDistribution {
	return VideoDistribution{
		VideoID:   videoID,
		Counts:    emptyLabelCounts(),
		Derived:   aggregate.Derive(nil, 0, category, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
