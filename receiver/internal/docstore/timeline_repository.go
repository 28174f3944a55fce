package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/emotion"
)

// TimelineRepository - счетчики меток по бакетам, только $inc
type TimelineRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

func bucketPath(bucket int64, label emotion.Label) string {
	return "counts." + aggregate.BucketKey(bucket) + "." + string(label)
}

// timelineIncrement - update для атомарного увеличения счетчика
func timelineIncrement(bucket int64, label emotion.Label, now time.Time) bson.M {
	return bson.M{
		"$inc": bson.M{bucketPath(bucket, label): 1},
		"$setOnInsert": bson.M{
			"schema_version": TimelineSchemaVersion,
			"emotion_labels": emotion.Labels[:],
			"created_at":     now,
		},
	}
}

// IncrementBucket увеличивает counts.<bucket>.<label> и возвращает счетчики бакета
func (r *TimelineRepository) IncrementBucket(ctx context.Context, videoID string, bucket int64, label emotion.Label) (map[emotion.Label]int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{"counts." + aggregate.BucketKey(bucket): 1})

	var doc TimelineCounts
	err := withDuplicateRetry(func() error {
		return r.coll.FindOneAndUpdate(ctx,
			bson.M{"video_id": videoID},
			timelineIncrement(bucket, label, r.now()),
			opts,
		).Decode(&doc)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment timeline bucket: %w", err)
	}
	return doc.BucketCounts(bucket), nil
}

// Get возвращает счетчики таймлайна видео
func (r *TimelineRepository) Get(ctx context.Context, videoID string) (*TimelineCounts, error) {
	var doc TimelineCounts
	if err := r.coll.FindOne(ctx, bson.M{"video_id": videoID}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

// CreateEmpty создает пустой документ таймлайна и возвращает его id
func (r *TimelineRepository) CreateEmpty(ctx context.Context, videoID string) (string, error) {
	doc := TimelineCounts{
		VideoID:       videoID,
		SchemaVersion: TimelineSchemaVersion,
		EmotionLabels: emotion.Labels[:],
		Counts:        map[string]map[emotion.Label]int64{},
		CreatedAt:     r.now(),
	}
	res, err := r.coll.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to create timeline document: %w", err)
	}
	return objectIDHex(res.InsertedID), nil
}

// Одновременный upsert двух кадров может упасть на уникальном индексе; второй проход находит документ
func withDuplicateRetry(op func() error) error {
	err := op()
	if err != nil && mongo.IsDuplicateKeyError(err) {
		err = op()
	}
	return err
}
