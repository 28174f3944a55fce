package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionRecordRepository - итоговые записи сессий
type SessionRecordRepository struct {
	coll *mongo.Collection
	now  func() time.Time
}

// Upsert вставляет запись, если записи с таким session_id еще нет.
// inserted=false - сессия уже финализирована, документ не изменен.
func (r *SessionRecordRepository) Upsert(ctx context.Context, rec *SessionRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}

	var inserted bool
	err := withDuplicateRetry(func() error {
		res, err := r.coll.UpdateOne(ctx,
			bson.M{"session_id": rec.SessionID},
			bson.M{"$setOnInsert": rec},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return err
		}
		inserted = res.UpsertedCount > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert session record: %w", err)
	}
	return inserted, nil
}

// Get возвращает запись сессии
func (r *SessionRecordRepository) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := r.coll.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&rec); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// Exists проверяет, финализирована ли сессия
func (r *SessionRecordRepository) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"session_id": sessionID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check session record: %w", err)
	}
	return n > 0, nil
}

// ListByVideo возвращает записи видео только с полями, нужными для пересборки
func (r *SessionRecordRepository) ListByVideo(ctx context.Context, videoID string) ([]SessionRecord, error) {
	opts := options.Find().SetProjection(bson.M{
		"session_id":      1,
		"label_counts":    1,
		"frame_count":     1,
		"completion_rate": 1,
	})

	cursor, err := r.coll.Find(ctx, bson.M{"video_id": videoID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []SessionRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode session records: %w", err)
	}
	return records, nil
}
