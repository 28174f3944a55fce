package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store - подключение к MongoDB и репозитории поверх него (Infrastructure Layer)
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time

	Timeline       *TimelineRepository
	Distributions  *DistributionRepository
	SessionRecords *SessionRecordRepository
	SagaLogs       *SagaLogRepository
}

// Connect подключается к MongoDB и проверяет соединение
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetRetryWrites(true))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return NewStore(client, database), nil
}

// NewStore создает репозитории поверх готового клиента
func NewStore(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	now := func() time.Time { return time.Now().UTC() }

	return &Store{
		client:         client,
		db:             db,
		now:            now,
		Timeline:       &TimelineRepository{coll: db.Collection(CollectionTimeline), now: now},
		Distributions:  &DistributionRepository{coll: db.Collection(CollectionDistribution), now: now},
		SessionRecords: &SessionRecordRepository{coll: db.Collection(CollectionSessionRecords), now: now},
		SagaLogs:       &SagaLogRepository{coll: db.Collection(CollectionSagaLog)},
	}
}

// Close закрывает соединение
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping проверяет соединение
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// EnsureIndexes создает уникальные индексы, на которых держится идемпотентность
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	indexes := map[string][]mongo.IndexModel{
		CollectionSessionRecords: {
			{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "video_id", Value: 1}}},
		},
		CollectionTimeline: {
			{Keys: bson.D{{Key: "video_id", Value: 1}}, Options: unique},
		},
		CollectionDistribution: {
			{Keys: bson.D{{Key: "video_id", Value: 1}}, Options: unique},
		},
		CollectionSagaLog: {
			{Keys: bson.D{{Key: "transaction_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}

	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// ===== saga.Reverter =====

func parseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("invalid document id %q: %w", id, err)
	}
	return oid, nil
}

// DeleteDocument удаляет вставленный шагом документ
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": oid}); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// RestoreDocument возвращает прежние значения полей
func (s *Store) RestoreDocument(ctx context.Context, collection, id string, previous map[string]interface{}) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	fields := bson.M{}
	for k, v := range previous {
		if k == "_id" {
			continue
		}
		fields[k] = v
	}
	if len(fields) == 0 {
		return nil
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to restore %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("failed to restore %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// ReinsertDocument вставляет удаленный шагом документ обратно
func (s *Store) ReinsertDocument(ctx context.Context, collection string, doc map[string]interface{}) error {
	_, err := s.db.Collection(collection).InsertOne(ctx, bson.M(doc))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to reinsert into %s: %w", collection, err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
