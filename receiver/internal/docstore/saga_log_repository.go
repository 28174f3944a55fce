package docstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/Krimson/facereview/receiver/internal/saga"
)

// SagaLogRepository реализует saga.LogStore
type SagaLogRepository struct {
	coll *mongo.Collection
}

func (r *SagaLogRepository) Create(ctx context.Context, log *saga.TransactionLog) error {
	if _, err := r.coll.InsertOne(ctx, log); err != nil {
		return fmt.Errorf("failed to create saga log: %w", err)
	}
	return nil
}

func (r *SagaLogRepository) SaveStep(ctx context.Context, transactionID string, index int, step saga.StepRecord) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"transaction_id": transactionID},
		bson.M{"$set": bson.M{"steps." + strconv.Itoa(index): step}},
	)
	if err != nil {
		return fmt.Errorf("failed to save saga step: %w", err)
	}
	return nil
}

// statusUpdate - $set для перехода статуса
func statusUpdate(status saga.Status, errMsg string, at time.Time) bson.M {
	set := bson.M{"status": status}
	if field := saga.StatusTimeField(status); field != "" {
		set[field] = at
	}
	if errMsg != "" {
		set["error_message"] = errMsg
	}
	return bson.M{"$set": set}
}

func (r *SagaLogRepository) SetStatus(ctx context.Context, transactionID string, status saga.Status, errMsg string, at time.Time) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"transaction_id": transactionID}, statusUpdate(status, errMsg, at))
	if err != nil {
		return fmt.Errorf("failed to set saga status: %w", err)
	}
	return nil
}

func (r *SagaLogRepository) Get(ctx context.Context, transactionID string) (*saga.TransactionLog, error) {
	var log saga.TransactionLog
	if err := r.coll.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&log); err != nil {
		if notFound(err) == ErrNotFound {
			return nil, saga.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get saga log: %w", err)
	}
	return &log, nil
}

// DeleteTerminalBefore удаляет completed/compensated журналы старше before
func (r *SagaLogRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": saga.CollectableStatuses},
		"created_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old saga logs: %w", err)
	}
	return res.DeletedCount, nil
}
