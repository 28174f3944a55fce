package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Krimson/facereview/receiver/internal/docstore"
	"github.com/Krimson/facereview/receiver/internal/saga"
)

// SagaApproveVideoRequest - имя саги одобрения заявки
const SagaApproveVideoRequest = "approve_video_request"

// DistributionCreator создает пустое распределение нового видео
type DistributionCreator interface {
	CreateInitial(ctx context.Context, videoID, category string) (string, error)
}

// TimelineCreator создает пустые счетчики таймлайна
type TimelineCreator interface {
	CreateEmpty(ctx context.Context, videoID string) (string, error)
}

// ApproveInput - данные, которые администратор добавляет к заявке
type ApproveInput struct {
	RequestID   string `json:"-"`
	Title       string `json:"youtube_title" validate:"required,max=255"`
	ChannelName string `json:"channel_name" validate:"max=100"`
	Duration    int    `json:"duration" validate:"gte=0"`
}

// ApproveResult - итог одобрения
type ApproveResult struct {
	VideoID       string `json:"video_id"`
	TransactionID string `json:"transaction_id"`
}

// Approver одобряет заявки: строка в PostgreSQL и документы в MongoDB через сагу
type Approver struct {
	repo     *PostgresRepository
	dist     DistributionCreator
	timeline TimelineCreator
	logs     saga.LogStore
	reverter saga.Reverter
}

func NewApprover(repo *PostgresRepository, dist DistributionCreator, timeline TimelineCreator, logs saga.LogStore, reverter saga.Reverter) *Approver {
	return &Approver{
		repo:     repo,
		dist:     dist,
		timeline: timeline,
		logs:     logs,
		reverter: reverter,
	}
}

// txRollback откатывает транзакцию; уже завершенная транзакция не ошибка
type txRollback struct {
	tx *sql.Tx
}

func (t txRollback) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// ApproveVideoRequest создает видео по заявке.
// Транзакция PostgreSQL фиксируется последним шагом, после создания документов.
func (a *Approver) ApproveVideoRequest(ctx context.Context, in ApproveInput) (*ApproveResult, error) {
	tx, err := a.repo.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	rollback := txRollback{tx: tx}

	video := &Video{
		ID:          uuid.New().String(),
		Title:       in.Title,
		ChannelName: in.ChannelName,
		Duration:    in.Duration,
		CreatedAt:   a.repo.now(),
	}

	o := saga.New(SagaApproveVideoRequest, a.logs).WithMetadata(map[string]interface{}{
		"video_request_id": in.RequestID,
		"video_id":         video.ID,
	})
	compensate := saga.RevertWith(a.reverter)

	o.AddStep(saga.Step{
		Name: "create_video_row",
		Execute: func(ctx context.Context) (interface{}, error) {
			req, err := a.repo.lockPendingRequest(ctx, tx, in.RequestID)
			if err != nil {
				return nil, err
			}
			video.YoutubeURL = req.YoutubeURL
			video.Category = req.Category
			if err := a.repo.insertVideo(ctx, tx, video); err != nil {
				return nil, err
			}
			return nil, a.repo.setRequestStatus(ctx, tx, in.RequestID, RequestAccepted)
		},
		Extract:    func(interface{}) saga.Compensation { return saga.RollbackCompensation{Tx: rollback} },
		Compensate: compensate,
	})

	o.AddStep(saga.Step{
		Name: "create_distribution",
		Execute: func(ctx context.Context) (interface{}, error) {
			return a.dist.CreateInitial(ctx, video.ID, video.Category)
		},
		Extract: func(res interface{}) saga.Compensation {
			return saga.InsertCompensation{Collection: docstore.CollectionDistribution, ID: res.(string)}
		},
		Compensate: compensate,
	})

	o.AddStep(saga.Step{
		Name: "create_timeline",
		Execute: func(ctx context.Context) (interface{}, error) {
			return a.timeline.CreateEmpty(ctx, video.ID)
		},
		Extract: func(res interface{}) saga.Compensation {
			return saga.InsertCompensation{Collection: docstore.CollectionTimeline, ID: res.(string)}
		},
		Compensate: compensate,
	})

	o.AddStep(saga.Step{
		Name: "commit_video_row",
		Execute: func(ctx context.Context) (interface{}, error) {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit video: %w", err)
			}
			return nil, nil
		},
	})

	result := &ApproveResult{VideoID: video.ID, TransactionID: o.TransactionID()}
	if err := o.Execute(ctx); err != nil {
		// Шаг мог не дойти до компенсации: транзакция не должна остаться открытой
		rollback.Rollback()
		return result, err
	}
	return result, nil
}
