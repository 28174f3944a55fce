package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation - код ошибки PostgreSQL для нарушения уникальности
const uniqueViolation = "23505"

// PostgresRepository - реляционная часть каталога
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// NewPostgresRepositoryFromDSN создает репозиторий из строки подключения
func NewPostgresRepositoryFromDSN(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgresRepository(db), nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// EnsureSchema создает недостающие таблицы
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// VideoCategory - категория видео для весов рекомендаций
func (r *PostgresRepository) VideoCategory(ctx context.Context, videoID string) (string, error) {
	var category string
	err := r.db.QueryRowContext(ctx, `SELECT category FROM video WHERE video_id = $1`, videoID).Scan(&category)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrVideoNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get video category: %w", err)
	}
	return category, nil
}

// InsertViewLog записывает просмотр один раз на сессию.
// Возвращает false, если запись уже была.
func (r *PostgresRepository) InsertViewLog(ctx context.Context, sessionID, userID, videoID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO video_view_log (video_view_log_id, video_id, user_id, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (video_view_log_id) DO NOTHING
	`, sessionID, videoID, userID, r.now())
	if err != nil {
		return false, fmt.Errorf("failed to insert view log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert view log: %w", err)
	}
	return n > 0, nil
}

// RecordFinalizeFailure сохраняет задачу финализации, исчерпавшую попытки
func (r *PostgresRepository) RecordFinalizeFailure(ctx context.Context, sessionID, videoID, stage string, attempts int, cause string, payload []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO finalize_failures (session_id, video_id, stage, attempts, cause, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sessionID, videoID, stage, attempts, cause, payload, r.now())
	if err != nil {
		return fmt.Errorf("failed to record finalize failure: %w", err)
	}
	return nil
}

// ===== Операции внутри транзакции =====

func (r *PostgresRepository) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// lockPendingRequest блокирует заявку до конца транзакции
func (r *PostgresRepository) lockPendingRequest(ctx context.Context, tx *sql.Tx, requestID string) (*VideoRequest, error) {
	var req VideoRequest
	err := tx.QueryRowContext(ctx, `
		SELECT video_request_id, user_id, youtube_url, category, status
		FROM video_request
		WHERE video_request_id = $1
		FOR UPDATE
	`, requestID).Scan(&req.ID, &req.UserID, &req.YoutubeURL, &req.Category, &req.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video request: %w", err)
	}
	if req.Status != RequestPending {
		return nil, ErrRequestNotPending
	}
	return &req, nil
}

func (r *PostgresRepository) insertVideo(ctx context.Context, tx *sql.Tx, v *Video) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO video (video_id, youtube_url, title, channel_name, category, duration, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, v.ID, v.YoutubeURL, v.Title, v.ChannelName, v.Category, v.Duration, v.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateVideo
	}
	if err != nil {
		return fmt.Errorf("failed to insert video: %w", err)
	}
	return nil
}

func (r *PostgresRepository) setRequestStatus(ctx context.Context, tx *sql.Tx, requestID, status string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE video_request SET status = $1, updated_at = $2 WHERE video_request_id = $3
	`, status, r.now(), requestID)
	if err != nil {
		return fmt.Errorf("failed to update video request: %w", err)
	}
	return nil
}
