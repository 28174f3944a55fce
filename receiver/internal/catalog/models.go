package catalog

import (
	"errors"
	"time"
)

var (
	ErrVideoNotFound     = errors.New("video not found")
	ErrRequestNotFound   = errors.New("video request not found")
	ErrRequestNotPending = errors.New("video request already processed")
	ErrDuplicateVideo    = errors.New("video with this youtube url already exists")
)

// Статусы заявки на видео
const (
	RequestPending  = "PENDING"
	RequestAccepted = "ACCEPTED"
	RequestRejected = "REJECTED"
)

// Video - видео каталога
type Video struct {
	ID          string    `json:"video_id"`
	YoutubeURL  string    `json:"youtube_url"`
	Title       string    `json:"title"`
	ChannelName string    `json:"channel_name"`
	Category    string    `json:"category"`
	Duration    int       `json:"duration"`
	CreatedAt   time.Time `json:"created_at"`
}

// VideoRequest - заявка пользователя на добавление видео
type VideoRequest struct {
	ID         string `json:"video_request_id"`
	UserID     string `json:"user_id"`
	YoutubeURL string `json:"youtube_url"`
	Category   string `json:"category"`
	Status     string `json:"status"`
}

// Schema - таблицы, которыми пользуется сервис
const Schema = `
CREATE TABLE IF NOT EXISTS video (
	video_id     VARCHAR(36) PRIMARY KEY,
	youtube_url  VARCHAR(50) NOT NULL UNIQUE,
	title        VARCHAR(255) NOT NULL,
	channel_name VARCHAR(100),
	category     VARCHAR(50) NOT NULL,
	duration     INTEGER NOT NULL DEFAULT 0,
	view_count   BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS video_request (
	video_request_id VARCHAR(36) PRIMARY KEY,
	user_id          VARCHAR(36) NOT NULL,
	youtube_url      VARCHAR(50) NOT NULL,
	category         VARCHAR(50) NOT NULL,
	status           VARCHAR(16) NOT NULL DEFAULT 'PENDING',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS video_view_log (
	video_view_log_id VARCHAR(64) PRIMARY KEY,
	video_id          VARCHAR(36) NOT NULL,
	user_id           VARCHAR(36),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_video_history ON video_view_log (video_id, created_at);

CREATE TABLE IF NOT EXISTS finalize_failures (
	id         BIGSERIAL PRIMARY KEY,
	session_id VARCHAR(64) NOT NULL,
	video_id   VARCHAR(36) NOT NULL,
	stage      VARCHAR(32) NOT NULL,
	attempts   INTEGER NOT NULL,
	cause      TEXT NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
