package docstore

import (
	"context"
	"strings"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/saga"
)

// MemoryURI выбирает хранилище в памяти вместо MongoDB
const MemoryURI = "memory://"

type Timeline interface {
	IncrementBucket(ctx context.Context, videoID string, bucket int64, label emotion.Label) (map[emotion.Label]int64, error)
	Get(ctx context.Context, videoID string) (*TimelineCounts, error)
	CreateEmpty(ctx context.Context, videoID string) (string, error)
}

type Distributions interface {
	Increment(ctx context.Context, videoID string, label emotion.Label) (map[emotion.Label]int64, int64, error)
	ApplyDerived(ctx context.Context, videoID string, snapshotTotal int64, d aggregate.Derived) (bool, error)
	ApplyRefold(ctx context.Context, videoID string, refold aggregate.Refold) error
	Get(ctx context.Context, videoID string) (*VideoDistribution, error)
	CreateInitial(ctx context.Context, videoID, category string) (string, error)
}

type SessionRecords interface {
	Upsert(ctx context.Context, rec *SessionRecord) (bool, error)
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	ListByVideo(ctx context.Context, videoID string) ([]SessionRecord, error)
}

// Backend - репозитории документов поверх MongoDB или памяти
type Backend struct {
	Timeline       Timeline
	Distributions  Distributions
	SessionRecords SessionRecords
	SagaLogs       saga.LogStore
	Reverter       saga.Reverter

	ping  func(ctx context.Context) error
	close func(ctx context.Context) error
}

func (b *Backend) Ping(ctx context.Context) error  { return b.ping(ctx) }
func (b *Backend) Close(ctx context.Context) error { return b.close(ctx) }

// Open подключается к MongoDB, создает индексы и мигрирует таймлайн.
// URI memory:// дает хранилище в памяти процесса.
func Open(ctx context.Context, uri, database string, samplingRate float64) (*Backend, error) {
	if strings.HasPrefix(uri, MemoryURI) {
		return NewMemoryStore().Backend(), nil
	}

	s, err := Connect(ctx, uri, database)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	if _, err := s.MigrateTimelineCounts(ctx, samplingRate); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s.Backend(), nil
}

func (s *Store) Backend() *Backend {
	return &Backend{
		Timeline:       s.Timeline,
		Distributions:  s.Distributions,
		SessionRecords: s.SessionRecords,
		SagaLogs:       s.SagaLogs,
		Reverter:       s,
		ping:           s.Ping,
		close:          s.Close,
	}
}

func (m *MemoryStore) Backend() *Backend {
	return &Backend{
		Timeline:       m.Timeline,
		Distributions:  m.Distributions,
		SessionRecords: m.SessionRecords,
		SagaLogs:       m.SagaLogs,
		Reverter:       m,
		ping:           m.Ping,
		close:          m.Close,
	}
}
