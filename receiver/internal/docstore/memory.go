package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Krimson/facereview/receiver/internal/aggregate"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/saga"
)

// MemoryStore - заглушка документного хранилища в памяти процесса.
// Используется в тестах и при MONGO_URI=memory://.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	timeline map[string]*TimelineCounts
	dists    map[string]*VideoDistribution
	records  map[string]*SessionRecord
	sagaLogs map[string]*saga.TransactionLog

	Timeline       *MemoryTimeline
	Distributions  *MemoryDistributions
	SessionRecords *MemorySessionRecords
	SagaLogs       *MemorySagaLogs

	// FailSessionUpserts > 0 - столько следующих Upsert вернут ошибку
	FailSessionUpserts int
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		timeline: make(map[string]*TimelineCounts),
		dists:    make(map[string]*VideoDistribution),
		records:  make(map[string]*SessionRecord),
		sagaLogs: make(map[string]*saga.TransactionLog),
	}
	m.Timeline = &MemoryTimeline{m}
	m.Distributions = &MemoryDistributions{m}
	m.SessionRecords = &MemorySessionRecords{m}
	m.SagaLogs = &MemorySagaLogs{m}
	return m
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close(ctx context.Context) error { return nil }

// ===== Timeline =====

type MemoryTimeline struct{ m *MemoryStore }

func (t *MemoryTimeline) IncrementBucket(ctx context.Context, videoID string, bucket int64, label emotion.Label) (map[emotion.Label]int64, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	doc, ok := t.m.timeline[videoID]
	if !ok {
		doc = &TimelineCounts{
			ID:            primitive.NewObjectID(),
			VideoID:       videoID,
			SchemaVersion: TimelineSchemaVersion,
			EmotionLabels: emotion.Labels[:],
			Counts:        make(map[string]map[emotion.Label]int64),
			CreatedAt:     t.m.now(),
		}
		t.m.timeline[videoID] = doc
	}
	key := aggregate.BucketKey(bucket)
	if doc.Counts[key] == nil {
		doc.Counts[key] = make(map[emotion.Label]int64)
	}
	doc.Counts[key][label]++
	return doc.BucketCounts(bucket), nil
}

func (t *MemoryTimeline) Get(ctx context.Context, videoID string) (*TimelineCounts, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	doc, ok := t.m.timeline[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	cp.Counts = make(map[string]map[emotion.Label]int64, len(doc.Counts))
	for k, v := range doc.Counts {
		inner := make(map[emotion.Label]int64, len(v))
		for l, n := range v {
			inner[l] = n
		}
		cp.Counts[k] = inner
	}
	return &cp, nil
}

func (t *MemoryTimeline) CreateEmpty(ctx context.Context, videoID string) (string, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if _, ok := t.m.timeline[videoID]; ok {
		return "", fmt.Errorf("failed to create timeline document: duplicate video_id %s", videoID)
	}
	doc := &TimelineCounts{
		ID:            primitive.NewObjectID(),
		VideoID:       videoID,
		SchemaVersion: TimelineSchemaVersion,
		EmotionLabels: emotion.Labels[:],
		Counts:        make(map[string]map[emotion.Label]int64),
		CreatedAt:     t.m.now(),
	}
	t.m.timeline[videoID] = doc
	return doc.ID.Hex(), nil
}

// ===== Distributions =====

type MemoryDistributions struct{ m *MemoryStore }

func (d *MemoryDistributions) getOrCreate(videoID string) *VideoDistribution {
	doc, ok := d.m.dists[videoID]
	if !ok {
		now := d.m.now()
		doc = &VideoDistribution{
			ID:        primitive.NewObjectID(),
			VideoID:   videoID,
			Counts:    make(map[emotion.Label]int64),
			CreatedAt: now,
			UpdatedAt: now,
		}
		d.m.dists[videoID] = doc
	}
	return doc
}

func (d *MemoryDistributions) Increment(ctx context.Context, videoID string, label emotion.Label) (map[emotion.Label]int64, int64, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	doc := d.getOrCreate(videoID)
	doc.Counts[label]++
	doc.TotalFrames++
	doc.UpdatedAt = d.m.now()

	counts := make(map[emotion.Label]int64, len(doc.Counts))
	for l, n := range doc.Counts {
		counts[l] = n
	}
	return counts, doc.TotalFrames, nil
}

func (d *MemoryDistributions) ApplyDerived(ctx context.Context, videoID string, snapshotTotal int64, derived aggregate.Derived) (bool, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	doc, ok := d.m.dists[videoID]
	if !ok || doc.TotalFrames != snapshotTotal {
		return false, nil
	}
	doc.Derived = derived
	doc.UpdatedAt = d.m.now()
	return true, nil
}

func (d *MemoryDistributions) ApplyRefold(ctx context.Context, videoID string, refold aggregate.Refold) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	doc := d.getOrCreate(videoID)
	doc.Counts = make(map[emotion.Label]int64, len(refold.Counts))
	for l, n := range refold.Counts {
		doc.Counts[l] = n
	}
	doc.TotalFrames = refold.TotalFrames
	doc.SessionCount = refold.SessionCount
	doc.Derived = refold.Derived
	doc.UpdatedAt = d.m.now()
	return nil
}

func (d *MemoryDistributions) Get(ctx context.Context, videoID string) (*VideoDistribution, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	doc, ok := d.m.dists[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (d *MemoryDistributions) CreateInitial(ctx context.Context, videoID, category string) (string, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if _, ok := d.m.dists[videoID]; ok {
		return "", fmt.Errorf("failed to create distribution: duplicate video_id %s", videoID)
	}
	doc := newInitialDistribution(videoID, category, d.m.now())
	doc.ID = primitive.NewObjectID()
	d.m.dists[videoID] = &doc
	return doc.ID.Hex(), nil
}

// ===== Session records =====

type MemorySessionRecords struct{ m *MemoryStore }

func (s *MemorySessionRecords) Upsert(ctx context.Context, rec *SessionRecord) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if s.m.FailSessionUpserts > 0 {
		s.m.FailSessionUpserts--
		return false, fmt.Errorf("failed to upsert session record: injected failure")
	}
	if _, ok := s.m.records[rec.SessionID]; ok {
		return false, nil
	}
	cp := *rec
	cp.ID = primitive.NewObjectID()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.m.now()
	}
	s.m.records[rec.SessionID] = &cp
	return true, nil
}

func (s *MemorySessionRecords) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	rec, ok := s.m.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemorySessionRecords) Exists(ctx context.Context, sessionID string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	_, ok := s.m.records[sessionID]
	return ok, nil
}

func (s *MemorySessionRecords) ListByVideo(ctx context.Context, videoID string) ([]SessionRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var out []SessionRecord
	for _, rec := range s.m.records {
		if rec.VideoID == videoID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Count - число записей сессий
func (s *MemorySessionRecords) Count() int {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return len(s.m.records)
}

// ===== Saga logs =====

type MemorySagaLogs struct{ m *MemoryStore }

func (l *MemorySagaLogs) Create(ctx context.Context, log *saga.TransactionLog) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if _, ok := l.m.sagaLogs[log.TransactionID]; ok {
		return fmt.Errorf("failed to create saga log: duplicate transaction_id %s", log.TransactionID)
	}
	cp := *log
	cp.Steps = append([]saga.StepRecord(nil), log.Steps...)
	l.m.sagaLogs[log.TransactionID] = &cp
	return nil
}

func (l *MemorySagaLogs) SaveStep(ctx context.Context, transactionID string, index int, step saga.StepRecord) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	log, ok := l.m.sagaLogs[transactionID]
	if !ok || index < 0 || index >= len(log.Steps) {
		return saga.ErrNotFound
	}
	log.Steps[index] = step
	return nil
}

func (l *MemorySagaLogs) SetStatus(ctx context.Context, transactionID string, status saga.Status, errMsg string, at time.Time) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	log, ok := l.m.sagaLogs[transactionID]
	if !ok {
		return saga.ErrNotFound
	}
	log.ApplyStatus(status, errMsg, at)
	return nil
}

func (l *MemorySagaLogs) Get(ctx context.Context, transactionID string) (*saga.TransactionLog, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	log, ok := l.m.sagaLogs[transactionID]
	if !ok {
		return nil, saga.ErrNotFound
	}
	cp := *log
	cp.Steps = append([]saga.StepRecord(nil), log.Steps...)
	return &cp, nil
}

func (l *MemorySagaLogs) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	var n int64
	for id, log := range l.m.sagaLogs {
		if log.Status.Collectable() && log.CreatedAt.Before(before) {
			delete(l.m.sagaLogs, id)
			n++
		}
	}
	return n, nil
}

// ===== saga.Reverter =====

func (m *MemoryStore) DeleteDocument(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch collection {
	case CollectionDistribution:
		for k, doc := range m.dists {
			if doc.ID.Hex() == id {
				delete(m.dists, k)
			}
		}
	case CollectionTimeline:
		for k, doc := range m.timeline {
			if doc.ID.Hex() == id {
				delete(m.timeline, k)
			}
		}
	default:
		return fmt.Errorf("memory store: unsupported collection %s", collection)
	}
	return nil
}

func (m *MemoryStore) RestoreDocument(ctx context.Context, collection, id string, previous map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if collection != CollectionDistribution {
		return fmt.Errorf("memory store: unsupported collection %s", collection)
	}
	for _, doc := range m.dists {
		if doc.ID.Hex() != id {
			continue
		}
		if v, ok := previous["category"].(string); ok {
			doc.Category = v
		}
		if v, ok := previous["total_frames"].(int64); ok {
			doc.TotalFrames = v
		}
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) ReinsertDocument(ctx context.Context, collection string, doc map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if collection != CollectionDistribution {
		return fmt.Errorf("memory store: unsupported collection %s", collection)
	}
	videoID, _ := doc["video_id"].(string)
	if videoID == "" {
		return fmt.Errorf("memory store: document without video_id")
	}
	if _, ok := m.dists[videoID]; ok {
		return nil
	}
	category, _ := doc["category"].(string)
	restored := newInitialDistribution(videoID, category, m.now())
	restored.ID = primitive.NewObjectID()
	m.dists[videoID] = &restored
	return nil
}
