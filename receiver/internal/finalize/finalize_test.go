package finalize

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Krimson/facereview/receiver/internal/docstore"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// watchSession строит сессию из n кадров одной эмоции с частотой 2 кадра/с
func watchSession(id, videoID string, label emotion.Label, n int, duration float64) session.WatchSession {
	ws := session.WatchSession{
		SessionID: id,
		UserID:    "u-" + id,
		VideoID:   videoID,
		Duration:  duration,
	}
	var d emotion.Distribution
	d[emotion.Index(label)] = 100
	for i := 0; i < n; i++ {
		ws.Frames = append(ws.Frames, session.Frame{
			Timestamp: float64(i) * 0.5,
			Emotions:  d,
			Label:     label,
		})
	}
	return ws
}

type staticCategory string

func (c staticCategory) Category(ctx context.Context, videoID string) string { return string(c) }

type failure struct {
	sessionID string
	stage     string
	attempts  int
}

// TestSink собирает терминальные ошибки
type TestSink struct {
	mu       sync.Mutex
	failures []failure
}

func (s *TestSink) RecordFinalizeFailure(ctx context.Context, sessionID, videoID, stage string, attempts int, cause string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{sessionID, stage, attempts})
	return nil
}

func newTestQueue(store *docstore.MemoryStore, sink FailureSink) *Queue {
	return NewQueue(Config{
		Workers:      2,
		QueueSize:    16,
		MaxAttempts:  3,
		RetryInitial: time.Millisecond,
		SamplingRate: 2,
	}, store.SessionRecords, store.Distributions, staticCategory("etc"), sink)
}

func TestFinalize_HappySession(t *testing.T) {
	store := docstore.NewMemoryStore()
	q := newTestQueue(store, &TestSink{})
	defer q.Stop(time.Second)

	if err := q.Finalize(context.Background(), watchSession("s1", "v1", emotion.Happy, 20, 10)); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	rec, err := store.SessionRecords.Get(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.CompletionRate != 1.0 {
		t.Errorf("CompletionRate = %v, want 1.0", rec.CompletionRate)
	}
	if rec.DominantEmotion != emotion.Happy {
		t.Errorf("DominantEmotion = %s, want happy", rec.DominantEmotion)
	}
	if rec.EmotionPercentages[emotion.Happy] != 1.0 {
		t.Errorf("happy = %v, want 1.0", rec.EmotionPercentages[emotion.Happy])
	}

	dist, err := store.Distributions.Get(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	if dist.Averages[emotion.Happy] != 1.0 {
		t.Errorf("averages happy = %v, want 1.0", dist.Averages[emotion.Happy])
	}
	if dist.AverageCompletionRate != 1.0 {
		t.Errorf("average_completion_rate = %v", dist.AverageCompletionRate)
	}
}

func TestFinalize_TwiceNoDoubleCount(t *testing.T) {
	store := docstore.NewMemoryStore()
	q := newTestQueue(store, &TestSink{})
	defer q.Stop(time.Second)

	ws := watchSession("s1", "v1", emotion.Happy, 20, 10)
	for i := 0; i < 2; i++ {
		if err := q.Finalize(context.Background(), ws); err != nil {
			t.Fatalf("Finalize() #%d error = %v", i, err)
		}
	}

	if store.SessionRecords.Count() != 1 {
		t.Errorf("записей сессий = %d, want 1", store.SessionRecords.Count())
	}
	dist, _ := store.Distributions.Get(context.Background(), "v1")
	if dist.TotalFrames != 20 || dist.SessionCount != 1 {
		t.Errorf("total_frames = %d session_count = %d, want 20 и 1", dist.TotalFrames, dist.SessionCount)
	}
	if dist.Counts[emotion.Happy] != 20 {
		t.Errorf("counts happy = %d, want 20", dist.Counts[emotion.Happy])
	}
}

func TestFinalize_TwoSessionsSplitAverages(t *testing.T) {
	store := docstore.NewMemoryStore()
	q := newTestQueue(store, &TestSink{})

	q.Enqueue(Task{Session: ptr(watchSession("s1", "v1", emotion.Happy, 20, 10)), Source: "end"})
	q.Enqueue(Task{Session: ptr(watchSession("s2", "v1", emotion.Sad, 20, 10)), Source: "end"})
	q.Stop(2 * time.Second)

	dist, err := store.Distributions.Get(context.Background(), "v1")
	if err != nil {
		t.Fatal(err)
	}
	if dist.Averages[emotion.Happy] != 0.5 || dist.Averages[emotion.Sad] != 0.5 {
		t.Errorf("averages = %v, want happy 0.5 sad 0.5", dist.Averages)
	}
	if dist.SessionCount != 2 {
		t.Errorf("session_count = %d, want 2", dist.SessionCount)
	}
}

func TestFinalize_RetriesThenSucceeds(t *testing.T) {
	store := docstore.NewMemoryStore()
	store.FailSessionUpserts = 2
	sink := &TestSink{}
	q := newTestQueue(store, sink)
	defer q.Stop(time.Second)

	if err := q.Finalize(context.Background(), watchSession("s1", "v1", emotion.Happy, 4, 2)); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if len(sink.failures) != 0 {
		t.Errorf("неожиданные ошибки: %v", sink.failures)
	}
}

func TestFinalize_ExhaustedGoesToSink(t *testing.T) {
	store := docstore.NewMemoryStore()
	store.FailSessionUpserts = 3
	sink := &TestSink{}
	q := newTestQueue(store, sink)
	defer q.Stop(time.Second)

	if err := q.Finalize(context.Background(), watchSession("s1", "v1", emotion.Happy, 4, 2)); err == nil {
		t.Fatal("ожидалась ошибка после исчерпания попыток")
	}
	if len(sink.failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(sink.failures))
	}
	f := sink.failures[0]
	if f.sessionID != "s1" || f.stage != "upsert" || f.attempts != 3 {
		t.Errorf("failure = %+v", f)
	}
	if store.SessionRecords.Count() != 0 {
		t.Error("запись не должна появиться")
	}
}

func TestQueue_EmptySessionSkipped(t *testing.T) {
	store := docstore.NewMemoryStore()
	q := newTestQueue(store, &TestSink{})

	empty := watchSession("s1", "v1", emotion.Happy, 0, 10)
	q.Enqueue(Task{Session: &empty})
	q.Enqueue(Task{Session: nil})
	q.Stop(time.Second)

	if store.SessionRecords.Count() != 0 {
		t.Error("пустая сессия не должна записываться")
	}
}

// blockingRecords держит Upsert до закрытия gate
type blockingRecords struct {
	gate chan struct{}
}

func (b *blockingRecords) Upsert(ctx context.Context, rec *docstore.SessionRecord) (bool, error) {
	<-b.gate
	return true, nil
}

func (b *blockingRecords) ListByVideo(ctx context.Context, videoID string) ([]docstore.SessionRecord, error) {
	return nil, nil
}

func TestQueue_FullRejects(t *testing.T) {
	store := docstore.NewMemoryStore()
	records := &blockingRecords{gate: make(chan struct{})}
	q := NewQueue(Config{Workers: 1, QueueSize: 1, SamplingRate: 2}, records, store.Distributions, nil, nil)

	ws := watchSession("s1", "v1", emotion.Happy, 1, 1)
	var full bool
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(Task{Session: &ws}); err == ErrQueueFull {
			full = true
			break
		}
	}
	if !full {
		t.Error("ожидался ErrQueueFull")
	}

	close(records.gate)
	q.Stop(time.Second)

	if err := q.Enqueue(Task{Session: &ws}); err != ErrQueueClosed {
		t.Errorf("Enqueue() после Stop = %v, want ErrQueueClosed", err)
	}
}

func TestReaper_DrainsIdleSessions(t *testing.T) {
	store := docstore.NewMemoryStore()
	q := newTestQueue(store, &TestSink{})
	cache := session.NewCache()

	cache.AddFrame(session.FrameEvent{SessionID: "s1", UserID: "u1", VideoID: "v1", Duration: 1,
		Emotions: emotion.Distribution{0, 0, 100, 0, 0}, Label: emotion.Surprise})
	time.Sleep(5 * time.Millisecond)

	r := NewReaper(cache, q, time.Millisecond, time.Minute)
	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if cache.Len() != 0 {
		t.Error("сессия должна быть снята из кэша")
	}

	q.Stop(time.Second)
	if store.SessionRecords.Count() != 1 {
		t.Errorf("записей = %d, want 1", store.SessionRecords.Count())
	}
}

// fullQueue отклоняет задачи с ErrQueueFull
type fullQueue struct{}

func (fullQueue) Enqueue(task Task) error { return ErrQueueFull }

func TestReaper_FullQueueKeepsSession(t *testing.T) {
	cache := session.NewCache()
	cache.AddFrame(session.FrameEvent{SessionID: "s1", UserID: "u1", VideoID: "v1", Duration: 1,
		Emotions: emotion.Distribution{0, 100, 0, 0, 0}, Label: emotion.Happy})
	time.Sleep(5 * time.Millisecond)

	r := NewReaper(cache, fullQueue{}, time.Millisecond, time.Minute)
	if n := r.Sweep(); n != 0 {
		t.Errorf("Sweep() = %d, want 0", n)
	}
	ws, ok := cache.Get("s1")
	if !ok || len(ws.Frames) != 1 {
		t.Fatalf("сессия должна остаться в кэше: %+v %v", ws, ok)
	}

	// Очередь освободилась: следующий проход финализирует сессию
	store := docstore.NewMemoryStore()
	q := newTestQueue(store, &TestSink{})
	r.queue = q
	if n := r.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	q.Stop(time.Second)
	if store.SessionRecords.Count() != 1 {
		t.Errorf("записей = %d, want 1", store.SessionRecords.Count())
	}
}

func TestQueue_ClosedGoesToSink(t *testing.T) {
	store := docstore.NewMemoryStore()
	sink := &TestSink{}
	q := newTestQueue(store, sink)
	q.Stop(time.Second)

	ws := watchSession("s1", "v1", emotion.Happy, 2, 1)
	if err := q.Enqueue(Task{Session: &ws, Source: "reaper"}); err != ErrQueueClosed {
		t.Fatalf("Enqueue() = %v, want ErrQueueClosed", err)
	}
	if len(sink.failures) != 1 || sink.failures[0].sessionID != "s1" || sink.failures[0].stage != "enqueue" {
		t.Errorf("failures = %+v", sink.failures)
	}
}

func TestReplayer_SkipsFinalizedSessions(t *testing.T) {
	store := docstore.NewMemoryStore()
	q := newTestQueue(store, &TestSink{})
	defer q.Stop(time.Second)

	// s2 уже финализирована онлайн
	if err := q.Finalize(context.Background(), watchSession("s2", "v1", emotion.Sad, 4, 2)); err != nil {
		t.Fatal(err)
	}

	r := NewReplayer(store.SessionRecords, q, time.Minute)
	for i := 0; i < 4; i++ {
		for _, id := range []string{"s1", "s2"} {
			ev := session.FrameEvent{
				SessionID: id, UserID: "u", VideoID: "v1", Timestamp: float64(i) * 0.5, Duration: 2,
				Emotions: emotion.Distribution{0, 100, 0, 0, 0}, Label: emotion.Happy,
			}
			if err := r.HandleFrame(context.Background(), ev); err != nil {
				t.Fatal(err)
			}
		}
	}
	if r.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", r.Pending())
	}

	if n := r.Flush(context.Background(), 0); n != 1 {
		t.Errorf("Flush() = %d, want 1", n)
	}

	rec, err := store.SessionRecords.Get(context.Background(), "s2")
	if err != nil || rec.DominantEmotion != emotion.Sad {
		t.Errorf("запись s2 не должна измениться: %+v, %v", rec, err)
	}
	dist, _ := store.Distributions.Get(context.Background(), "v1")
	if dist.SessionCount != 2 || dist.TotalFrames != 8 {
		t.Errorf("session_count = %d total_frames = %d, want 2 и 8", dist.SessionCount, dist.TotalFrames)
	}
}

func TestReplayer_ForgetsFinalizedSessions(t *testing.T) {
	store := docstore.NewMemoryStore()
	q := newTestQueue(store, &TestSink{})
	defer q.Stop(time.Second)

	r := NewReplayer(store.SessionRecords, q, time.Minute)
	for i := 0; i < 200; i++ {
		ev := session.FrameEvent{
			SessionID: fmt.Sprintf("s%d", i), UserID: "u", VideoID: fmt.Sprintf("v%d", i%10), Duration: 1,
			Emotions: emotion.Distribution{0, 100, 0, 0, 0}, Label: emotion.Happy,
		}
		if err := r.HandleFrame(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}

	if n := r.Flush(context.Background(), 0); n != 200 {
		t.Fatalf("Flush() = %d, want 200", n)
	}
	if r.Pending() != 0 || r.Tracked() != 200 {
		t.Errorf("Pending() = %d Tracked() = %d, want 0 и 200", r.Pending(), r.Tracked())
	}

	// Поздний кадр уже финализированной сессии не восстанавливает ее
	late := session.FrameEvent{SessionID: "s7", UserID: "u", VideoID: "v7", Timestamp: 0.5,
		Emotions: emotion.Distribution{0, 100, 0, 0, 0}, Label: emotion.Happy}
	if err := r.HandleFrame(context.Background(), late); err != nil {
		t.Fatal(err)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", r.Pending())
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	r.Flush(context.Background(), 0)
	if r.Tracked() != 0 {
		t.Errorf("Tracked() = %d после истечения, want 0", r.Tracked())
	}

	// После забывания запись находится через хранилище
	if err := r.HandleFrame(context.Background(), late); err != nil {
		t.Fatal(err)
	}
	if r.Pending() != 0 || r.Tracked() != 1 {
		t.Errorf("Pending() = %d Tracked() = %d, want 0 и 1", r.Pending(), r.Tracked())
	}
}

func ptr(ws session.WatchSession) *session.WatchSession { return &ws }
