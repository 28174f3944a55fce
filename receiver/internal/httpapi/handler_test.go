package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Krimson/facereview/receiver/internal/catalog"
	"github.com/Krimson/facereview/receiver/internal/docstore"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/finalize"
	"github.com/Krimson/facereview/receiver/internal/ingest"
	"github.com/Krimson/facereview/receiver/internal/saga"
	"github.com/Krimson/facereview/receiver/internal/session"
)

type stubSessions struct {
	live   map[string]session.WatchSession
	ended  []ingest.EndMessage
	endErr error
}

func (s *stubSessions) Snapshot(id string) (session.WatchSession, bool) {
	ws, ok := s.live[id]
	return ws, ok
}

func (s *stubSessions) HandleEnd(ctx context.Context, m ingest.EndMessage) error {
	if s.endErr != nil {
		return s.endErr
	}
	if _, ok := s.live[m.SessionID]; !ok {
		return ingest.ErrUnknownSession
	}
	s.ended = append(s.ended, m)
	return nil
}

type stubApprover struct {
	err error
	in  catalog.ApproveInput
}

func (a *stubApprover) ApproveVideoRequest(ctx context.Context, in catalog.ApproveInput) (*catalog.ApproveResult, error) {
	a.in = in
	if a.err != nil {
		return &catalog.ApproveResult{TransactionID: "tx-1"}, a.err
	}
	return &catalog.ApproveResult{VideoID: "v-new", TransactionID: "tx-1"}, nil
}

type stubHealth struct{ serving bool }

func (h stubHealth) Statuses() map[string]string { return map[string]string{"redis": "SERVING"} }
func (h stubHealth) Serving() bool               { return h.serving }

func newTestHandler(t *testing.T) (http.Handler, *stubSessions, *stubApprover, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	sessions := &stubSessions{live: map[string]session.WatchSession{
		"s1": {SessionID: "s1", VideoID: "v1", Frames: []session.Frame{{Timestamp: 0.5, Label: emotion.Happy}}},
	}}
	approver := &stubApprover{}
	h := NewHTTPHandler(Deps{
		Sessions:      sessions,
		Records:       store.SessionRecords,
		Distributions: store.Distributions,
		Timelines:     store.Timeline,
		Approver:      approver,
		SagaLogs:      store.SagaLogs,
		Health:        stubHealth{serving: true},
		SamplingRate:  2,
	})
	return h.Router(), sessions, approver, store
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetSession(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	rec := do(t, h, "GET", "/api/sessions/s1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получили %d", rec.Code)
	}
	var ws session.WatchSession
	if err := json.Unmarshal(rec.Body.Bytes(), &ws); err != nil {
		t.Fatal(err)
	}
	if ws.SessionID != "s1" || len(ws.Frames) != 1 {
		t.Errorf("неверный снимок: %+v", ws)
	}

	if rec := do(t, h, "GET", "/api/sessions/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ожидался 404, получили %d", rec.Code)
	}
}

func TestEndSession(t *testing.T) {
	h, sessions, _, _ := newTestHandler(t)

	rec := do(t, h, "POST", "/api/sessions/s1/end", map[string]interface{}{"duration": 42.0})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ожидался 202, получили %d: %s", rec.Code, rec.Body.String())
	}
	if len(sessions.ended) != 1 || sessions.ended[0].SessionID != "s1" || sessions.ended[0].Duration != 42 {
		t.Errorf("неверное завершение: %+v", sessions.ended)
	}

	if rec := do(t, h, "POST", "/api/sessions/nope/end", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ожидался 404, получили %d", rec.Code)
	}

	sessions.endErr = finalize.ErrQueueFull
	if rec := do(t, h, "POST", "/api/sessions/s1/end", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ожидался 503, получили %d", rec.Code)
	}
}

func TestGetSessionRecord(t *testing.T) {
	h, _, _, store := newTestHandler(t)

	if rec := do(t, h, "GET", "/api/sessions/s1/record", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ожидался 404 до финализации, получили %d", rec.Code)
	}

	_, err := store.SessionRecords.Upsert(context.Background(), &docstore.SessionRecord{
		SessionID: "s1", VideoID: "v1", DominantEmotion: emotion.Happy, FrameCount: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, "GET", "/api/sessions/s1/record", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получили %d", rec.Code)
	}
	var got docstore.SessionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.DominantEmotion != emotion.Happy || got.FrameCount != 3 {
		t.Errorf("неверная запись: %+v", got)
	}
}

func TestGetDistribution(t *testing.T) {
	h, _, _, store := newTestHandler(t)

	if rec := do(t, h, "GET", "/api/videos/v1/distribution", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ожидался 404, получили %d", rec.Code)
	}
	if _, err := store.Distributions.CreateInitial(context.Background(), "v1", "comedy"); err != nil {
		t.Fatal(err)
	}
	if rec := do(t, h, "GET", "/api/videos/v1/distribution", nil); rec.Code != http.StatusOK {
		t.Errorf("ожидался 200, получили %d", rec.Code)
	}
}

func TestGetTimelineBucket(t *testing.T) {
	h, _, _, store := newTestHandler(t)
	ctx := context.Background()

	for _, l := range []emotion.Label{emotion.Happy, emotion.Happy, emotion.Sad, emotion.Angry} {
		if _, err := store.Timeline.IncrementBucket(ctx, "v1", 2, l); err != nil {
			t.Fatal(err)
		}
	}

	rec := do(t, h, "GET", "/api/videos/v1/timeline?t=1.2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получили %d", rec.Code)
	}
	var got BucketResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Bucket != 2 {
		t.Errorf("ожидался бакет 2, получили %d", got.Bucket)
	}
	if got.Counts[emotion.Happy] != 2 {
		t.Errorf("ожидалось happy=2, получили %d", got.Counts[emotion.Happy])
	}
	if got.Percentages.Happy != 50 || got.Percentages.MostEmotion != emotion.Happy {
		t.Errorf("неверные проценты: %+v", got.Percentages)
	}

	if rec := do(t, h, "GET", "/api/videos/v1/timeline?t=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался 400, получили %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/videos/v1/timeline", nil); rec.Code != http.StatusOK {
		t.Errorf("ожидался 200 для всего таймлайна, получили %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/videos/v2/timeline?t=1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ожидался 404, получили %d", rec.Code)
	}
}

func TestApproveVideoRequest(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		err    error
		status int
	}{
		{"успех", map[string]interface{}{"youtube_title": "Видео"}, nil, http.StatusCreated},
		{"нет названия", map[string]interface{}{"channel_name": "x"}, nil, http.StatusBadRequest},
		{"заявка не найдена", map[string]interface{}{"youtube_title": "Видео"}, catalog.ErrRequestNotFound, http.StatusNotFound},
		{"уже обработана", map[string]interface{}{"youtube_title": "Видео"}, catalog.ErrRequestNotPending, http.StatusConflict},
		{"дубликат", map[string]interface{}{"youtube_title": "Видео"}, catalog.ErrDuplicateVideo, http.StatusConflict},
		{"ручное вмешательство", map[string]interface{}{"youtube_title": "Видео"}, saga.ErrManualIntervention, http.StatusInternalServerError},
		{"прочая ошибка", map[string]interface{}{"youtube_title": "Видео"}, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, approver, _ := newTestHandler(t)
			approver.err = tt.err

			rec := do(t, h, "POST", "/api/video-requests/r1/approve", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("ожидался %d, получили %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status == http.StatusCreated && approver.in.RequestID != "r1" {
				t.Errorf("ожидалась заявка r1, получили %q", approver.in.RequestID)
			}
		})
	}
}

func TestGetSaga(t *testing.T) {
	h, _, _, store := newTestHandler(t)

	if rec := do(t, h, "GET", "/api/sagas/tx-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("ожидался 404, получили %d", rec.Code)
	}

	err := store.SagaLogs.Create(context.Background(), &saga.TransactionLog{
		TransactionID: "tx-1", Name: catalog.SagaApproveVideoRequest, Status: saga.StatusCompleted, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := do(t, h, "GET", "/api/sagas/tx-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получили %d", rec.Code)
	}
	var got saga.TransactionLog
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != saga.StatusCompleted {
		t.Errorf("ожидался статус completed, получили %s", got.Status)
	}
}

func TestHealthz(t *testing.T) {
	h := NewHTTPHandler(Deps{Health: stubHealth{serving: false}}).Router()
	if rec := do(t, h, "GET", "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ожидался 503, получили %d", rec.Code)
	}

	h = NewHTTPHandler(Deps{Health: stubHealth{serving: true}}).Router()
	if rec := do(t, h, "GET", "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("ожидался 200, получили %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	rec := do(t, h, "OPTIONS", "/api/sessions/s1", nil)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("ожидался заголовок CORS")
	}
}
