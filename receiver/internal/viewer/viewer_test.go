package viewer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Krimson/facereview/receiver/internal/classifier"
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/ingest"
	"github.com/Krimson/facereview/receiver/internal/websocket"
)

type recordingHandler struct {
	mu     sync.Mutex
	inits  int
	frames []ingest.FrameMessage
	ends   []ingest.EndMessage
}

func (h *recordingHandler) HandleInit(ctx context.Context, m ingest.InitMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inits++
}

func (h *recordingHandler) HandleFrame(ctx context.Context, m ingest.FrameMessage) ingest.FrameReply {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, m)
	return ingest.FrameReply{
		Timestamp: m.Timestamp,
		User:      classifier.Result{Emotions: emotion.Default(), Label: emotion.Neutral},
		Crowd:     emotion.Distribution{0, 100, 0, 0, 0},
	}
}

func (h *recordingHandler) HandleEnd(ctx context.Context, m ingest.EndMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends = append(h.ends, m)
	return nil
}

func startReceiver(t *testing.T, h websocket.Handler) string {
	t.Helper()
	hub := websocket.NewHub(h, websocket.Config{FrameRateLimit: 1000, FrameRateBurst: 1000})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Serve(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestViewer_FullSession(t *testing.T) {
	h := &recordingHandler{}
	url := startReceiver(t, h)

	v := New(Config{
		URL:          url,
		VideoID:      "v1",
		VideoLength:  5,
		SamplingRate: 2,
		Speed:        50,
		SendInit:     true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := v.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.FramesSent != 10 {
		t.Errorf("ожидалось 10 кадров (5с x 2), отправлено %d", stats.FramesSent)
	}
	if !stats.Ended {
		t.Error("ожидался end_ack")
	}
	if stats.Acks != stats.FramesSent {
		t.Errorf("ожидалось %d frame_ack, получено %d", stats.FramesSent, stats.Acks)
	}
	if stats.LastCrowd == nil || stats.LastCrowd.Happy != 100 {
		t.Errorf("ожидались эмоции толпы happy=100, получили %+v", stats.LastCrowd)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inits != 1 {
		t.Errorf("ожидался один init, получено %d", h.inits)
	}
	if len(h.ends) != 1 || h.ends[0].SessionID != v.SessionID() || h.ends[0].Duration != 5 {
		t.Errorf("неверное end-сообщение: %+v", h.ends)
	}
	for i, f := range h.frames {
		if f.Timestamp != float64(i)*0.5 {
			t.Errorf("кадр %d: ожидалось время %.1f, получили %.2f", i, float64(i)*0.5, f.Timestamp)
		}
	}
}

func TestViewer_PartialWatch(t *testing.T) {
	h := &recordingHandler{}
	url := startReceiver(t, h)

	v := New(Config{URL: url, VideoID: "v1", VideoLength: 10, WatchRatio: 0.5, SamplingRate: 2, Speed: 100})
	stats, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.FramesSent != 10 {
		t.Errorf("ожидалось 10 кадров (половина из 20), отправлено %d", stats.FramesSent)
	}
}

func TestViewer_ConnectError(t *testing.T) {
	v := New(Config{URL: "ws://127.0.0.1:1/ws", VideoID: "v1", VideoLength: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := v.Run(ctx); err == nil {
		t.Error("ожидалась ошибка подключения")
	}
}

func TestTicker_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := NewTicker(time.Millisecond, 0).Tick(ctx)

	<-ticks
	<-ticks
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ticks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("канал тиков не закрылся после отмены")
		}
	}
}
