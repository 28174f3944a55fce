package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Krimson/facereview/receiver/internal/emotion"
)

func frameEvent(sessionID string, ts float64) FrameEvent {
	return FrameEvent{
		SessionID: sessionID,
		UserID:    "user1",
		VideoID:   "video1",
		Timestamp: ts,
		Emotions:  emotion.Distribution{0, 100, 0, 0, 0},
		Label:     emotion.Happy,
	}
}

func TestCache_InitIdempotent(t *testing.T) {
	c := NewCache()

	if !c.Init("s1", "u1", "v1", 0) {
		t.Fatal("первый Init должен создать сессию")
	}
	c.AddFrame(frameEvent("s1", 0.5))

	// Повторный Init не должен сбросить кадры, но подхватывает длительность
	if c.Init("s1", "u1", "v1", 120) {
		t.Error("повторный Init не должен создавать сессию")
	}

	ws, ok := c.Get("s1")
	if !ok {
		t.Fatal("сессия должна существовать")
	}
	if len(ws.Frames) != 1 {
		t.Errorf("ожидался 1 кадр, получено %d", len(ws.Frames))
	}
	if ws.Duration != 120 {
		t.Errorf("Duration = %v, want 120", ws.Duration)
	}
}

func TestCache_AddFrameAutoInit(t *testing.T) {
	c := NewCache()

	ev := frameEvent("s2", 1.0)
	ev.Duration = 30
	if !c.AddFrame(ev) {
		t.Error("AddFrame без Init должен создать сессию")
	}

	ws, ok := c.Get("s2")
	if !ok {
		t.Fatal("сессия должна существовать после AddFrame")
	}
	if ws.UserID != "user1" || ws.VideoID != "video1" || ws.Duration != 30 {
		t.Errorf("неверные поля автосозданной сессии: %+v", ws)
	}
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := NewCache()
	c.AddFrame(frameEvent("s3", 0))

	ws, _ := c.Get("s3")
	ws.Frames[0].Label = emotion.Sad
	ws.Frames = append(ws.Frames, Frame{})

	again, _ := c.Get("s3")
	if len(again.Frames) != 1 || again.Frames[0].Label != emotion.Happy {
		t.Error("изменение снимка не должно влиять на кэш")
	}
}

func TestCache_DrainRemoves(t *testing.T) {
	c := NewCache()
	c.AddFrame(frameEvent("s4", 0))

	ws, ok := c.Drain("s4")
	if !ok || ws == nil || len(ws.Frames) != 1 {
		t.Fatalf("Drain вернул %v, %v", ws, ok)
	}

	if _, ok := c.Drain("s4"); ok {
		t.Error("второй Drain должен вернуть false")
	}
	if _, ok := c.Get("s4"); ok {
		t.Error("сессия не должна существовать после Drain")
	}
}

func TestCache_ConcurrentFramesKeepOrder(t *testing.T) {
	c := NewCache()
	const sessions = 8
	const frames = 200

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", s)
			for i := 0; i < frames; i++ {
				c.AddFrame(frameEvent(id, float64(i)))
			}
		}(s)
	}
	wg.Wait()

	if c.Len() != sessions {
		t.Errorf("Len() = %d, want %d", c.Len(), sessions)
	}

	for s := 0; s < sessions; s++ {
		ws, _ := c.Get(fmt.Sprintf("session-%d", s))
		if len(ws.Frames) != frames {
			t.Fatalf("session-%d: %d кадров, want %d", s, len(ws.Frames), frames)
		}
		for i, f := range ws.Frames {
			if f.Timestamp != float64(i) {
				t.Fatalf("session-%d: порядок нарушен на позиции %d", s, i)
			}
		}
	}
}

func TestCache_Idle(t *testing.T) {
	c := NewCache()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.AddFrame(frameEvent("old", 0))
	now = now.Add(40 * time.Minute)
	c.AddFrame(frameEvent("fresh", 0))

	idle := c.Idle(30 * time.Minute)
	if len(idle) != 1 || idle[0] != "old" {
		t.Errorf("Idle() = %v, want [old]", idle)
	}
}

func TestCache_RestoreKeepsFrameOrder(t *testing.T) {
	c := NewCache()
	c.AddFrame(frameEvent("s1", 0))
	c.AddFrame(frameEvent("s1", 0.5))

	drained, ok := c.Drain("s1")
	if !ok {
		t.Fatal("сессия должна быть в кэше")
	}
	drained.Duration = 30

	// Кадр пришел между Drain и Restore
	c.AddFrame(frameEvent("s1", 1.0))
	c.Restore(drained)

	ws, ok := c.Get("s1")
	if !ok {
		t.Fatal("сессия должна вернуться в кэш")
	}
	if len(ws.Frames) != 3 {
		t.Fatalf("кадров = %d, want 3", len(ws.Frames))
	}
	for i, want := range []float64{0, 0.5, 1.0} {
		if ws.Frames[i].Timestamp != want {
			t.Errorf("кадр %d timestamp = %v, want %v", i, ws.Frames[i].Timestamp, want)
		}
	}
	if ws.Duration != 30 {
		t.Errorf("Duration = %v, want 30", ws.Duration)
	}

	c.Drain("s1")
	c.Restore(drained)
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}
