package session

import (
	"time"

	"github.com/Krimson/facereview/receiver/internal/emotion"
)

// Frame - один классифицированный кадр внутри сессии
type Frame struct {
	Timestamp float64              `json:"timestamp"`
	Emotions  emotion.Distribution `json:"emotion_percentages"`
	Label     emotion.Label        `json:"label"`
}

// ClientInfo - данные устройства зрителя из end-сообщения
type ClientInfo struct {
	IPAddress     string `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	DeviceOS      string `json:"device_os,omitempty" bson:"device_os,omitempty"`
	DeviceBrowser string `json:"device_browser,omitempty" bson:"device_browser,omitempty"`
	IsMobile      bool   `json:"is_mobile" bson:"is_mobile"`
}

// WatchSession - живая сессия просмотра, принадлежит Cache до Drain
type WatchSession struct {
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	VideoID    string     `json:"video_id"`
	Duration   float64    `json:"duration"` // секунды, 0 - неизвестна
	Frames     []Frame    `json:"frames"`
	ClientInfo ClientInfo `json:"client_info"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// clone делает глубокую копию
func (s *WatchSession) clone() WatchSession {
	out := *s
	out.Frames = make([]Frame, len(s.Frames))
	copy(out.Frames, s.Frames)
	return out
}

// FrameEvent - неизменяемое событие классификации кадра.
// Пишется в durability channel.
type FrameEvent struct {
	SessionID    string               `json:"session_id"`
	UserID       string               `json:"user_id"`
	VideoID      string               `json:"video_id"`
	Timestamp    float64              `json:"timestamp"`
	Emotions     emotion.Distribution `json:"emotion_percentages"`
	Label        emotion.Label        `json:"label"`
	Duration     float64              `json:"duration,omitempty"`
	ClassifiedAt time.Time            `json:"classified_at"`
}

// Frame возвращает кадр для добавления в сессию
func (e FrameEvent) Frame() Frame {
	return Frame{
		Timestamp: e.Timestamp,
		Emotions:  e.Emotions,
		Label:     e.Label,
	}
}
