package ingest

import (
	"github.com/Krimson/facereview/receiver/internal/emotion"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// Типы входящих и исходящих сообщений
const (
	TypeInit    = "init"
	TypeFrame   = "frame"
	TypeEnd     = "end"
	TypeInitAck = "init_ack"
	TypeAck     = "frame_ack"
	TypeEndAck  = "end_ack"
	TypeError   = "error"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope - общий заголовок входящего сообщения
type Envelope struct {
	Type string `json:"type" validate:"required,oneof=init frame end"`
}

// InitMessage - устаревшее явное начало просмотра
type InitMessage struct {
	SessionID string  `json:"session_id" validate:"required,max=64"`
	UserID    string  `json:"user_id" validate:"required,max=64"`
	VideoID   string  `json:"video_id" validate:"required,max=64"`
	Duration  float64 `json:"duration" validate:"gte=0"`
}

// FrameMessage - кадр с веб-камеры
type FrameMessage struct {
	SessionID string  `json:"session_id" validate:"required,max=64"`
	UserID    string  `json:"user_id" validate:"required,max=64"`
	VideoID   string  `json:"video_id" validate:"required,max=64"`
	Timestamp float64 `json:"timestamp" validate:"gte=0"`
	FrameData string  `json:"frame_data" validate:"required,base64"`
	Duration  float64 `json:"duration" validate:"gte=0"`
}

// EndMessage - конец просмотра
type EndMessage struct {
	SessionID  string             `json:"session_id" validate:"required,max=64"`
	Duration   float64            `json:"duration" validate:"gte=0"`
	ClientInfo session.ClientInfo `json:"client_info"`
}

// EmotionView - проценты эмоций и доминирующая метка в ответе клиенту
type EmotionView struct {
	Neutral     float64       `json:"neutral"`
	Happy       float64       `json:"happy"`
	Surprise    float64       `json:"surprise"`
	Sad         float64       `json:"sad"`
	Angry       float64       `json:"angry"`
	MostEmotion emotion.Label `json:"most_emotion"`
}

func NewEmotionView(d emotion.Distribution, most emotion.Label) EmotionView {
	return EmotionView{
		Neutral:     d.Get(emotion.Neutral),
		Happy:       d.Get(emotion.Happy),
		Surprise:    d.Get(emotion.Surprise),
		Sad:         d.Get(emotion.Sad),
		Angry:       d.Get(emotion.Angry),
		MostEmotion: most,
	}
}

// Ack - ответ на любое сообщение
type Ack struct {
	Type           string       `json:"type"`
	Status         string       `json:"status"`
	Message        string       `json:"message,omitempty"`
	Timestamp      *float64     `json:"timestamp,omitempty"`
	UserEmotion    *EmotionView `json:"user_emotion,omitempty"`
	AverageEmotion *EmotionView `json:"average_emotion,omitempty"`
}

// ErrorAck - ответ с ошибкой
func ErrorAck(ackType, message string) Ack {
	return Ack{Type: ackType, Status: StatusError, Message: message}
}
