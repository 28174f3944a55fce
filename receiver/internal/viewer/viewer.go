package viewer

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Krimson/facereview/receiver/internal/ingest"
	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// Config - один эмулируемый зритель
type Config struct {
	URL          string
	UserID       string
	VideoID      string
	VideoLength  float64       // секунды видео
	WatchRatio   float64       // доля видео, которую зритель досматривает (0..1]
	SamplingRate float64       // кадров в секунду
	Speed        float64       // множитель скорости воспроизведения
	Jitter       time.Duration // отклонение интервала отправки
	FrameSize    int           // байт в кадре до base64
	SendInit     bool
}

// Stats - итог сеанса зрителя
type Stats struct {
	SessionID  string
	FramesSent int64
	Acks       int64
	Errors     int64
	LastCrowd  *ingest.EmotionView
	Ended      bool
}

type initWire struct {
	Type string `json:"type"`
	ingest.InitMessage
}

type frameWire struct {
	Type string `json:"type"`
	ingest.FrameMessage
}

type endWire struct {
	Type string `json:"type"`
	ingest.EndMessage
}

// Viewer подключается к /ws и отправляет кадры просмотра
type Viewer struct {
	cfg       Config
	sessionID string
	rnd       *rand.Rand

	framesSent atomic.Int64
	acks       atomic.Int64
	errors     atomic.Int64
	lastCrowd  atomic.Pointer[ingest.EmotionView]
	ended      atomic.Bool

	log zerolog.Logger
}

func New(cfg Config) *Viewer {
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 2
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.WatchRatio <= 0 || cfg.WatchRatio > 1 {
		cfg.WatchRatio = 1
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 64
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	id := uuid.NewString()
	return &Viewer{
		cfg:       cfg,
		sessionID: id,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       logging.With("viewer").With().Str("session_id", id).Logger(),
	}
}

func (v *Viewer) SessionID() string { return v.sessionID }

// Run проигрывает сеанс до конца просмотра или отмены контекста
func (v *Viewer) Run(ctx context.Context) (Stats, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, v.cfg.URL, nil)
	if err != nil {
		return v.stats(), fmt.Errorf("failed to connect to %s: %w", v.cfg.URL, err)
	}
	defer conn.Close()

	endAck := make(chan struct{})
	go v.readAcks(conn, endAck)

	if v.cfg.SendInit {
		if err := conn.WriteJSON(initWire{Type: ingest.TypeInit, InitMessage: ingest.InitMessage{
			SessionID: v.sessionID,
			UserID:    v.cfg.UserID,
			VideoID:   v.cfg.VideoID,
			Duration:  v.cfg.VideoLength,
		}}); err != nil {
			return v.stats(), fmt.Errorf("failed to send init: %w", err)
		}
	}

	watched := v.cfg.VideoLength * v.cfg.WatchRatio
	step := 1 / v.cfg.SamplingRate
	interval := time.Duration(step / v.cfg.Speed * float64(time.Second))

	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	position := 0.0
	for range NewTicker(interval, v.cfg.Jitter).Tick(playCtx) {
		if position >= watched {
			break
		}
		if err := v.sendFrame(conn, position); err != nil {
			return v.stats(), err
		}
		position += step
	}
	cancel()

	if err := conn.WriteJSON(endWire{Type: ingest.TypeEnd, EndMessage: ingest.EndMessage{
		SessionID: v.sessionID,
		Duration:  v.cfg.VideoLength,
		ClientInfo: session.ClientInfo{
			UserAgent:     "viewer-emulator",
			DeviceOS:      "linux",
			DeviceBrowser: "emulator",
		},
	}}); err != nil {
		return v.stats(), fmt.Errorf("failed to send end: %w", err)
	}

	select {
	case <-endAck:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		v.log.Warn().Msg("end_ack timeout")
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return v.stats(), nil
}

func (v *Viewer) sendFrame(conn *websocket.Conn, position float64) error {
	raw := make([]byte, v.cfg.FrameSize)
	v.rnd.Read(raw)

	msg := frameWire{Type: ingest.TypeFrame, FrameMessage: ingest.FrameMessage{
		SessionID: v.sessionID,
		UserID:    v.cfg.UserID,
		VideoID:   v.cfg.VideoID,
		Timestamp: position,
		FrameData: base64.StdEncoding.EncodeToString(raw),
		Duration:  v.cfg.VideoLength,
	}}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send frame at %.2f: %w", position, err)
	}
	v.framesSent.Add(1)
	return nil
}

func (v *Viewer) readAcks(conn *websocket.Conn, endAck chan<- struct{}) {
	defer close(endAck)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ack ingest.Ack
		if err := json.Unmarshal(raw, &ack); err != nil {
			v.errors.Add(1)
			continue
		}
		if ack.Status != ingest.StatusSuccess {
			v.errors.Add(1)
			v.log.Debug().Str("type", ack.Type).Str("message", ack.Message).Msg("error ack")
			if ack.Type == ingest.TypeEndAck {
				return
			}
			continue
		}

		switch ack.Type {
		case ingest.TypeAck:
			v.acks.Add(1)
			if ack.AverageEmotion != nil {
				v.lastCrowd.Store(ack.AverageEmotion)
			}
		case ingest.TypeEndAck:
			v.ended.Store(true)
			return
		}
	}
}

func (v *Viewer) stats() Stats {
	return Stats{
		SessionID:  v.sessionID,
		FramesSent: v.framesSent.Load(),
		Acks:       v.acks.Load(),
		Errors:     v.errors.Load(),
		LastCrowd:  v.lastCrowd.Load(),
		Ended:      v.ended.Load(),
	}
}
