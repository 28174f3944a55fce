package main

import (
	"context"
	"flag"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/viewer"
)

// Эмулятор зрителей: N параллельных WebSocket сессий на одно видео
func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "адрес WebSocket приемника")
		videoID   = flag.String("video", "video-1", "ID видео")
		viewers   = flag.Int("viewers", 5, "число зрителей")
		length    = flag.Float64("length", 60, "длина видео в секундах")
		ratio     = flag.Float64("watch-ratio", 1, "доля просмотра (0..1]")
		rate      = flag.Float64("rate", 2, "кадров в секунду видео")
		speed     = flag.Float64("speed", 1, "множитель скорости воспроизведения")
		jitter    = flag.Duration("jitter", 50*time.Millisecond, "отклонение интервала отправки")
		stagger   = flag.Duration("stagger", 500*time.Millisecond, "пауза между стартами зрителей")
		sendInit  = flag.Bool("init", false, "отправлять устаревшее init-сообщение")
		logLevel  = flag.String("log-level", "info", "уровень логирования")
		frameSize = flag.Int("frame-size", 256, "байт в кадре")
	)
	flag.Parse()

	logging.Init(logging.Config{Level: *logLevel, Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("url", *url).
		Str("video_id", *videoID).
		Int("viewers", *viewers).
		Float64("length", *length).
		Msg("Starting viewer emulator")

	var wg sync.WaitGroup
	for i := 0; i < *viewers; i++ {
		v := viewer.New(viewer.Config{
			URL:          *url,
			VideoID:      *videoID,
			VideoLength:  *length,
			WatchRatio:   *ratio,
			SamplingRate: *rate,
			Speed:        *speed,
			Jitter:       *jitter,
			FrameSize:    *frameSize,
			SendInit:     *sendInit,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := v.Run(ctx)
			ev := logging.Info()
			if err != nil {
				ev = logging.Error().Err(err)
			}
			ev.Str("session_id", stats.SessionID).
				Int64("frames_sent", stats.FramesSent).
				Int64("acks", stats.Acks).
				Int64("errors", stats.Errors).
				Bool("ended", stats.Ended).
				Msg("viewer finished")
		}()

		select {
		case <-time.After(*stagger):
		case <-ctx.Done():
		}
	}

	wg.Wait()
	logging.Info().Msg("Emulator stopped")
}
