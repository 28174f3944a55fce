package finalize

import (
	"context"
	"errors"
	"time"

	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// Enqueuer принимает задачи финализации
type Enqueuer interface {
	Enqueue(task Task) error
}

// Reaper финализирует сессии, по которым давно не было кадров
type Reaper struct {
	cache    *session.Cache
	queue    Enqueuer
	idle     time.Duration
	interval time.Duration
}

func NewReaper(cache *session.Cache, queue Enqueuer, idle, interval time.Duration) *Reaper {
	return &Reaper{cache: cache, queue: queue, idle: idle, interval: interval}
}

// Sweep снимает простаивающие сессии и отдает их в очередь
func (r *Reaper) Sweep() int {
	log := logging.With("reaper")
	n := 0
	for _, id := range r.cache.Idle(r.idle) {
		ws, ok := r.cache.Drain(id)
		if !ok {
			continue
		}
		if err := r.queue.Enqueue(Task{Session: ws, Source: "reaper"}); err != nil {
			if errors.Is(err, ErrQueueFull) {
				// Следующий проход повторит попытку
				r.cache.Restore(ws)
				log.Warn().Str("session_id", id).Msg("finalize queue full, abandoned session returned to cache")
			} else {
				log.Error().Err(err).Str("session_id", id).Msg("failed to enqueue abandoned session")
			}
			continue
		}
		n++
	}
	if n > 0 {
		log.Info().Int("sessions", n).Msg("abandoned sessions sent to finalize")
	}
	return n
}

// Serve - suture.Service
func (r *Reaper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Reaper) String() string { return "session-reaper" }
