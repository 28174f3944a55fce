package finalize

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Krimson/facereview/receiver/internal/logging"
	"github.com/Krimson/facereview/receiver/internal/session"
)

// RecordChecker проверяет наличие итоговой записи сессии
type RecordChecker interface {
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// Finalizer синхронно финализирует сессию
type Finalizer interface {
	Finalize(ctx context.Context, ws session.WatchSession) error
}

// Replayer восстанавливает сессии из durability channel и
// финализирует те, для которых нет итоговой записи
type Replayer struct {
	records   RecordChecker
	finalizer Finalizer
	sessions  *session.Cache
	quiet     time.Duration
	retain    time.Duration

	mu   sync.Mutex
	done map[string]time.Time // session_id -> когда запись подтверждена

	now func() time.Time
	log zerolog.Logger
}

// NewReplayer создает восстановитель. quiet - пауза без кадров, после которой сессия считается законченной.
// Отметки о финализированных сессиях живут столько же.
func NewReplayer(records RecordChecker, finalizer Finalizer, quiet time.Duration) *Replayer {
	return &Replayer{
		records:   records,
		finalizer: finalizer,
		sessions:  session.NewCache(),
		quiet:     quiet,
		retain:    quiet,
		done:      make(map[string]time.Time),
		now:       time.Now,
		log:       logging.With("replayer"),
	}
}

// HandleFrame - durability.FrameHandler
func (r *Replayer) HandleFrame(ctx context.Context, ev session.FrameEvent) error {
	skip, err := r.finalized(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	r.sessions.AddFrame(ev)
	return nil
}

func (r *Replayer) finalized(ctx context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	_, ok := r.done[sessionID]
	r.mu.Unlock()
	if ok {
		return true, nil
	}
	// Сессия уже восстанавливается, запись для нее проверена
	if r.sessions.Has(sessionID) {
		return false, nil
	}

	exists, err := r.records.Exists(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if exists {
		r.markDone(sessionID)
	}
	return exists, nil
}

func (r *Replayer) markDone(sessionID string) {
	r.mu.Lock()
	r.done[sessionID] = r.now()
	r.mu.Unlock()
}

// Flush финализирует сессии без кадров дольше quiet. quiet=0 - все сессии.
// Отметки старше retain удаляются.
func (r *Replayer) Flush(ctx context.Context, quiet time.Duration) int {
	ids := r.sessions.IDs()
	if quiet > 0 {
		ids = r.sessions.Idle(quiet)
	}

	n := 0
	for _, id := range ids {
		ws, ok := r.sessions.Drain(id)
		if !ok {
			continue
		}
		if err := r.finalizer.Finalize(ctx, *ws); err != nil {
			r.log.Error().Err(err).Str("session_id", id).Msg("replayed session finalize failed")
			continue
		}
		r.markDone(id)
		n++
	}
	if n > 0 {
		r.log.Info().Int("sessions", n).Msg("replayed sessions finalized")
	}

	r.evict()
	return n
}

func (r *Replayer) evict() {
	cutoff := r.now().Add(-r.retain)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, at := range r.done {
		if !at.After(cutoff) {
			delete(r.done, id)
		}
	}
}

// Tracked - число запомненных финализированных сессий
func (r *Replayer) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done)
}

// Pending - число восстанавливаемых сессий
func (r *Replayer) Pending() int {
	return r.sessions.Len()
}

// Serve - suture.Service: периодически финализирует затихшие сессии
func (r *Replayer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.quiet)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx), 0)
			return ctx.Err()
		case <-ticker.C:
			r.Flush(ctx, r.quiet)
		}
	}
}

func (r *Replayer) String() string { return "replayer" }
