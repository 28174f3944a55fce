package saga

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Krimson/facereview/receiver/internal/logging"
)

// Janitor удаляет терминальные журналы старше retention
type Janitor struct {
	store     LogStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewJanitor(store LogStore, retention, interval time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep выполняет одну очистку
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	return j.store.DeleteTerminalBefore(ctx, j.now().Add(-j.retention))
}

// Serve - suture.Service
func (j *Janitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			logger := j.logger()
			n, err := j.Sweep(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("saga log cleanup failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("deleted", n).Msg("old saga logs deleted")
			}
		}
	}
}

func (j *Janitor) String() string { return "saga-janitor" }

func (j *Janitor) logger() zerolog.Logger {
	return logging.With("saga-janitor")
}
