package viewer

import (
	"context"
	"math/rand"
	"time"
)

// Ticker выдает моменты отправки кадров со случайным отклонением
type Ticker struct {
	interval time.Duration
	jitter   time.Duration
}

func NewTicker(interval, jitter time.Duration) *Ticker {
	return &Ticker{interval: interval, jitter: jitter}
}

// Tick закрывает канал при отмене контекста. Первый тик сразу.
func (t *Ticker) Tick(ctx context.Context) <-chan time.Time {
	tickChan := make(chan time.Time)

	go func() {
		defer close(tickChan)

		select {
		case tickChan <- time.Now():
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case tickTime := <-ticker.C:
				if t.jitter > 0 {
					tickTime = tickTime.Add(time.Duration(float64(t.jitter) * (rand.Float64()*2 - 1)))
				}
				select {
				case tickChan <- tickTime:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return tickChan
}
