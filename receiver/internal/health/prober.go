package health

import (
	"context"
	"time"

	"github.com/Krimson/facereview/receiver/internal/logging"
)

// Pinger - зависимость, которую можно проверить
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc адаптирует функцию к Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Prober периодически проверяет зависимости и обновляет HealthServer
type Prober struct {
	server   *HealthServer
	deps     map[string]Pinger
	interval time.Duration
	timeout  time.Duration
}

func NewProber(server *HealthServer, interval time.Duration) *Prober {
	return &Prober{
		server:   server,
		deps:     make(map[string]Pinger),
		interval: interval,
		timeout:  2 * time.Second,
	}
}

// Add регистрирует зависимость под именем сервиса health
func (p *Prober) Add(name string, dep Pinger) *Prober {
	p.deps[name] = dep
	return p
}

// Probe проверяет все зависимости один раз
func (p *Prober) Probe(ctx context.Context) {
	log := logging.With("health")
	for name, dep := range p.deps {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := dep.Ping(probeCtx)
		cancel()

		if err != nil {
			if st, ok := p.server.Statuses()[name]; !ok || st == "SERVING" {
				log.Warn().Err(err).Str("dependency", name).Msg("dependency unhealthy")
			}
			p.server.SetNotServingStatus(name)
			continue
		}
		p.server.SetServingStatus(name)
	}
}

// Serve - suture.Service
func (p *Prober) Serve(ctx context.Context) error {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

func (p *Prober) String() string { return "health-prober" }
