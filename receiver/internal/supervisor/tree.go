package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/Krimson/facereview/receiver/internal/logging"
)

// TreeConfig - параметры перезапуска сервисов
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  40 * time.Second,
	}
}

// Tree - дерево супервизоров приемника.
//
// Слои:
//   - storage: очередь финализации, reaper, janitor саг, durability channel
//   - ingest: websocket hub, health prober
//   - api: HTTP и gRPC серверы
//
// Падение сервиса перезапускает только его слой.
type Tree struct {
	root    *suture.Supervisor
	storage *suture.Supervisor
	ingest  *suture.Supervisor
	api     *suture.Supervisor
}

func NewTree(name string, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = logging.SutureHook()

	t := &Tree{
		root:    suture.New(name, rootSpec),
		storage: suture.New("storage-layer", childSpec),
		ingest:  suture.New("ingest-layer", childSpec),
		api:     suture.New("api-layer", childSpec),
	}
	t.root.Add(t.storage)
	t.root.Add(t.ingest)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddStorageService(svc suture.Service) suture.ServiceToken {
	return t.storage.Add(svc)
}

func (t *Tree) AddIngestService(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve блокирует до отмены контекста
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport - сервисы, не успевшие остановиться за таймаут
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
