package health

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Overall - имя сервиса для общего статуса приемника
const Overall = ""

// HealthServer реализует grpc_health_v1.HealthServer.
// Общий статус SERVING, только если все зависимости SERVING.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	mu       sync.RWMutex
	services map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	shutdown bool
	watchers map[chan struct{}]struct{}
}

func NewHealthServer() *HealthServer {
	return &HealthServer{
		services: make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	st, ok := h.status(req.GetService())
	if !ok {
		return nil, status.Error(codes.NotFound, "service not found")
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch отправляет статус сразу и после каждого изменения
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	changed := make(chan struct{}, 1)
	h.mu.Lock()
	h.watchers[changed] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.watchers, changed)
		h.mu.Unlock()
	}()

	last := grpc_health_v1.HealthCheckResponse_ServingStatus(-1)
	for {
		st, ok := h.status(req.GetService())
		if !ok {
			st = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
		}
		if st != last {
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
			last = st
		}

		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-changed:
		}
	}
}

func (h *HealthServer) status(service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if service != Overall {
		st, ok := h.services[service]
		return st, ok
	}
	if h.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING, true
	}
	for _, st := range h.services {
		if st != grpc_health_v1.HealthCheckResponse_SERVING {
			return grpc_health_v1.HealthCheckResponse_NOT_SERVING, true
		}
	}
	return grpc_health_v1.HealthCheckResponse_SERVING, true
}

// Statuses - снимок статусов зависимостей
func (h *HealthServer) Statuses() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.services))
	for name, st := range h.services {
		out[name] = st.String()
	}
	return out
}

// Serving - общий статус
func (h *HealthServer) Serving() bool {
	st, _ := h.status(Overall)
	return st == grpc_health_v1.HealthCheckResponse_SERVING
}

func (h *HealthServer) SetServingStatus(service string) {
	h.setStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

func (h *HealthServer) SetNotServingStatus(service string) {
	h.setStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Shutdown переводит общий статус в NOT_SERVING до остановки
func (h *HealthServer) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()
	h.notify()
}

func (h *HealthServer) setStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	prev, ok := h.services[service]
	h.services[service] = st
	h.mu.Unlock()

	if !ok || prev != st {
		h.notify()
	}
}

func (h *HealthServer) notify() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
