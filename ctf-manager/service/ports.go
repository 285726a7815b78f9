package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/kavos113/quickctf/ctf-manager/domain"
	"github.com/kavos113/quickctf/ctf-manager/metrics"
)

// PortAllocator hands out host ports. Ports held by active instances come from
// the store on every allocation; only reservations not yet persisted are kept
// in memory.
type PortAllocator struct {
	repo     domain.InstanceRepository
	minPort  int
	maxPort  int
	metrics  *metrics.Metrics
	mu       sync.Mutex
	inflight map[int]struct{}
}

func NewPortAllocator(repo domain.InstanceRepository, minPort, maxPort int, m *metrics.Metrics) *PortAllocator {
	return &PortAllocator{
		repo:     repo,
		minPort:  minPort,
		maxPort:  maxPort,
		metrics:  m,
		inflight: make(map[int]struct{}),
	}
}

// Allocate reserves the lowest port in range that is neither active nor
// in flight. ports in exclude are skipped as well.
func (a *PortAllocator) Allocate(ctx context.Context, exclude ...int) (int, error) {
	active, err := a.repo.ActivePorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active ports: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	usedPorts := make([]bool, a.maxPort-a.minPort+1)
	mark := func(p int) {
		if p >= a.minPort && p <= a.maxPort {
			usedPorts[p-a.minPort] = true
		}
	}
	for _, p := range active {
		mark(p)
	}
	for _, p := range exclude {
		mark(p)
	}
	for p := range a.inflight {
		mark(p)
	}

	for i, inuse := range usedPorts {
		if !inuse {
			port := i + a.minPort
			a.inflight[port] = struct{}{}
			a.metrics.SetPortsInFlight(len(a.inflight))
			return port, nil
		}
	}

	return 0, domain.ErrNoPortAvailable
}

// Release drops the in-flight reservation for port. Called once the port is
// persisted on an active row, or when the reservation is abandoned.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inflight, port)
	a.metrics.SetPortsInFlight(len(a.inflight))
}

func (a *PortAllocator) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}
