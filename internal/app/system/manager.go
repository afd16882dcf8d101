package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	mu       sync.Mutex
	services []Service
	names    map[string]struct{}
	started  int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{names: make(map[string]struct{})}
}

// Register adds a service. Names must be unique and registration must happen
// before Start.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return errors.New("nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started > 0 {
		return fmt.Errorf("register %s: manager already started", svc.Name())
	}
	if _, ok := m.names[svc.Name()]; ok {
		return fmt.Errorf("service %s already registered", svc.Name())
	}
	m.names[svc.Name()] = struct{}{}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every service. If one fails, the ones already running are
// stopped and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, svc := range m.services[m.started:] {
		if err := svc.Start(ctx); err != nil {
			m.started += i
			m.stopLocked(ctx)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	m.started = len(m.services)
	return nil
}

// Stop stops started services in reverse order and joins their errors.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	var errs []error
	for i := m.started - 1; i >= 0; i-- {
		if err := m.services[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.services[i].Name(), err))
		}
	}
	m.started = 0
	return errors.Join(errs...)
}
