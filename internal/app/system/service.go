package system

import "context"

// Service represents a lifecycle-managed component. Background workers of
// the settlement engine (keeper, notification relay, WebSocket hub) implement
// it so the manager can start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoopService is a placeholder for components without a background loop.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string                    { return n.ServiceName }
func (n NoopService) Start(ctx context.Context) error { return nil }
func (n NoopService) Stop(ctx context.Context) error  { return nil }
