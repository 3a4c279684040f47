package system

import "context"

// Service is a lifecycle-managed background component such as the balance
// reconciliation job. The Manager starts services in registration order and
// stops them in reverse.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NoopService satisfies Service for components without background work. It
// keeps them visible in the manager's service listing.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string { return n.ServiceName }

func (n NoopService) Start(context.Context) error { return nil }

func (n NoopService) Stop(context.Context) error { return nil }
