package app

import (
	"context"
	"fmt"

	auditsvc "github.com/R3E-Network/loyalty_layer/internal/app/services/audit"
	circlesvc "github.com/R3E-Network/loyalty_layer/internal/app/services/circle"
	"github.com/R3E-Network/loyalty_layer/internal/app/services/clients"
	"github.com/R3E-Network/loyalty_layer/internal/app/services/ledger"
	"github.com/R3E-Network/loyalty_layer/internal/app/services/reconcile"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage/memory"
	"github.com/R3E-Network/loyalty_layer/internal/app/system"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil document store defaults
// to the in-memory implementation.
type Stores struct {
	Documents storage.Store
}

// Options tunes optional components.
type Options struct {
	// ReconcileSchedule is a cron expression for the balance drift check. Empty
	// disables the job.
	ReconcileSchedule string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Store     storage.Store
	Audit     *auditsvc.Service
	Ledger    *ledger.Service
	Circle    *circlesvc.Service
	Clients   *clients.Service
	Reconcile *reconcile.Job
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Documents == nil {
		log.Warn("no document store configured; using in-memory store")
		stores.Documents = memory.New()
	}

	manager := system.NewManager()

	auditService := auditsvc.New(stores.Documents, log.Named("audit"))
	ledgerService := ledger.New(stores.Documents, auditService, log.Named("ledger"))
	circleService := circlesvc.New(stores.Documents, auditService, log.Named("circle"))
	clientService := clients.New(stores.Documents, auditService, log.Named("clients"))

	for _, name := range []string{"audit", "ledger", "circle", "clients"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	var job *reconcile.Job
	if opts.ReconcileSchedule != "" {
		job = reconcile.New(stores.Documents, opts.ReconcileSchedule, log.Named("reconcile"))
		if err := manager.Register(job); err != nil {
			return nil, fmt.Errorf("register %s: %w", job.Name(), err)
		}
	} else {
		log.Warn("reconcile schedule not set; balance drift check disabled")
	}

	return &Application{
		manager:   manager,
		log:       log,
		Store:     stores.Documents,
		Audit:     auditService,
		Ledger:    ledgerService,
		Circle:    circleService,
		Clients:   clientService,
		Reconcile: job,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the registered lifecycle services.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
