// Package reconcile periodically compares each client's balance mirror with
// the authoritative points of its loyalty accounts. Drift is reported through
// logs and metrics only; the mirror is never rewritten here.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/loyalty_layer/internal/app/domain/client"
	"github.com/R3E-Network/loyalty_layer/internal/app/domain/loyalty"
	"github.com/R3E-Network/loyalty_layer/internal/app/metrics"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
	"github.com/R3E-Network/loyalty_layer/internal/app/system"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

// DefaultSchedule runs the check at the top of every hour.
const DefaultSchedule = "@hourly"

// Drift describes one disagreement between the mirror and an account.
type Drift struct {
	ClientID  string `json:"client_id"`
	AccountID string `json:"account_id"`
	Mirror    *int64 `json:"mirror"`
	Points    *int64 `json:"points"`
}

// Report summarises one reconciliation pass.
type Report struct {
	Clients  int       `json:"clients"`
	Accounts int       `json:"accounts"`
	Drift    []Drift   `json:"drift"`
	Finished time.Time `json:"finished"`
}

// Job is a cron-driven system.Service.
type Job struct {
	store    storage.Store
	schedule string
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
	last    *Report
}

var _ system.Service = (*Job)(nil)

func New(store storage.Store, schedule string, log *logger.Logger) *Job {
	if log == nil {
		log = logger.NewDefault("reconcile")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Job{store: store, schedule: schedule, log: log, now: time.Now}
}

func (j *Job) Name() string { return "balance-reconcile" }

func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLogger(cron.PrintfLogger(j.log)),
		cron.WithChain(cron.Recover(cron.PrintfLogger(j.log)), cron.SkipIfStillRunning(cron.PrintfLogger(j.log))),
	)
	if _, err := c.AddFunc(j.schedule, func() { j.tick(runCtx) }); err != nil {
		cancel()
		return err
	}
	c.Start()

	j.cron = c
	j.cancel = cancel
	j.running = true
	j.log.Infof("balance reconciliation scheduled (%s)", j.schedule)
	return nil
}

func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	c, cancel := j.cron, j.cancel
	j.running = false
	j.cron = nil
	j.cancel = nil
	j.mu.Unlock()

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// LastReport returns the most recent completed pass, if any.
func (j *Job) LastReport() (Report, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return Report{}, false
	}
	return *j.last, true
}

func (j *Job) tick(ctx context.Context) {
	report, err := j.Run(ctx)
	if err != nil {
		j.log.WithError(err).Warn("balance reconciliation failed")
		return
	}
	if len(report.Drift) == 0 {
		j.log.Infof("balance reconciliation clean: %d clients, %d accounts", report.Clients, report.Accounts)
	}
}

// Run performs one reconciliation pass over every client.
func (j *Job) Run(ctx context.Context) (Report, error) {
	report, err := j.scan(ctx)
	if err != nil {
		metrics.RecordReconcileRun(0, false)
		return Report{}, err
	}
	report.Finished = j.now().UTC()
	metrics.RecordReconcileRun(len(report.Drift), true)

	for _, d := range report.Drift {
		j.log.With(map[string]interface{}{
			"client_id":  d.ClientID,
			"account_id": d.AccountID,
			"mirror":     valueOrNil(d.Mirror),
			"points":     valueOrNil(d.Points),
		}).Warn("balance mirror drift")
	}

	j.mu.Lock()
	j.last = &report
	j.mu.Unlock()
	return report, nil
}

func (j *Job) scan(ctx context.Context) (Report, error) {
	var report Report
	clients, err := j.store.Query(ctx, storage.Query{Collection: storage.ClientsCollection})
	if err != nil {
		return report, err
	}
	for _, snap := range clients {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var c client.Client
		if err := snap.DataTo(&c); err != nil {
			return report, err
		}
		accounts, err := j.store.Query(ctx, storage.Query{Collection: storage.AccountsPath(snap.ID)})
		if err != nil {
			return report, err
		}
		report.Clients++
		report.Accounts += len(accounts)
		report.Drift = append(report.Drift, compare(snap.ID, c.AccountBalances, accounts)...)
	}
	return report, nil
}

func compare(clientID string, mirror map[string]int64, accounts []storage.Snapshot) []Drift {
	var drift []Drift
	seen := make(map[string]struct{}, len(accounts))
	for _, snap := range accounts {
		var acct loyalty.Account
		if err := snap.DataTo(&acct); err != nil {
			continue
		}
		seen[snap.ID] = struct{}{}
		points := acct.Points
		m, ok := mirror[snap.ID]
		switch {
		case !ok:
			drift = append(drift, Drift{ClientID: clientID, AccountID: snap.ID, Points: &points})
		case m != points:
			drift = append(drift, Drift{ClientID: clientID, AccountID: snap.ID, Mirror: &m, Points: &points})
		}
	}
	for id, m := range mirror {
		if _, ok := seen[id]; ok {
			continue
		}
		m := m
		drift = append(drift, Drift{ClientID: clientID, AccountID: id, Mirror: &m})
	}
	return drift
}

func valueOrNil(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
