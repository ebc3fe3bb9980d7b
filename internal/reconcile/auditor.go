// Package reconcile periodically audits the ledger of record: every vault's
// balance identities must hold and its vault holding account must carry
// exactly the vault's total balance.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/collateral_vault/internal/logging"
	"github.com/R3E-Network/collateral_vault/internal/metrics"
	"github.com/R3E-Network/collateral_vault/internal/storage"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

// DefaultSchedule runs the audit every five minutes.
const DefaultSchedule = "@every 5m"

// Violation is one broken identity.
type Violation struct {
	Vault  string `json:"vault"`
	Owner  string `json:"owner"`
	Reason string `json:"reason"`
}

// Report summarises one audit pass.
type Report struct {
	Vaults     int           `json:"vaults"`
	Violations []Violation   `json:"violations,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// OK reports whether the pass found nothing wrong.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Auditor sweeps a Store on a cron schedule.
type Auditor struct {
	store    storage.Store
	schedule string
	log      *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	last    *Report
}

// New creates an Auditor. An empty schedule uses DefaultSchedule.
func New(store storage.Store, schedule string, log *logging.Logger) (*Auditor, error) {
	if store == nil {
		return nil, fmt.Errorf("reconcile: store required")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("reconcile: schedule %q: %w", schedule, err)
	}
	return &Auditor{store: store, schedule: schedule, log: logging.OrDefault(log)}, nil
}

// Name identifies the auditor in lifecycle logs.
func (a *Auditor) Name() string { return "vault-reconcile" }

// Start schedules the audit. It is a no-op when already running.
func (a *Auditor) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(a.schedule, func() {
		if _, err := a.Run(ctx); err != nil {
			a.log.WithContext(ctx).WithError(err).Warn("reconcile pass failed")
		}
	}); err != nil {
		return fmt.Errorf("reconcile: schedule: %w", err)
	}
	c.Start()
	a.cron = c
	a.running = true
	a.log.WithContext(ctx).WithField("schedule", a.schedule).Info("reconcile auditor started")
	return nil
}

// Stop cancels the schedule and waits for an in-flight pass.
func (a *Auditor) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	c := a.cron
	a.running = false
	a.cron = nil
	a.mu.Unlock()

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the most recent report, if any pass has completed.
func (a *Auditor) Last() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

// Run performs one audit pass in a single read-only unit.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: time.Now().UTC()}
	err := a.store.View(ctx, func(tx storage.Tx) error {
		vaults, err := tx.Vaults()
		if err != nil {
			return err
		}
		rep.Vaults = len(vaults)
		for _, v := range vaults {
			rep.Violations = append(rep.Violations, audit(tx, v)...)
		}
		return nil
	})
	rep.Duration = time.Since(rep.StartedAt)
	metrics.RecordReconcile(len(rep.Violations), err)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}

	a.mu.Lock()
	a.last = &rep
	a.mu.Unlock()

	entry := a.log.WithContext(ctx).WithFields(map[string]interface{}{
		"vaults":     rep.Vaults,
		"violations": len(rep.Violations),
		"duration":   rep.Duration.String(),
	})
	if rep.OK() {
		entry.Debug("reconcile pass clean")
		return rep, nil
	}
	for _, v := range rep.Violations {
		a.log.WithContext(ctx).WithFields(map[string]interface{}{
			"vault":  v.Vault,
			"owner":  v.Owner,
			"reason": v.Reason,
		}).Error("vault invariant violated")
	}
	entry.Warn("reconcile pass found violations")
	return rep, nil
}

func audit(tx storage.Tx, v vault.Vault) []Violation {
	var out []Violation
	flag := func(format string, args ...interface{}) {
		out = append(out, Violation{Vault: v.Address, Owner: v.Owner, Reason: fmt.Sprintf(format, args...)})
	}

	if err := vault.CheckInvariants(v); err != nil {
		flag("%v", err)
	}
	h, err := tx.Holding(v.HoldingAccount)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		flag("vault holding %s missing", v.HoldingAccount)
	case err != nil:
		flag("read vault holding %s: %v", v.HoldingAccount, err)
	case h.Balance != v.TotalBalance:
		flag("vault holding %s carries %d, vault total is %d", v.HoldingAccount, h.Balance, v.TotalBalance)
	case h.AssetID != v.AssetID:
		flag("vault holding %s is for asset %s, vault is bound to %s", v.HoldingAccount, h.AssetID, v.AssetID)
	}
	return out
}
