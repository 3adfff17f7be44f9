// Package orchestrator wires the ledger maintenance sweeps and the notification
// relay into the background runner.
package orchestrator

import (
	"context"

	"metergate/internal/config"
	"metergate/internal/scheduler"
	"metergate/internal/service"
)

const (
	TaskRollingReset       = "rolling-reset"
	TaskVerifyRollingReset = "verify-rolling-reset"
	TaskExpirationSweep    = "expiration-sweep"
)

// Registrar is satisfied by *scheduler.Scheduler.
type Registrar interface {
	Register(t scheduler.Task) error
}

// MaintenanceTasks builds the three ledger sweeps with their configured cadence.
// Reports are logged by the sweeps themselves.
func MaintenanceTasks(cfg *config.Config, m service.MaintenanceService) []scheduler.Task {
	return []scheduler.Task{
		{
			Name:     TaskRollingReset,
			Schedule: cfg.RollingResetSchedule,
			Run: func(ctx context.Context) error {
				_, err := m.RollingReset(ctx)
				return err
			},
		},
		{
			Name:     TaskVerifyRollingReset,
			Schedule: cfg.VerifyResetSchedule,
			Run: func(ctx context.Context) error {
				_, err := m.VerifyRollingReset(ctx)
				return err
			},
		},
		{
			Name:     TaskExpirationSweep,
			Schedule: cfg.ExpirationSweepSchedule,
			Run: func(ctx context.Context) error {
				_, err := m.SweepExpired(ctx)
				return err
			},
		},
	}
}

func RegisterMaintenance(r Registrar, cfg *config.Config, m service.MaintenanceService) error {
	for _, t := range MaintenanceTasks(cfg, m) {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
