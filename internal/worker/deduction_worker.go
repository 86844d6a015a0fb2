package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// PayrollRunner is the part of the deduction service the worker drives.
type PayrollRunner interface {
	RunPayroll(ctx context.Context, period string, actorID *uuid.UUID) (*domain.PayrollRunResult, error)
	MarkDefaults(ctx context.Context, graceDays int) (int, error)
}

// DeductionConfig tunes the deduction worker.
type DeductionConfig struct {
	// PayrollDay is the day of month from which the current period is run.
	PayrollDay int
	GraceDays  int
	Now        func() time.Time
}

// NewDeductionWorker runs payroll deductions for the current period once
// the payroll day is reached, then marks overdue loans defaulted. Runs are
// idempotent per period so a missed day is caught up on the next tick.
func NewDeductionWorker(svc PayrollRunner, locker Locker, cfg DeductionConfig) *ScheduledWorker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return newScheduledWorker("deductions", locker, func(ctx context.Context) error {
		now := cfg.Now()
		if now.Day() >= cfg.PayrollDay {
			period := domain.Period(now)
			result, err := svc.RunPayroll(ctx, period, nil)
			if err != nil {
				return err
			}
			if result.Processed > 0 || result.Failed > 0 {
				utils.Info("payroll deductions applied",
					slog.String("period", period),
					slog.Int("processed", result.Processed),
					slog.Int("failed", result.Failed),
					slog.Float64("total_amount", result.TotalAmount),
				)
			}
		}

		marked, err := svc.MarkDefaults(ctx, cfg.GraceDays)
		if err != nil {
			return err
		}
		if marked > 0 {
			utils.Info("loans marked defaulted", slog.Int("count", marked))
		}
		return nil
	})
}
