package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// Reconciler settles M-Pesa requests that never got a callback.
type Reconciler interface {
	ReconcilePendingSTK(ctx context.Context, olderThan time.Duration) (int, error)
	// ReconcileStalePayouts fails B2C payouts that were never submitted.
	ReconcileStalePayouts(ctx context.Context, olderThan time.Duration) (int, error)
}

// NewReconcileWorker settles stale pending STK pushes and abandoned payouts
// on every tick.
func NewReconcileWorker(svc Reconciler, locker Locker, staleAfter time.Duration) *ScheduledWorker {
	return newScheduledWorker("mpesa-reconcile", locker, func(ctx context.Context) error {
		stk, stkErr := svc.ReconcilePendingSTK(ctx, staleAfter)
		if stk > 0 {
			utils.Info("pending stk pushes reconciled", slog.Int("count", stk))
		}
		payouts, payoutErr := svc.ReconcileStalePayouts(ctx, staleAfter)
		if payouts > 0 {
			utils.Info("stale payouts released", slog.Int("count", payouts))
		}
		return errors.Join(stkErr, payoutErr)
	})
}
