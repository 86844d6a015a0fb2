package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// Locker grants a short-lived cluster-wide lock. The cache service
// satisfies it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// ScheduledWorker calls run on every tick. When a Locker is set only the
// instance that takes the lock runs a given tick.
type ScheduledWorker struct {
	name   string
	run    func(ctx context.Context) error
	locker Locker

	mu      sync.Mutex
	ticker  *time.Ticker
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newScheduledWorker(name string, locker Locker, run func(ctx context.Context) error) *ScheduledWorker {
	return &ScheduledWorker{name: name, run: run, locker: locker}
}

// Start begins the processing loop. The first tick fires after interval.
func (w *ScheduledWorker) Start(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		utils.Warn("scheduled worker is already running", slog.String("worker", w.name))
		return
	}

	w.running = true
	w.ticker = time.NewTicker(interval)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	utils.Info("starting scheduled worker",
		slog.String("worker", w.name),
		slog.String("interval", interval.String()),
	)

	go w.processLoop(interval)
}

// Stop stops the loop and waits for an in-flight run or ctx.
func (w *ScheduledWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stop)
	w.ticker.Stop()
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		utils.Info("scheduled worker stopped gracefully", slog.String("worker", w.name))
		return nil
	case <-ctx.Done():
		utils.Warn("scheduled worker stop timed out", slog.String("worker", w.name))
		return ctx.Err()
	}
}

func (w *ScheduledWorker) processLoop(interval time.Duration) {
	defer close(w.done)

	for {
		select {
		case <-w.ticker.C:
			w.Tick(context.Background(), interval)
		case <-w.stop:
			return
		}
	}
}

// Tick performs one run, guarded by the lock. The lock expires well before
// the next tick so a crashed holder does not block the schedule.
func (w *ScheduledWorker) Tick(ctx context.Context, interval time.Duration) {
	if w.locker != nil {
		ttl := interval / 2
		if ttl <= 0 {
			ttl = time.Second
		}
		ok, err := w.locker.AcquireLock(ctx, "worker:"+w.name, ttl)
		if err != nil {
			utils.Error("failed to acquire worker lock", slog.String("worker", w.name), slog.String("error", err.Error()))
			return
		}
		if !ok {
			utils.Debug("another instance holds the worker lock, skipping", slog.String("worker", w.name))
			return
		}
	}

	start := time.Now()
	if err := w.run(ctx); err != nil {
		utils.Error("scheduled run failed",
			slog.String("worker", w.name),
			slog.String("error", err.Error()),
		)
		return
	}
	utils.Debug("scheduled run completed",
		slog.String("worker", w.name),
		slog.Duration("duration", time.Since(start)),
	)
}
