package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/merchantos/entitlement/internal/metrics"
)

// Timer periodically flips subscriptions past their end date to expired.
// The resolver already treats overdue rows as inactive, so the sweep is a
// bookkeeping pass, not an enforcement one.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	// onSweep, when set, runs after each sweep. Used to piggyback cheap
	// maintenance like guard session pruning.
	onSweep func()
}

// NewTimer creates an expiry sweep timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{service: service, interval: interval, logger: logger}
}

// OnSweep registers a hook to run after each sweep.
func (t *Timer) OnSweep(fn func()) { t.onSweep = fn }

// Start runs the sweep loop until ctx is cancelled.
func (t *Timer) Start(ctx context.Context) {
	t.logger.Info("expiry timer started", "interval", t.interval)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("expiry timer stopped")
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Timer) sweep(ctx context.Context) {
	n, err := t.service.ExpireDue(ctx)
	if err != nil {
		t.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		metrics.SubscriptionsExpiredTotal.Add(float64(n))
		t.logger.Info("subscriptions expired", "count", n)
	}

	if t.onSweep != nil {
		t.onSweep()
	}
}
