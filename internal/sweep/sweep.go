// Package sweep runs the background pass that ages out stale state:
// requests past their deadline and connection attempts no workshop
// answered. Reads already expire lazily; the sweeper is the backstop
// that fires refunds and frees workshops for requests nobody reads.
package sweep

import (
	"context"
	"time"

	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/metrics"
)

// Expirer ages out stale service requests.
type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Rejecter ages out unanswered connection attempts.
type Rejecter interface {
	AutoRejectStale(ctx context.Context) (int, error)
}

// Sweeper runs both passes on a fixed interval.
type Sweeper struct {
	requests    Expirer
	connections Rejecter
	interval    time.Duration
	stop        chan struct{}
	done        chan struct{}
}

func New(requests Expirer, connections Rejecter, interval time.Duration) *Sweeper {
	return &Sweeper{
		requests:    requests,
		connections: connections,
		interval:    interval,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or the context is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep runs one pass. Errors are logged, not returned: the next tick
// retries and each underlying flip is exactly-once.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	rejected, err := s.connections.AutoRejectStale(ctx)
	if err != nil {
		logging.L(ctx).Error("connection sweep failed", "error", err)
	}
	expired, err := s.requests.ExpireStale(ctx)
	if err != nil {
		logging.L(ctx).Error("request sweep failed", "error", err)
	}
	if rejected > 0 || expired > 0 {
		logging.L(ctx).Info("sweep pass",
			"connections_auto_rejected", rejected, "requests_expired", expired)
	}
}
