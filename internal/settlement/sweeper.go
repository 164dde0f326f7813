package settlement

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper periodically rechecks pending orders against the gateway, so an
// order whose callbacks were lost still settles.
type Sweeper struct {
	Reconciler  *Reconciler
	Interval    time.Duration
	MinAge      time.Duration // orders younger than this are left to the push path
	Batch       int
	Parallelism int
	Logger      *slog.Logger
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.log().Warn("sweep", "checked", n, "err", err)
			}
		}
	}
}

// Sweep rechecks one batch of pending orders and returns how many were
// checked. Failures of single orders are logged, not returned.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	r := s.Reconciler
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	pending, err := r.Store.ListPendingOrders(ctx, r.now().Add(-s.MinAge), batch)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	limit := s.Parallelism
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, o := range pending {
		code := o.Code
		g.Go(func() error {
			res, err := r.Recheck(ctx, code)
			if err != nil {
				s.log().Warn("recheck failed", "order", code, "err", err)
				return nil
			}
			if res.After != res.Before {
				s.log().Info("sweep settled order", "order", code, "status", res.After)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(pending), ctx.Err()
}

func (s *Sweeper) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return s.Reconciler.log()
}
