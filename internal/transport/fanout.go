package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

// Fanout attempts every device of a batch concurrently. Each attempt gets its
// own timeout so one slow target cannot hold up the batch.
type Fanout struct {
	Concurrency int
	Timeout     time.Duration
	// Limiter throttles outbound sends across batches. Nil means unlimited.
	Limiter *rate.Limiter
}

func NewFanout(concurrency int, timeout time.Duration, ratePerSec int) Fanout {
	f := Fanout{Concurrency: concurrency, Timeout: timeout}
	if ratePerSec > 0 {
		f.Limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return f
}

type SendFunc func(ctx context.Context, device models.Device) Outcome

// Run calls send once per device and folds the outcomes into a BatchResult
// in input order. It waits for every attempt before returning.
func (f Fanout) Run(ctx context.Context, devices []models.Device, send SendFunc) *BatchResult {
	outcomes := make([]Outcome, len(devices))

	p := pool.New()
	if f.Concurrency > 0 {
		p = p.WithMaxGoroutines(f.Concurrency)
	}
	for i := range devices {
		i := i
		p.Go(func() {
			outcomes[i] = f.attempt(ctx, devices[i], send)
		})
	}
	p.Wait()

	res := NewBatchResult()
	for i, d := range devices {
		res.Add(d.ID, outcomes[i])
	}
	return res
}

func (f Fanout) attempt(ctx context.Context, device models.Device, send SendFunc) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(KindUnknown, fmt.Sprintf("panic: %v", r))
		}
	}()

	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return Failed(KindTransient, fmt.Sprintf("rate limiter: %v", err))
		}
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	return send(ctx, device)
}
