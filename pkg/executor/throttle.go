package executor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled limits how often next is invoked. Callers block until a token
// is available or ctx is done.
type Throttled struct {
	next    ActionExecutor
	limiter *rate.Limiter
}

// NewThrottled allows perSecond executions with the given burst.
func NewThrottled(next ActionExecutor, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Execute(ctx context.Context, a Action) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("executor throttled: %w", err)
	}
	return t.next.Execute(ctx, a)
}
