package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultSendTimeout = 10 * time.Second

// Async delivers notifications in the background. Notify never blocks on
// delivery and never returns an error; sends over the rate limit are dropped.
type Async struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next with a token bucket of perSecond sends and burst.
// perSecond <= 0 disables the limit.
func NewAsync(next Notifier, perSecond float64, burst int, logger *zap.Logger) *Async {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Async{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		timeout: defaultSendTimeout,
	}
}

func (a *Async) Notify(ctx context.Context, n Notification) error {
	if !a.limiter.Allow() {
		a.logger.Warn("notification dropped by rate limit",
			zap.String("order_id", n.OrderID),
			zap.String("event", string(n.Event)))
		return nil
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(sendCtx, n); err != nil {
			a.logger.Error("notification failed",
				zap.String("order_id", n.OrderID),
				zap.String("event", string(n.Event)),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until in-flight notifications finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
