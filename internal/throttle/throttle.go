// Package throttle 实现下单节流:按交易对维护独立的令牌桶,
// 超出速率的请求在上限内排队等待,超出等待上限的请求被拒绝。
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrBurstExceeded is returned when a request can neither be admitted
// immediately nor within the configured admission delay.
var ErrBurstExceeded = errors.New("throttle: order burst exceeded")

// Controller enforces per-instrument order submission rates. Requests that
// exceed the steady rate are delayed up to maxDelay; requests beyond that
// are rejected rather than queued without bound, so a signal storm degrades
// into rejections instead of an ever-growing backlog.
type Controller struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	maxDelay time.Duration
	degraded bool
	logger   *zap.Logger
}

// New builds a Controller allowing ratePerSec sustained submissions per
// instrument with the given burst. ratePerSec <= 0 disables throttling
// entirely, which is what deterministic backtests run with.
func New(ratePerSec float64, burst int, maxDelay time.Duration, logger *zap.Logger) *Controller {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		maxDelay: maxDelay,
		logger:   logger,
	}
}

// Unlimited returns a Controller that admits everything immediately.
func Unlimited() *Controller {
	return New(0, 1, 0, nil)
}

// SetDegraded halves the sustained rate while the execution venue reports
// degraded health, and restores it when health recovers.
func (c *Controller) SetDegraded(degraded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if degraded == c.degraded {
		return
	}
	c.degraded = degraded
	limit := c.effectiveLimit()
	for _, lim := range c.limiters {
		lim.SetLimit(limit)
	}
	c.logger.Info("throttle rate adjusted",
		zap.String("module", "throttle"),
		zap.String("action", "health_backoff"),
		zap.Bool("degraded", degraded))
}

func (c *Controller) effectiveLimit() rate.Limit {
	if c.degraded && c.limit != rate.Inf {
		return c.limit / 2
	}
	return c.limit
}

func (c *Controller) limiterFor(instrument string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[instrument]
	if !ok {
		lim = rate.NewLimiter(c.effectiveLimit(), c.burst)
		c.limiters[instrument] = lim
	}
	return lim
}

// Admit blocks until the instrument's limiter admits one submission, up to
// the admission delay. It returns ErrBurstExceeded when the wait would be
// longer than that, or ctx.Err() when the caller gives up first. Waiters
// are served in reservation order.
func (c *Controller) Admit(ctx context.Context, instrument string) error {
	lim := c.limiterFor(instrument)
	r := lim.Reserve()
	if !r.OK() {
		return ErrBurstExceeded
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > c.maxDelay {
		r.Cancel()
		return ErrBurstExceeded
	}
	c.logger.Debug("order admission delayed",
		zap.String("module", "throttle"),
		zap.String("action", "admit_delayed"),
		zap.String("instrument", instrument),
		zap.Duration("delay", delay))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
