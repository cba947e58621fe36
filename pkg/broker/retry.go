package broker

import (
	"context"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/time/rate"
)

const (
	defaultAttempts    = 3
	defaultBackoff     = 200 * time.Millisecond
	defaultCallTimeout = 10 * time.Second
)

// RetryOptions tunes the retrying wrapper.
type RetryOptions struct {
	Attempts    int           // total attempts per call, including the first
	Backoff     time.Duration // initial backoff, doubled per retry
	CallTimeout time.Duration // per-attempt deadline
	RateLimit   rate.Limit    // broker calls per second; 0 disables limiting
	Burst       int
}

// retryAdapter wraps an Adapter with bounded exponential backoff for
// transient failures, a per-call timeout, and an outbound rate limiter.
// Permanent errors pass through untouched on the first attempt.
type retryAdapter struct {
	inner   Adapter
	opts    RetryOptions
	limiter *rate.Limiter
}

// WithRetry decorates an adapter with the standard retry policy. The
// wrapper is safe because every call carries an idempotency key (ClientID)
// or is naturally idempotent (cancel, reads).
func WithRetry(inner Adapter, opts RetryOptions) Adapter {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	ra := &retryAdapter{inner: inner, opts: opts}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		ra.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return ra
}

func (r *retryAdapter) Capabilities() Capabilities { return r.inner.Capabilities() }

func (r *retryAdapter) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderAck, error) {
	var ack *OrderAck
	err := r.do(ctx, "place_order", func(callCtx context.Context) error {
		var err error
		ack, err = r.inner.PlaceOrder(callCtx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

func (r *retryAdapter) CancelOrder(ctx context.Context, account, orderID string) error {
	return r.do(ctx, "cancel_order", func(callCtx context.Context) error {
		return r.inner.CancelOrder(callCtx, account, orderID)
	})
}

func (r *retryAdapter) GetPositions(ctx context.Context, account string) ([]Position, error) {
	var out []Position
	err := r.do(ctx, "get_positions", func(callCtx context.Context) error {
		var err error
		out, err = r.inner.GetPositions(callCtx, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *retryAdapter) GetAccount(ctx context.Context, account string) (*Account, error) {
	var out *Account
	err := r.do(ctx, "get_account", func(callCtx context.Context) error {
		var err error
		out, err = r.inner.GetAccount(callCtx, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *retryAdapter) do(ctx context.Context, op string, call func(context.Context) error) error {
	backoff := r.opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt == r.opts.Attempts {
			break
		}
		logx.WithContext(ctx).Infof("broker: %s transient failure (attempt %d/%d), retrying in %s: %v",
			op, attempt, r.opts.Attempts, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return lastErr
}
