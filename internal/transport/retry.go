package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vincentbai/browsetrace-replay/internal/models"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 5 * time.Second
)

// Retrying retries failed sends. Rate limited sends are never retried.
type Retrying struct {
	next       Transport
	maxRetries int
	interval   time.Duration
	timer      backoff.Timer
	logger     *slog.Logger
}

type RetryOption func(*Retrying)

func WithMaxRetries(n int) RetryOption {
	return func(r *Retrying) { r.maxRetries = n }
}

func WithRetryInterval(d time.Duration) RetryOption {
	return func(r *Retrying) { r.interval = d }
}

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(timer backoff.Timer) RetryOption {
	return func(r *Retrying) { r.timer = timer }
}

func WithLogger(logger *slog.Logger) RetryOption {
	return func(r *Retrying) { r.logger = logger }
}

func NewRetrying(next Transport, opts ...RetryOption) *Retrying {
	r := &Retrying{
		next:       next,
		maxRetries: DefaultMaxRetries,
		interval:   DefaultRetryInterval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrying) Send(ctx context.Context, segment models.Segment) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&growingBackOff{initial: r.interval}, uint64(max(r.maxRetries, 0))),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		err := r.next.Send(ctx, segment)
		if errors.Is(err, ErrRateLimited) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("replay segment send failed, retrying",
			"replay_id", segment.ReplayID,
			"segment_id", segment.SegmentID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
	return backoff.RetryNotifyWithTimer(operation, policy, notify, r.timer)
}

// growingBackOff multiplies the wait by the retry number, which from 5s
// gives 5s, 10s and 30s.
type growingBackOff struct {
	initial time.Duration
	current time.Duration
	retry   int
}

func (b *growingBackOff) NextBackOff() time.Duration {
	b.retry++
	if b.retry == 1 {
		b.current = b.initial
	} else {
		b.current *= time.Duration(b.retry)
	}
	return b.current
}

func (b *growingBackOff) Reset() {
	b.current = b.initial
	b.retry = 0
}
