// Package transport delivers flushed replay segments.
package transport

import (
	"context"
	"errors"

	"github.com/vincentbai/browsetrace-replay/internal/models"
)

// ErrRateLimited is returned when the backend refuses a segment because the
// sender exceeded its quota. Rate limited sends are never retried.
var ErrRateLimited = errors.New("replay rate limited")

// Transport sends one segment.
type Transport interface {
	Send(ctx context.Context, segment models.Segment) error
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, segment models.Segment) error

func (f Func) Send(ctx context.Context, segment models.Segment) error {
	return f(ctx, segment)
}
