// Package clockctx bounds waits with timers from an injectable clock.
//
// Contexts produced here carry no deadline: expiry is delivered purely as
// cancellation with ErrExpired as the cause. Socket code therefore never sees
// a mock clock's notion of wall time, only the cancellation.
package clockctx

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrExpired is the cancellation cause of a context whose timer fired.
var ErrExpired = errors.New("bounded wait expired")

// WithTimeout returns a child of ctx cancelled when d elapses on clk.
func WithTimeout(ctx context.Context, clk clock.Clock, d time.Duration) (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancelCause(ctx)
	timer := clk.AfterFunc(d, func() { cancel(ErrExpired) })
	return child, func() {
		timer.Stop()
		cancel(context.Canceled)
	}
}

// Expired reports whether ctx ended because its own timer fired.
func Expired(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrExpired)
}
