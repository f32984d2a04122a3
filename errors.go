package redismpx

import (
	"errors"
	"fmt"
)

// ErrInactiveSubscription is returned by PromiseSubscription.NewPromise
// when the underlying pattern subscription is not currently active.
var ErrInactiveSubscription = errors.New("redismpx: subscription is not active")

// ErrSubscriptionClosed is returned by WaitForActivation, WaitForNewPromise
// and NewPromise when the PromiseSubscription, or the Multiplexer itself,
// has been closed. A Promise still pending at that point resolves with
// ErrCancelled instead.
var ErrSubscriptionClosed = errors.New("redismpx: subscription is closed")

// ErrTimedOut is the terminal outcome of a Promise whose timeout elapsed
// before a matching message arrived.
var ErrTimedOut = errors.New("redismpx: promise timed out")

// ErrCancelled is the terminal outcome of a Promise cancelled by a
// disconnection, by closing its owning PromiseSubscription, or by the
// caller cancelling its wait explicitly.
var ErrCancelled = errors.New("redismpx: promise cancelled")

// ErrClosed is returned by Multiplexer operations once Close has been
// called.
var ErrClosed = errors.New("redismpx: multiplexer is closed")

// ConnectionError wraps a failure reported by the Listener. It is always
// recoverable: the Multiplexer's reconnect loop will retry on its own, the
// error is surfaced to on_disconnect callbacks purely for information.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("redismpx: connection error: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}
