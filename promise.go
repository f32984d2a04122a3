package redismpx

import (
	"context"
	"sync"
	"time"
)

// Promise is a one-shot rendezvous for exactly one message matching a
// suffix within a PromiseSubscription's prefix. It resolves to the
// message payload, or fails with ErrTimedOut or ErrCancelled, whichever
// happens first (spec §4.6). A Promise is safe for concurrent use; only
// the first of message/timeout/cancel wins.
type Promise struct {
	suffix []byte
	owner  *PromiseSubscription

	done  chan struct{}
	timer *time.Timer

	mu       sync.Mutex
	resolved bool
	payload  []byte
	err      error
}

func newPromise(owner *PromiseSubscription, suffix []byte, timeout time.Duration) *Promise {
	p := &Promise{
		suffix: append([]byte(nil), suffix...),
		owner:  owner,
		done:   make(chan struct{}),
	}
	p.timer = time.AfterFunc(timeout, func() {
		p.complete(nil, ErrTimedOut)
	})
	return p
}

// complete resolves the promise if it hasn't already resolved, and
// reports whether this call won the race.
func (p *Promise) complete(payload []byte, err error) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.payload = payload
	p.err = err
	p.mu.Unlock()

	p.timer.Stop()
	close(p.done)
	p.owner.detach(p)
	return true
}

// Suffix returns a copy of the suffix this promise is waiting on.
func (p *Promise) Suffix() []byte {
	return append([]byte(nil), p.suffix...)
}

// Cancel resolves the promise with ErrCancelled if it hasn't resolved
// already. It is a no-op otherwise.
func (p *Promise) Cancel() {
	p.complete(nil, ErrCancelled)
}

// Await blocks until the promise resolves, times out, or ctx is done,
// whichever happens first. A ctx cancellation cancels the promise too, and
// is itself reported as ErrCancelled (spec §7), not the underlying
// context error, so callers can uniformly check with errors.Is regardless
// of who initiated the cancellation. If the promise already resolved by
// the time ctx.Done() is observed, the actual outcome wins instead.
func (p *Promise) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.payload, p.err
	case <-ctx.Done():
		if p.complete(nil, ErrCancelled) {
			return nil, ErrCancelled
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.payload, p.err
	}
}
