package redismpx

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// PromiseSubscription turns a prefix-matched pattern into a registry of
// one-shot Promises keyed by the part of the channel name after the
// prefix. It is built entirely on top of a PatternSubscription for
// prefix+"*" (spec §4.6); callers never see raw messages, only the
// Promise they asked for.
type PromiseSubscription struct {
	mpx    *Multiplexer
	prefix []byte
	patSub *PatternSubscription

	mu                sync.Mutex
	closed            bool
	active            bool
	pending           map[string][]*Promise
	activationWaiters map[chan error]struct{}
	promiseWaiters    map[chan error]struct{}
}

// NewPromiseSubscription creates a PromiseSubscription for the given
// prefix and issues PSUBSCRIBE for prefix+"*" immediately.
func (mpx *Multiplexer) NewPromiseSubscription(prefix []byte) *PromiseSubscription {
	ps := &PromiseSubscription{
		mpx:               mpx,
		prefix:            append([]byte(nil), prefix...),
		pending:           map[string][]*Promise{},
		activationWaiters: map[chan error]struct{}{},
		promiseWaiters:    map[chan error]struct{}{},
	}
	pattern := append(append([]byte(nil), prefix...), '*')
	ps.patSub = mpx.NewPatternSubscription(pattern, ps.onMessage, ps.onDisconnect, ps.onActivation)
	mpx.registerPromise(ps)
	return ps
}

// Prefix returns a copy of the prefix this subscription was created with.
func (ps *PromiseSubscription) Prefix() []byte {
	return append([]byte(nil), ps.prefix...)
}

// WaitForActivation blocks until the underlying PSUBSCRIBE has been
// acknowledged by Redis, returning immediately if it already has. It
// returns ErrSubscriptionClosed if the subscription is closed before or
// while waiting. Disconnects do not unblock a pending wait: it stays
// blocked until reactivation, or until Close.
func (ps *PromiseSubscription) WaitForActivation(ctx context.Context) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return ErrSubscriptionClosed
	}
	if ps.active {
		ps.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	ps.activationWaiters[ch] = struct{}{}
	ps.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		ps.mu.Lock()
		delete(ps.activationWaiters, ch)
		ps.mu.Unlock()
		return ctx.Err()
	}
}

// NewPromise registers a new Promise for suffix, valid immediately. It
// fails with ErrInactiveSubscription if the underlying pattern is not
// currently active, and with ErrSubscriptionClosed once closed.
func (ps *PromiseSubscription) NewPromise(suffix []byte, timeout time.Duration) (*Promise, error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, ErrSubscriptionClosed
	}
	if !ps.active {
		ps.mu.Unlock()
		return nil, ErrInactiveSubscription
	}
	p := newPromise(ps, suffix, timeout)
	key := string(suffix)
	ps.pending[key] = append(ps.pending[key], p)
	ps.mu.Unlock()
	return p, nil
}

// WaitForNewPromise is the atomic composition of WaitForActivation
// followed by NewPromise: it waits for the subscription to become active
// (if it isn't already) and then registers the Promise, retrying if a
// disconnect lands in between. It fails with ErrCancelled if the
// subscription disconnects while waiting for activation, and with
// ErrSubscriptionClosed once closed.
func (ps *PromiseSubscription) WaitForNewPromise(suffix []byte, timeout time.Duration) (*Promise, error) {
	for {
		ps.mu.Lock()
		if ps.closed {
			ps.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		if ps.active {
			p := newPromise(ps, suffix, timeout)
			key := string(suffix)
			ps.pending[key] = append(ps.pending[key], p)
			ps.mu.Unlock()
			return p, nil
		}
		ch := make(chan error, 1)
		ps.promiseWaiters[ch] = struct{}{}
		ps.mu.Unlock()

		if err := <-ch; err != nil {
			return nil, err
		}
	}
}

// Close cancels every pending Promise, fails every blocked waiter with
// ErrSubscriptionClosed, and closes the underlying PatternSubscription.
// Idempotent.
func (ps *PromiseSubscription) Close() {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.closed = true
	pending := ps.pending
	ps.pending = map[string][]*Promise{}
	aWaiters := ps.activationWaiters
	ps.activationWaiters = map[chan error]struct{}{}
	pWaiters := ps.promiseWaiters
	ps.promiseWaiters = map[chan error]struct{}{}
	ps.mu.Unlock()

	for _, list := range pending {
		for _, p := range list {
			p.complete(nil, ErrCancelled)
		}
	}
	for w := range aWaiters {
		w <- ErrSubscriptionClosed
	}
	for w := range pWaiters {
		w <- ErrSubscriptionClosed
	}
	ps.patSub.Close()
	ps.mpx.unregisterPromise(ps)
}

func (ps *PromiseSubscription) detach(p *Promise) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	key := string(p.suffix)
	list := ps.pending[key]
	for i, q := range list {
		if q == p {
			ps.pending[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(ps.pending[key]) == 0 {
		delete(ps.pending, key)
	}
}

func (ps *PromiseSubscription) onMessage(channel, payload []byte) {
	if !bytes.HasPrefix(channel, ps.prefix) {
		return
	}
	suffix := channel[len(ps.prefix):]
	key := string(suffix)

	ps.mu.Lock()
	list := ps.pending[key]
	delete(ps.pending, key)
	ps.mu.Unlock()

	for _, p := range list {
		p.complete(payload, nil)
	}
}

func (ps *PromiseSubscription) onActivation([]byte) {
	ps.mu.Lock()
	ps.active = true
	aWaiters := ps.activationWaiters
	ps.activationWaiters = map[chan error]struct{}{}
	pWaiters := ps.promiseWaiters
	ps.promiseWaiters = map[chan error]struct{}{}
	ps.mu.Unlock()

	for w := range aWaiters {
		w <- nil
	}
	for w := range pWaiters {
		w <- nil
	}
}

func (ps *PromiseSubscription) onDisconnect(error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.active = false
	pending := ps.pending
	ps.pending = map[string][]*Promise{}
	pWaiters := ps.promiseWaiters
	ps.promiseWaiters = map[chan error]struct{}{}
	ps.mu.Unlock()

	for _, list := range pending {
		for _, p := range list {
			p.complete(nil, ErrCancelled)
		}
	}
	for w := range pWaiters {
		w <- ErrCancelled
	}
}
