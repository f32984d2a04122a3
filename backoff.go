package redismpx

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff produces a bounded, jittered delay sequence for reconnect
// attempts. It mirrors the shape of the ReconnectPolicy interface found in
// the wider Redis pub/sub pack (Next/Reset), but implements the exact
// full-jitter exponential contract spec.md §4.1 specifies: attempt n
// produces a delay of min(cap, base*factor^(n-1)), then a uniform sample
// in [0, delay] is taken.
//
// A Backoff is safe for concurrent use; the Multiplexer only ever drives
// one reconnect loop at a time, but Next/Reset are still synchronized so
// that tests may poke at a Backoff directly while a reconnect loop runs.
type Backoff struct {
	mu sync.Mutex

	base   time.Duration
	cap    time.Duration
	factor float64
	jitter float64

	attempt int
	rand    *rand.Rand
}

// BackoffConfig configures a Backoff. A zero value for any field falls
// back to the documented default.
type BackoffConfig struct {
	// Base is the delay for the first attempt, before jitter. Default 100ms.
	Base time.Duration
	// Cap is the maximum delay any attempt may reach, before jitter. Default 30s.
	Cap time.Duration
	// Factor is the multiplicative growth applied per attempt. Default 2.
	Factor float64
	// Jitter is the fraction of the computed delay that is randomized, in
	// [0, 1]. Default 1 (full jitter).
	Jitter float64
}

// NewBackoff builds a Backoff from the given configuration, filling in
// defaults for zero fields.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = 100 * time.Millisecond
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 30 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 1
	}
	return &Backoff{
		base:   cfg.Base,
		cap:    cfg.Cap,
		factor: cfg.Factor,
		jitter: cfg.Jitter,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the next reconnect attempt and advances the
// internal attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt++
	delay := b.delayForAttempt(b.attempt)
	if b.jitter <= 0 {
		return delay
	}

	jittered := float64(delay) * b.jitter
	sampled := b.rand.Float64() * jittered
	return delay - time.Duration(jittered) + time.Duration(sampled)
}

func (b *Backoff) delayForAttempt(n int) time.Duration {
	d := float64(b.base) * pow(b.factor, n-1)
	if d > float64(b.cap) {
		return b.cap
	}
	return time.Duration(d)
}

// Reset sets the attempt counter back to zero, so the next call to Next
// returns a first-attempt delay again. The Multiplexer calls this after a
// successful reconnect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
