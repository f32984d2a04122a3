package redismpx

import "sync"

// PatternSubscription delivers every message whose channel matches a
// single immutable glob pattern. Unlike ChannelSubscription there is
// nothing to Add or Remove: the pattern is fixed at creation and the only
// lifecycle operation is Close (spec §4.5).
type PatternSubscription struct {
	mpx          *Multiplexer
	pattern      []byte
	onMessage    OnMessage
	onDisconnect OnDisconnect
	onActivation OnActivation
	queue        *callbackQueue

	mu     sync.Mutex
	closed bool
}

// NewPatternSubscription creates a PatternSubscription and immediately
// issues PSUBSCRIBE for pattern (or schedules activation if an identical
// pattern is already active). Any of the three callbacks may be nil.
func (mpx *Multiplexer) NewPatternSubscription(pattern []byte, onMessage OnMessage, onDisconnect OnDisconnect, onActivation OnActivation) *PatternSubscription {
	owned := append([]byte(nil), pattern...)
	sub := &PatternSubscription{
		mpx:          mpx,
		pattern:      owned,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		onActivation: onActivation,
		queue:        newCallbackQueue(mpx.logger),
	}
	mpx.register(sub)
	_ = mpx.addPattern(sub, owned)
	return sub
}

// Pattern returns a copy of the glob pattern this subscription was
// created with.
func (s *PatternSubscription) Pattern() []byte {
	return append([]byte(nil), s.pattern...)
}

// Close issues PUNSUBSCRIBE (once no other PatternSubscription shares the
// pattern) and detaches from the Multiplexer. Idempotent.
func (s *PatternSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.mpx.removePattern(s, s.pattern)
	s.mpx.unregister(s)
	s.queue.close()
}

func (s *PatternSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// scheduleMessage queues an on_message delivery on this subscription's
// own callback queue; see ChannelSubscription.scheduleMessage for why
// this preserves per-subscription ordering without blocking the
// Multiplexer's dispatch loop.
func (s *PatternSubscription) scheduleMessage(channel, payload []byte) {
	s.queue.schedule("on_message", func() {
		if s.onMessage == nil || s.isClosed() {
			return
		}
		s.onMessage(channel, payload)
	})
}

func (s *PatternSubscription) scheduleActivation(pattern []byte) {
	s.queue.schedule("on_activation", func() {
		if s.onActivation == nil || s.isClosed() {
			return
		}
		s.onActivation(pattern)
	})
}

func (s *PatternSubscription) scheduleDisconnect(err error) {
	s.queue.schedule("on_disconnect", func() {
		if s.onDisconnect == nil || s.isClosed() {
			return
		}
		s.onDisconnect(err)
	})
}
