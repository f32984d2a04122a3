package redismpx

import "sync"

// ChannelSubscription fans a dynamic set of exact channel names out to a
// single handler triple. Channels can be added and removed for as long as
// the subscription is open; a message for a channel that was removed
// between Redis delivering it and the Multiplexer dispatching it is
// silently dropped (spec §4.4).
type ChannelSubscription struct {
	mpx          *Multiplexer
	onMessage    OnMessage
	onDisconnect OnDisconnect
	onActivation OnActivation
	queue        *callbackQueue

	mu       sync.Mutex
	channels map[string][]byte
	closed   bool
}

// NewChannelSubscription creates a ChannelSubscription with no channels
// yet added. Any of the three callbacks may be nil to opt out of that
// notification.
func (mpx *Multiplexer) NewChannelSubscription(onMessage OnMessage, onDisconnect OnDisconnect, onActivation OnActivation) *ChannelSubscription {
	sub := &ChannelSubscription{
		mpx:          mpx,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		onActivation: onActivation,
		queue:        newCallbackQueue(mpx.logger),
		channels:     map[string][]byte{},
	}
	mpx.register(sub)
	return sub
}

// Add starts delivering messages published on channel. If the channel is
// already active in the current generation, on_activation fires
// asynchronously shortly after Add returns. When the subscription is the
// first holder of the channel and a Listener is connected, Add writes and
// flushes SUBSCRIBE on the connection itself, so it blocks for that write;
// it never waits for Redis's acknowledgement. Adding a channel the
// subscription already holds is a no-op.
func (s *ChannelSubscription) Add(channel []byte) {
	key := string(channel)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.channels[key]; ok {
		s.mu.Unlock()
		return
	}
	owned := append([]byte(nil), channel...)
	s.channels[key] = owned
	s.mu.Unlock()

	_ = s.mpx.addChannel(s, owned)
}

// Remove stops delivering messages published on channel. Removing a
// channel the subscription does not hold is a no-op.
func (s *ChannelSubscription) Remove(channel []byte) {
	key := string(channel)

	s.mu.Lock()
	owned, ok := s.channels[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.channels, key)
	s.mu.Unlock()

	s.mpx.removeChannel(s, owned)
}

// Close removes every channel currently held and detaches the
// subscription from its Multiplexer. Close is idempotent; once closed, no
// further callback is ever invoked for this subscription.
func (s *ChannelSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := s.channels
	s.channels = map[string][]byte{}
	s.mu.Unlock()

	for _, ch := range channels {
		s.mpx.removeChannel(s, ch)
	}
	s.mpx.unregister(s)
	s.queue.close()
}

func (s *ChannelSubscription) hasChannel(channel []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[string(channel)]
	return ok
}

func (s *ChannelSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// scheduleMessage queues an on_message delivery on this subscription's own
// callback queue, called synchronously from the Multiplexer's dispatch
// loop (never blocking on it). Membership is re-checked when the callback
// actually runs, so a message for a channel removed in the meantime is
// dropped rather than delivered.
func (s *ChannelSubscription) scheduleMessage(channel, payload []byte) {
	s.queue.schedule("on_message", func() {
		if s.onMessage == nil || !s.hasChannel(channel) {
			return
		}
		s.onMessage(channel, payload)
	})
}

func (s *ChannelSubscription) scheduleActivation(channel []byte) {
	s.queue.schedule("on_activation", func() {
		if s.onActivation == nil || s.isClosed() {
			return
		}
		s.onActivation(channel)
	})
}

func (s *ChannelSubscription) scheduleDisconnect(err error) {
	s.queue.schedule("on_disconnect", func() {
		if s.onDisconnect == nil || s.isClosed() {
			return
		}
		s.onDisconnect(err)
	})
}
