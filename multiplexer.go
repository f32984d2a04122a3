package redismpx

import (
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// registeredSub is the subset of ChannelSubscription / PatternSubscription
// the Multiplexer needs in order to fan out on_disconnect and to drive
// Close. PromiseSubscription is not a registeredSub: it receives
// on_disconnect through the PatternSubscription it creates for itself
// (spec §4.6), and is tracked separately in promiseSubs so Close can close
// it.
type registeredSub interface {
	scheduleDisconnect(err error)
	Close()
}

// channelEntry is the refcounted bookkeeping for one exact channel name.
type channelEntry struct {
	subs      map[*ChannelSubscription]struct{}
	activeGen uint64
}

// patternEntry is the refcounted bookkeeping for one glob pattern.
type patternEntry struct {
	subs      map[*PatternSubscription]struct{}
	activeGen uint64
}

// ConnFactory dials a fresh connection for the Multiplexer's reconnect
// loop. It is called once up front and again after every disconnect.
type ConnFactory func() (redis.Conn, error)

// Multiplexer owns the single Redis connection backing every subscription
// created through it, transparently reconnecting on failure and replaying
// every live (P)SUBSCRIBE against the new connection (spec §4.3).
type Multiplexer struct {
	id          uuid.UUID
	connFactory ConnFactory
	logger      *zap.Logger
	backoff     *Backoff

	mu            sync.Mutex
	channelRefs   map[string]*channelEntry
	patternRefs   map[string]*patternEntry
	subscriptions map[registeredSub]struct{}
	promiseSubs   map[*PromiseSubscription]struct{}
	listener      *Listener
	generation    uint64
	closed        bool

	done    chan struct{}
	closeOnce sync.Once
	wg      sync.WaitGroup
}

// New creates a Multiplexer and starts its first connection attempt in the
// background. connFactory is never called synchronously from New, so New
// never blocks on network I/O.
func New(connFactory ConnFactory, opts ...Option) *Multiplexer {
	cfg := defaultMuxConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	mpx := &Multiplexer{
		id:            uuid.New(),
		connFactory:   connFactory,
		logger:        cfg.logger,
		backoff:       cfg.backoff,
		channelRefs:   map[string]*channelEntry{},
		patternRefs:   map[string]*patternEntry{},
		subscriptions: map[registeredSub]struct{}{},
		promiseSubs:   map[*PromiseSubscription]struct{}{},
		done:          make(chan struct{}),
	}

	gen := mpx.beginConnecting()
	mpx.wg.Add(1)
	go mpx.reconnectLoop(gen)

	return mpx
}

func (mpx *Multiplexer) beginConnecting() uint64 {
	mpx.mu.Lock()
	defer mpx.mu.Unlock()
	mpx.generation++
	return mpx.generation
}

// reconnectLoop repeatedly dials connFactory, installs the fresh Listener
// as current, and re-declares every wanted channel and pattern against
// it, until it succeeds or the Multiplexer is closed. Mirrors the
// boot/resubscribe cycle of the wider pack's pubsub clients, collapsed
// into a single retrying function instead of an explicit state machine
// (spec §4.1, §4.3).
//
// The listener is installed under the lock before the re-declare commands
// are issued, not after: addChannel/addPattern route to mpx.listener the
// instant it is non-nil, so a subscription added concurrently with a
// reconnect — after the snapshot below is taken but before the snapshot's
// SUBSCRIBEs land — still gets its own SUBSCRIBE issued against the new
// listener rather than being silently missed until the next reconnect.
// The snapshot's re-declare can then harmlessly double-SUBSCRIBE a
// channel a concurrent Add already declared; Redis treats repeat
// SUBSCRIBEs as idempotent.
func (mpx *Multiplexer) reconnectLoop(gen uint64) {
	defer mpx.wg.Done()

	for {
		if mpx.isClosed() {
			return
		}

		conn, err := mpx.connFactory()
		if err != nil {
			mpx.logger.Warn("redismpx: dial failed", zap.String("mux", mpx.id.String()), zap.Error(err))
			if !mpx.sleepBackoff() {
				return
			}
			continue
		}

		listener := newListener(conn)

		mpx.mu.Lock()
		if mpx.closed {
			mpx.mu.Unlock()
			listener.Close()
			return
		}
		channels := make([]string, 0, len(mpx.channelRefs))
		for k := range mpx.channelRefs {
			channels = append(channels, k)
		}
		patterns := make([]string, 0, len(mpx.patternRefs))
		for k := range mpx.patternRefs {
			patterns = append(patterns, k)
		}
		mpx.listener = listener
		mpx.mu.Unlock()

		ok := true
		for _, ch := range channels {
			if err := listener.Subscribe([]byte(ch)); err != nil {
				ok = false
				break
			}
		}
		if ok {
			for _, pat := range patterns {
				if err := listener.PSubscribe([]byte(pat)); err != nil {
					ok = false
					break
				}
			}
		}
		if !ok {
			mpx.mu.Lock()
			if mpx.listener == listener {
				mpx.listener = nil
			}
			mpx.mu.Unlock()
			listener.Close()
			mpx.logger.Warn("redismpx: re-declaring subscriptions failed", zap.String("mux", mpx.id.String()))
			if !mpx.sleepBackoff() {
				return
			}
			continue
		}

		mpx.mu.Lock()
		if mpx.closed {
			mpx.mu.Unlock()
			listener.Close()
			return
		}
		mpx.backoff.Reset()
		mpx.mu.Unlock()

		mpx.logger.Info("redismpx: connected", zap.String("mux", mpx.id.String()))

		events := make(chan listenerEvent)
		mpx.wg.Add(2)
		go func() {
			defer mpx.wg.Done()
			listener.Run(events)
		}()
		go func() {
			defer mpx.wg.Done()
			for ev := range events {
				mpx.handleEvent(gen, ev)
			}
		}()
		return
	}
}

// sleepBackoff waits for the next backoff delay, returning false if the
// Multiplexer was closed while waiting.
func (mpx *Multiplexer) sleepBackoff() bool {
	delay := mpx.backoff.Next()
	select {
	case <-time.After(delay):
		return true
	case <-mpx.done:
		return false
	}
}

func (mpx *Multiplexer) isClosed() bool {
	mpx.mu.Lock()
	defer mpx.mu.Unlock()
	return mpx.closed
}

// handleEvent applies one classified frame from the current Listener.
// Events tagged with a stale generation (from a Listener the Multiplexer
// has already replaced) are dropped, satisfying the "discard stale
// activation acks" requirement in spec.md §4.1.
func (mpx *Multiplexer) handleEvent(gen uint64, ev listenerEvent) {
	mpx.mu.Lock()
	if gen != mpx.generation || mpx.closed {
		mpx.mu.Unlock()
		return
	}

	switch ev.kind {
	case eventMessage:
		entry := mpx.channelRefs[string(ev.channel)]
		if entry != nil {
			for sub := range entry.subs {
				sub.scheduleMessage(ev.channel, ev.payload)
			}
		}
		mpx.mu.Unlock()

	case eventPMessage:
		entry := mpx.patternRefs[string(ev.pattern)]
		if entry != nil {
			for sub := range entry.subs {
				sub.scheduleMessage(ev.channel, ev.payload)
			}
		}
		mpx.mu.Unlock()

	case eventSubscribeAck:
		entry := mpx.channelRefs[string(ev.channel)]
		if entry != nil {
			entry.activeGen = mpx.generation
			for sub := range entry.subs {
				sub.scheduleActivation(ev.channel)
			}
		}
		mpx.mu.Unlock()

	case eventPSubscribeAck:
		entry := mpx.patternRefs[string(ev.pattern)]
		if entry != nil {
			entry.activeGen = mpx.generation
			for sub := range entry.subs {
				sub.scheduleActivation(ev.pattern)
			}
		}
		mpx.mu.Unlock()

	case eventUnsubscribeAck, eventPUnsubscribeAck:
		mpx.mu.Unlock()

	case eventDisconnect:
		mpx.handleDisconnect(ev.err)
	}
}

// handleDisconnect is called with mpx.mu held (by handleEvent). It
// advances the generation, snapshots every registered subscription for
// on_disconnect delivery, and starts a fresh reconnect loop.
func (mpx *Multiplexer) handleDisconnect(cause error) {
	mpx.generation++
	gen := mpx.generation
	mpx.listener = nil

	subs := make([]registeredSub, 0, len(mpx.subscriptions))
	for s := range mpx.subscriptions {
		subs = append(subs, s)
	}
	closed := mpx.closed
	mpx.mu.Unlock()

	mpx.logger.Warn("redismpx: disconnected", zap.String("mux", mpx.id.String()), zap.Error(cause))

	connErr := &ConnectionError{Cause: cause}
	for _, sub := range subs {
		sub.scheduleDisconnect(connErr)
	}

	if closed {
		return
	}
	mpx.wg.Add(1)
	go mpx.reconnectLoop(gen)
}

// addChannel registers sub's interest in channel, issuing SUBSCRIBE if
// this is the first interested subscription, or scheduling an immediate
// activation callback if the channel is already active (spec §4.3, add).
func (mpx *Multiplexer) addChannel(sub *ChannelSubscription, channel []byte) error {
	mpx.mu.Lock()
	if mpx.closed {
		mpx.mu.Unlock()
		return ErrClosed
	}

	key := string(channel)
	entry, ok := mpx.channelRefs[key]
	if !ok {
		entry = &channelEntry{subs: map[*ChannelSubscription]struct{}{}}
		mpx.channelRefs[key] = entry
		entry.subs[sub] = struct{}{}
		listener := mpx.listener
		mpx.mu.Unlock()
		if listener != nil {
			if err := listener.Subscribe(channel); err != nil {
				mpx.logger.Warn("redismpx: SUBSCRIBE failed", zap.ByteString("channel", channel), zap.Error(err))
			}
		}
		return nil
	}

	entry.subs[sub] = struct{}{}
	active := entry.activeGen == mpx.generation
	mpx.mu.Unlock()

	if active {
		sub.scheduleActivation(channel)
	}
	return nil
}

// removeChannel drops sub's interest in channel, issuing UNSUBSCRIBE once
// no subscription cares about it anymore.
func (mpx *Multiplexer) removeChannel(sub *ChannelSubscription, channel []byte) {
	mpx.mu.Lock()
	key := string(channel)
	entry, ok := mpx.channelRefs[key]
	if !ok {
		mpx.mu.Unlock()
		return
	}
	delete(entry.subs, sub)
	if len(entry.subs) > 0 {
		mpx.mu.Unlock()
		return
	}
	delete(mpx.channelRefs, key)
	listener := mpx.listener
	mpx.mu.Unlock()

	if listener != nil {
		if err := listener.Unsubscribe(channel); err != nil {
			mpx.logger.Warn("redismpx: UNSUBSCRIBE failed", zap.ByteString("channel", channel), zap.Error(err))
		}
	}
}

// addPattern is addChannel's analogue for PatternSubscription / PSUBSCRIBE.
func (mpx *Multiplexer) addPattern(sub *PatternSubscription, pattern []byte) error {
	mpx.mu.Lock()
	if mpx.closed {
		mpx.mu.Unlock()
		return ErrClosed
	}

	key := string(pattern)
	entry, ok := mpx.patternRefs[key]
	if !ok {
		entry = &patternEntry{subs: map[*PatternSubscription]struct{}{}}
		mpx.patternRefs[key] = entry
		entry.subs[sub] = struct{}{}
		listener := mpx.listener
		mpx.mu.Unlock()
		if listener != nil {
			if err := listener.PSubscribe(pattern); err != nil {
				mpx.logger.Warn("redismpx: PSUBSCRIBE failed", zap.ByteString("pattern", pattern), zap.Error(err))
			}
		}
		return nil
	}

	entry.subs[sub] = struct{}{}
	active := entry.activeGen == mpx.generation
	mpx.mu.Unlock()

	if active {
		sub.scheduleActivation(pattern)
	}
	return nil
}

// removePattern is removeChannel's analogue for PatternSubscription /
// PUNSUBSCRIBE.
func (mpx *Multiplexer) removePattern(sub *PatternSubscription, pattern []byte) {
	mpx.mu.Lock()
	key := string(pattern)
	entry, ok := mpx.patternRefs[key]
	if !ok {
		mpx.mu.Unlock()
		return
	}
	delete(entry.subs, sub)
	if len(entry.subs) > 0 {
		mpx.mu.Unlock()
		return
	}
	delete(mpx.patternRefs, key)
	listener := mpx.listener
	mpx.mu.Unlock()

	if listener != nil {
		if err := listener.PUnsubscribe(pattern); err != nil {
			mpx.logger.Warn("redismpx: PUNSUBSCRIBE failed", zap.ByteString("pattern", pattern), zap.Error(err))
		}
	}
}

func (mpx *Multiplexer) register(s registeredSub) {
	mpx.mu.Lock()
	defer mpx.mu.Unlock()
	mpx.subscriptions[s] = struct{}{}
}

func (mpx *Multiplexer) unregister(s registeredSub) {
	mpx.mu.Lock()
	defer mpx.mu.Unlock()
	delete(mpx.subscriptions, s)
}

func (mpx *Multiplexer) registerPromise(ps *PromiseSubscription) {
	mpx.mu.Lock()
	defer mpx.mu.Unlock()
	mpx.promiseSubs[ps] = struct{}{}
}

func (mpx *Multiplexer) unregisterPromise(ps *PromiseSubscription) {
	mpx.mu.Lock()
	defer mpx.mu.Unlock()
	delete(mpx.promiseSubs, ps)
}

// Close tears down the Multiplexer: every registered subscription is
// closed, the current Listener (if any) is closed, and the reconnect loop
// is stopped. Close is idempotent and blocks until the reconnect loop and
// the Listener's run and event-dispatch goroutines have exited. It does
// not wait for the subscriptions' callback goroutines: a callback already
// running when Close is called may still be running after it returns.
func (mpx *Multiplexer) Close() {
	mpx.closeOnce.Do(func() {
		mpx.mu.Lock()
		mpx.closed = true
		subs := make([]registeredSub, 0, len(mpx.subscriptions))
		for s := range mpx.subscriptions {
			subs = append(subs, s)
		}
		promiseSubs := make([]*PromiseSubscription, 0, len(mpx.promiseSubs))
		for ps := range mpx.promiseSubs {
			promiseSubs = append(promiseSubs, ps)
		}
		listener := mpx.listener
		mpx.mu.Unlock()

		close(mpx.done)
		for _, ps := range promiseSubs {
			ps.Close()
		}
		for _, s := range subs {
			s.Close()
		}
		if listener != nil {
			listener.Close()
		}
		mpx.wg.Wait()
	})
}
