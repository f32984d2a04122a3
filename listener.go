package redismpx

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

// listenerEventKind classifies the inbound frames the Listener hands to
// the Multiplexer (spec §4.2, Message ingress).
type listenerEventKind uint8

const (
	eventMessage listenerEventKind = iota
	eventPMessage
	eventSubscribeAck
	eventPSubscribeAck
	eventUnsubscribeAck
	eventPUnsubscribeAck
	eventDisconnect
)

// listenerEvent is a single classified frame (or the terminal disconnect
// notification) flowing from a Listener to its owning Multiplexer.
type listenerEvent struct {
	kind    listenerEventKind
	channel []byte
	pattern []byte
	payload []byte
	err     error
}

// listenerPingInterval is how often the Listener pings Redis while it has
// at least one active (p)subscription, so that a half-open TCP connection
// is detected instead of silently going stale. Mirrors redisPingInterval
// in the teacher's conn.go.
const listenerPingInterval = 30 * time.Second

// listenerReceiveTimeout bounds how long ReceiveWithTimeout may block
// before the Listener re-checks for shutdown; it exceeds
// listenerPingInterval so a healthy connection with at least one active
// (p)subscription, which is pinged, never spuriously times out. A
// connection with no active (p)subscription is not pinged, so once this
// timeout elapses with no frame it is reported as disconnected.
const listenerReceiveTimeout = 2 * listenerPingInterval

// Listener owns exactly one Redis connection. It issues (P)SUBSCRIBE and
// (P)UNSUBSCRIBE commands, classifies every inbound frame, and reports
// connection failure exactly once via a disconnect event. It never
// reconnects itself — that's the Multiplexer's job (spec §4.2).
type Listener struct {
	conn   redis.Conn
	pubsub redis.PubSubConn

	mu           sync.Mutex
	active       int
	disconnected bool

	stop chan struct{}
	done chan struct{}
}

// newListener wraps an already-dialed connection. The caller is
// responsible for obtaining conn from the Multiplexer's connection
// factory.
func newListener(conn redis.Conn) *Listener {
	return &Listener{
		conn:   conn,
		pubsub: redis.PubSubConn{Conn: conn},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe issues SUBSCRIBE for channel. Concurrent callers are
// serialized; the command is written (and flushed) before Subscribe
// returns, but that does not imply Redis has acknowledged it yet.
func (l *Listener) Subscribe(channel []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pubsub.Subscribe(channel); err != nil {
		return fmt.Errorf("SUBSCRIBE: %w", err)
	}
	l.active++
	return nil
}

// Unsubscribe issues UNSUBSCRIBE for channel.
func (l *Listener) Unsubscribe(channel []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pubsub.Unsubscribe(channel); err != nil {
		return fmt.Errorf("UNSUBSCRIBE: %w", err)
	}
	l.active--
	return nil
}

// PSubscribe issues PSUBSCRIBE for pattern.
func (l *Listener) PSubscribe(pattern []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pubsub.PSubscribe(pattern); err != nil {
		return fmt.Errorf("PSUBSCRIBE: %w", err)
	}
	l.active++
	return nil
}

// PUnsubscribe issues PUNSUBSCRIBE for pattern.
func (l *Listener) PUnsubscribe(pattern []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pubsub.PUnsubscribe(pattern); err != nil {
		return fmt.Errorf("PUNSUBSCRIBE: %w", err)
	}
	l.active--
	return nil
}

// Run reads frames until the connection fails or Close is called, handing
// every classified frame to events. It sends exactly one eventDisconnect
// before returning, unless shutdown was requested via Close, in which case
// it returns silently. Run closes events before returning, so a caller
// forwarding events downstream can simply range over it to know when Run
// is done. Run blocks the calling goroutine; callers invoke it with `go`.
func (l *Listener) Run(events chan<- listenerEvent) {
	defer close(l.done)
	defer close(events)

	pingTicker := time.NewTicker(listenerPingInterval)
	defer pingTicker.Stop()

	frames := make(chan interface{})
	go func() {
		for {
			frame := l.pubsub.ReceiveWithTimeout(listenerReceiveTimeout)
			select {
			case frames <- frame:
			case <-l.stop:
				return
			}
			if _, isErr := frame.(error); isErr {
				return
			}
		}
	}()

	for {
		select {
		case <-l.stop:
			return
		case <-pingTicker.C:
			l.mu.Lock()
			hasActive := l.active > 0
			l.mu.Unlock()
			if hasActive {
				_ = l.pubsub.Ping("")
			}
		case frame := <-frames:
			if l.dispatchFrame(frame, events) {
				return
			}
		}
	}
}

// dispatchFrame classifies one frame from redigo's PubSubConn and returns
// true if the Listener must stop (a disconnect was reported).
func (l *Listener) dispatchFrame(frame interface{}, events chan<- listenerEvent) bool {
	switch v := frame.(type) {
	case redis.Message:
		if v.Pattern != "" {
			events <- listenerEvent{kind: eventPMessage, pattern: []byte(v.Pattern), channel: []byte(v.Channel), payload: v.Data}
		} else {
			events <- listenerEvent{kind: eventMessage, channel: []byte(v.Channel), payload: v.Data}
		}
		return false
	case redis.Subscription:
		return l.dispatchSubscriptionAck(v, events)
	case error:
		l.reportDisconnect(v, events)
		return true
	default:
		return false
	}
}

func (l *Listener) dispatchSubscriptionAck(v redis.Subscription, events chan<- listenerEvent) bool {
	switch v.Kind {
	case "subscribe":
		events <- listenerEvent{kind: eventSubscribeAck, channel: []byte(v.Channel)}
	case "psubscribe":
		events <- listenerEvent{kind: eventPSubscribeAck, pattern: []byte(v.Channel)}
	case "unsubscribe":
		events <- listenerEvent{kind: eventUnsubscribeAck, channel: []byte(v.Channel)}
	case "punsubscribe":
		events <- listenerEvent{kind: eventPUnsubscribeAck, pattern: []byte(v.Channel)}
	}
	return false
}

func (l *Listener) reportDisconnect(err error, events chan<- listenerEvent) {
	l.mu.Lock()
	already := l.disconnected
	l.disconnected = true
	l.mu.Unlock()
	if already {
		return
	}
	// A shutdown already in progress produced this error frame (Close
	// closes the connection to unblock the reader); that's not a real
	// disconnect worth reporting.
	select {
	case <-l.stop:
		return
	default:
	}
	events <- listenerEvent{kind: eventDisconnect, err: err}
}

// Close terminates the Listener and releases its connection. It is safe
// to call multiple times and safe to call from a goroutine other than the
// one running Run.
func (l *Listener) Close() {
	select {
	case <-l.stop:
		return
	default:
		close(l.stop)
	}
	_ = l.conn.Close()
	<-l.done
}
