package redismpx

import (
	"sync"

	"go.uber.org/zap"
)

// OnMessage is invoked for every Pub/Sub message a subscription matches.
// channel is always the real channel the message was published on, even
// for a PatternSubscription; payload is the raw message body. Neither
// slice may be retained past the call: both point into buffers owned by
// the Listener.
type OnMessage func(channel, payload []byte)

// OnDisconnect is invoked once per generation when the Listener reports a
// connection failure. The error is always wrapped in *ConnectionError.
type OnDisconnect func(err error)

// OnActivation is invoked when the (P)SUBSCRIBE for a channel or pattern
// has been acknowledged by Redis in the current generation.
type OnActivation func(name []byte)

// callbackQueue runs callbacks for a single subscription, one at a time,
// in the order they were scheduled, on a dedicated goroutine. This keeps
// the Multiplexer's own dispatch loop non-blocking (spec §6, Callback
// contract) while still giving every subscription the ordering spec §5
// requires: messages for a channel are delivered in receive order, and
// on_activation for a channel is delivered before any on_message for that
// channel in the same generation, because both are scheduled onto the
// same queue in the order the Multiplexer observed them.
//
// A panicking callback is caught and logged instead of taking down the
// process or stalling the queue, mirroring the absorb-and-log policy the
// Python reference applies to callback exceptions in multiplexer.py's
// _log_exceptions.
type callbackQueue struct {
	logger *zap.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
}

func newCallbackQueue(logger *zap.Logger) *callbackQueue {
	q := &callbackQueue{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
	go q.run()
	return q
}

// schedule appends fn to the queue, tagged with what for the panic log
// line. It never blocks, regardless of how slow or stuck a previously
// scheduled callback is. A nil fn is a no-op.
func (q *callbackQueue) schedule(what string, fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, func() { q.invoke(what, fn) })
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops accepting new callbacks. Work already queued still runs;
// the queue's goroutine exits once it has drained.
func (q *callbackQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) run() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}

func (q *callbackQueue) invoke(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("callback panicked",
				zap.String("callback", what),
				zap.Any("recovered", r),
			)
		}
	}()
	fn()
}
