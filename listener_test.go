package redismpx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerDeliversMessage(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := newTestServer()
	require.NoError(err)
	defer s.Kill()

	conn, err := s.connFactory()()
	require.NoError(err)

	l := newListener(conn)
	events := make(chan listenerEvent, 8)
	go l.Run(events)
	defer l.Close()

	require.NoError(l.Subscribe([]byte("ch1")))

	waitForEvent(t, events, eventSubscribeAck)

	require.NoError(s.Send("ch1", "hi"))

	ev := waitForEvent(t, events, eventMessage)
	assert.Equal("ch1", string(ev.channel))
	assert.Equal("hi", string(ev.payload))
}

func TestListenerReportsDisconnectOnce(t *testing.T) {
	require := require.New(t)

	s, err := newTestServer()
	require.NoError(err)

	conn, err := s.connFactory()()
	require.NoError(err)

	l := newListener(conn)
	events := make(chan listenerEvent, 8)
	go l.Run(events)

	s.Kill()

	ev := waitForEvent(t, events, eventDisconnect)
	require.Error(ev.err)

	// Run closes events once it has reported the disconnect, so a closed
	// channel is expected here; only a second real event is a failure.
	select {
	case ev2, ok := <-events:
		if ok {
			t.Fatalf("unexpected second event: %+v", ev2)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func waitForEvent(t *testing.T, events <-chan listenerEvent, kind listenerEventKind) listenerEvent {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}
