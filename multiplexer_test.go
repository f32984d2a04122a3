package redismpx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiplexerResubscribesAfterRestart(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := newTestServer()
	require.NoError(err)
	defer s.Kill()

	mpx := New(s.connFactory(), WithBackoff(NewBackoff(BackoffConfig{Base: 20 * time.Millisecond, Cap: 200 * time.Millisecond})))
	defer mpx.Close()

	disconnected := make(chan struct{}, 4)
	activated := make(chan struct{}, 4)
	received := make(chan string, 4)

	sub := mpx.NewChannelSubscription(
		func(channel, payload []byte) { received <- string(payload) },
		func(error) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		},
		func([]byte) {
			select {
			case activated <- struct{}{}:
			default:
			}
		},
	)
	defer sub.Close()

	sub.Add([]byte("ch1"))

	select {
	case <-activated:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first activation")
	}

	s.Restart()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect notification")
	}

	select {
	case <-activated:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for re-activation after restart")
	}

	require.NoError(s.Send("ch1", "back online"))

	select {
	case payload := <-received:
		assert.Equal("back online", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message after reconnect")
	}
}

func TestMultiplexerCloseIsIdempotent(t *testing.T) {
	require := require.New(t)

	s, err := newTestServer()
	require.NoError(err)
	defer s.Kill()

	mpx := New(s.connFactory())
	mpx.Close()
	mpx.Close()
}

func TestMultiplexerAddAfterCloseFails(t *testing.T) {
	require := require.New(t)

	s, err := newTestServer()
	require.NoError(err)
	defer s.Kill()

	mpx := New(s.connFactory())
	mpx.Close()

	sub := mpx.NewChannelSubscription(nil, nil, nil)
	err = mpx.addChannel(sub, []byte("ch1"))
	require.Equal(ErrClosed, err)
}
