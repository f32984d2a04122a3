package redismpx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChannelSubscriptionDeliversMessages(t *testing.T) {
	assert := assert.New(t)

	s, err := newTestServer()
	assert.NoError(err)
	defer s.Kill()

	mpx := New(s.connFactory())
	defer mpx.Close()

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 1)

	sub := mpx.NewChannelSubscription(func(channel, payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		received <- struct{}{}
	}, nil, nil)
	defer sub.Close()

	sub.Add([]byte("ch1"))

	waitForSubscribeAck(t, mpx, "ch1")
	assert.NoError(s.Send("ch1", "hello"))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	assert.Equal([]string{"hello"}, got)
	mu.Unlock()
}

func TestChannelSubscriptionRemoveStopsDelivery(t *testing.T) {
	assert := assert.New(t)

	s, err := newTestServer()
	assert.NoError(err)
	defer s.Kill()

	mpx := New(s.connFactory())
	defer mpx.Close()

	received := make(chan struct{}, 1)
	sub := mpx.NewChannelSubscription(func(channel, payload []byte) {
		received <- struct{}{}
	}, nil, nil)
	defer sub.Close()

	sub.Add([]byte("ch1"))
	waitForSubscribeAck(t, mpx, "ch1")

	sub.Remove([]byte("ch1"))
	time.Sleep(200 * time.Millisecond)

	assert.NoError(s.Send("ch1", "hello"))

	select {
	case <-received:
		t.Fatal("message delivered after Remove")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestChannelSubscriptionActivation(t *testing.T) {
	assert := assert.New(t)

	s, err := newTestServer()
	assert.NoError(err)
	defer s.Kill()

	mpx := New(s.connFactory())
	defer mpx.Close()

	activated := make(chan []byte, 1)
	sub := mpx.NewChannelSubscription(nil, nil, func(channel []byte) {
		activated <- append([]byte(nil), channel...)
	})
	defer sub.Close()

	sub.Add([]byte("ch1"))

	select {
	case ch := <-activated:
		assert.Equal("ch1", string(ch))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for activation")
	}
}

// waitForSubscribeAck polls until channel is active in the current
// generation, avoiding a fixed sleep for ack latency.
func waitForSubscribeAck(t *testing.T, mpx *Multiplexer, channel string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mpx.mu.Lock()
		entry := mpx.channelRefs[channel]
		active := entry != nil && entry.activeGen == mpx.generation
		mpx.mu.Unlock()
		if active {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %s never became active", channel)
}
