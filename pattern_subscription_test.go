package redismpx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPatternSubscriptionDeliversMatchingChannels(t *testing.T) {
	assert := assert.New(t)

	s, err := newTestServer()
	assert.NoError(err)
	defer s.Kill()

	mpx := New(s.connFactory())
	defer mpx.Close()

	type delivery struct {
		channel string
		payload string
	}
	received := make(chan delivery, 1)

	sub := mpx.NewPatternSubscription([]byte("news.*"), func(channel, payload []byte) {
		received <- delivery{string(channel), string(payload)}
	}, nil, nil)
	defer sub.Close()

	waitForPatternAck(t, mpx, "news.*")
	assert.NoError(s.Send("news.sports", "goal"))

	select {
	case d := <-received:
		assert.Equal("news.sports", d.channel)
		assert.Equal("goal", d.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPatternSubscriptionCloseStopsDelivery(t *testing.T) {
	assert := assert.New(t)

	s, err := newTestServer()
	assert.NoError(err)
	defer s.Kill()

	mpx := New(s.connFactory())
	defer mpx.Close()

	received := make(chan struct{}, 1)
	sub := mpx.NewPatternSubscription([]byte("news.*"), func(channel, payload []byte) {
		received <- struct{}{}
	}, nil, nil)

	waitForPatternAck(t, mpx, "news.*")
	sub.Close()
	time.Sleep(200 * time.Millisecond)

	assert.NoError(s.Send("news.sports", "goal"))

	select {
	case <-received:
		t.Fatal("message delivered after Close")
	case <-time.After(500 * time.Millisecond):
	}
}

func waitForPatternAck(t *testing.T, mpx *Multiplexer, pattern string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mpx.mu.Lock()
		entry := mpx.patternRefs[pattern]
		active := entry != nil && entry.activeGen == mpx.generation
		mpx.mu.Unlock()
		if active {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pattern %s never became active", pattern)
}
