package redismpx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffWithinBounds(t *testing.T) {
	assert := assert.New(t)

	b := NewBackoff(BackoffConfig{Base: 10 * time.Millisecond, Cap: 100 * time.Millisecond, Factor: 2, Jitter: 1})

	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.True(d >= 0)
		assert.True(d <= 100*time.Millisecond)
	}
}

func TestBackoffGrows(t *testing.T) {
	assert := assert.New(t)

	b := NewBackoff(BackoffConfig{Base: 10 * time.Millisecond, Cap: 10 * time.Second, Factor: 2, Jitter: 0})

	first := b.delayForAttempt(1)
	second := b.delayForAttempt(2)
	third := b.delayForAttempt(3)

	assert.Equal(10*time.Millisecond, first)
	assert.Equal(20*time.Millisecond, second)
	assert.Equal(40*time.Millisecond, third)
}

func TestBackoffReset(t *testing.T) {
	assert := assert.New(t)

	b := NewBackoff(BackoffConfig{Base: 10 * time.Millisecond, Cap: 10 * time.Second, Factor: 2, Jitter: 0})

	b.Next()
	b.Next()
	b.Next()
	b.Reset()

	assert.Equal(10*time.Millisecond, b.delayForAttempt(b.attempt+1))
}

func TestBackoffDefaults(t *testing.T) {
	assert := assert.New(t)

	b := NewBackoff(BackoffConfig{})
	assert.Equal(100*time.Millisecond, b.base)
	assert.Equal(30*time.Second, b.cap)
	assert.Equal(2.0, b.factor)
	assert.Equal(1.0, b.jitter)
}
