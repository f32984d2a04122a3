/*
Package redismpx multiplexes a single Redis Pub/Sub connection across many
local subscribers.

A service that fans out Redis Pub/Sub messages to many local clients (for
example WebSocket sessions) would otherwise need one Redis connection per
client, or would have to hand-roll the subscribe/unsubscribe bookkeeping
itself. redismpx keeps exactly one Redis connection per Multiplexer,
reference-counts every channel and pattern any local subscription cares
about, reconnects with backoff on failure, and re-declares every channel and
pattern that's still wanted once the connection comes back.

Three subscription shapes sit on top of the shared connection: a
ChannelSubscription for a set of exact channel names, a PatternSubscription
for a single glob pattern, and a PromiseSubscription that layers a timed,
single-delivery rendezvous on top of a pattern.

	mpx := redismpx.New(func() (redis.Conn, error) {
		return redis.Dial("tcp", "localhost:6379")
	})
	defer mpx.Close()

	sub := mpx.NewChannelSubscription(
		func(channel, payload []byte) { fmt.Printf("%s: %s\n", channel, payload) },
		nil, nil)
	sub.Add([]byte("my-channel"))

redismpx does not guarantee delivery: Redis Pub/Sub is at-most-once and
anything published while the connection is down is lost. It keeps no
cross-process state, no message ordering across reconnects, and performs no
authorization.
*/
package redismpx
