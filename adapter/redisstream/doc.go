// Package redisstream provides a Redis Streams transport for xauth brokers.
//
// Transport name: "redis-streams"
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - username, password, db
//   - tls, tls_server_name
//   - group: default consumer group for subscriptions made without one (default "xauth")
//   - consumer: consumer name within each group (default "xauth-<host>-<pid>")
//   - concurrency: workers per subscription (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving nacked entries (optional)
//   - max_len_approx: approximate MAXLEN trim on XADD (optional)
//   - claim_min_idle, claim_batch, claim_interval: pending entry recovery
//
// A broker over Redis Streams:
//
//	b, err := redisstream.NewBroker(redisstream.Config{Addr: "localhost:6379"},
//	    redisstream.WithLogger(logger),
//	)
//	state := b.Connect(ctx)
package redisstream
