// Package events fans committed-transaction notifications out to
// in-process subscribers and, optionally, ships them to an external sink
// (NATS JetStream or Kafka) through a background worker with glob path
// filtering and backoff retry.
//
// The rank engine publishes one TxnEvent per applied commit; delivery is
// fire-and-forget. Subscribers that fall behind drop events, the worker
// re-reads nothing: this is a notification channel, not a change log.
package events

// TxnEvent describes one applied transaction.
type TxnEvent struct {
	TxnID    uint64   `msgpack:"txn"`              // Transaction id (HLC-packed)
	Op       string   `msgpack:"op"`               // Operation kind name
	Client   string   `msgpack:"client,omitempty"` // Originating client, empty for internal ops
	Path     string   `msgpack:"path"`             // Primary path the operation touched
	Path2    string   `msgpack:"path2,omitempty"`  // Second path of rename and link
	Rank     uint64   `msgpack:"rank"`             // Mastering rank
	Objects  []uint64 `msgpack:"objs,omitempty"`   // Object ids the transaction wrote
	CommitTS int64    `msgpack:"ts"`               // Apply time (unix ms)
}

// Sink is a destination for published events.
// topic: destination subject/topic name
// key: message key (dedup / partition routing)
// value: msgpack-encoded TxnEvent
type Sink interface {
	Publish(topic, key string, value []byte) error
	Close() error
}
