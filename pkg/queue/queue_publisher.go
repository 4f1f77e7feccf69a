// Package queue publishes accepted header batches to a message queue so
// downstream consumers (indexers, wallets) can follow the chain without
// speaking the Core streaming API themselves.
package queue

import "context"

// Msg represents a queue message.
//
// Topic identifies the destination topic. Key is used for partitioning when
// supported by the backend. Value contains the message payload.
type Msg struct {
	Topic string
	Key   []byte
	Value []byte
}

// Publisher publishes messages to the underlying queue.
type Publisher interface {
	// Publish publishes a message. Implementations may block until delivery
	// is confirmed or fail early depending on the underlying system.
	Publish(ctx context.Context, msg Msg) error

	// Close stops the publisher and releases all resources. Close MUST be
	// called at least once; implementations may block while flushing
	// in-flight messages.
	Close(ctx context.Context)
}
