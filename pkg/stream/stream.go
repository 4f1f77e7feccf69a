// Package stream defines the transport contract the header sync engine reads
// from: unidirectional streams of typed frames opened against a remote Core
// node. Implementations live in internal/corerpc; tests use in-memory fakes.
package stream

import (
	"context"
)

// Frame is a single message delivered by a stream. Exactly one of the frame
// flavors is populated: a list of raw 80-byte block headers, or the
// transaction-variant payload (raw transactions and/or a raw merkle block).
// Heights are never carried on the wire; readers derive them from their own
// bookkeeping.
type Frame struct {
	BlockHeaders    [][]byte
	RawTransactions [][]byte
	RawMerkleBlock  []byte
}

// Stream is a unidirectional channel of frames.
//
// Recv blocks until the next frame arrives. It returns io.EOF when the server
// ends the stream cleanly, ErrCancelled (or an error classified by
// IsCancelled) after Cancel, and the destroy error after Destroy.
type Stream interface {
	Recv() (*Frame, error)

	// Cancel tears the stream down; the pending or next Recv fails with a
	// cancellation error.
	Cancel()

	// Destroy tears the stream down with a caller-supplied error; the pending
	// or next Recv fails with that error.
	Destroy(err error)
}

// SubscribeUpdate amends the arguments of a continuous subscription before
// the transport reconnects it.
type SubscribeUpdate struct {
	FromHeight uint32
	Count      uint32
}

// BeforeReconnectHook is invoked by the transport right before it transparently
// re-subscribes a continuous stream. The hook receives an apply function and
// calls it with the amended subscription arguments, letting the reader resume
// from the height after the last one it has seen.
type BeforeReconnectHook func(apply func(SubscribeUpdate))

// SubscribeOption configures a continuous subscription.
type SubscribeOption func(*SubscribeOptions)

// SubscribeOptions collects the resolved continuous-subscription options.
type SubscribeOptions struct {
	BeforeReconnect BeforeReconnectHook
}

// WithBeforeReconnect installs the hook invoked before every transport-level
// reconnect of a continuous stream.
func WithBeforeReconnect(hook BeforeReconnectHook) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.BeforeReconnect = hook
	}
}

// ApplyOptions resolves a set of SubscribeOption into SubscribeOptions.
func ApplyOptions(opts ...SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Factory opens header streams against the backend fleet.
type Factory interface {
	// OpenHistorical opens a stream delivering count historical headers
	// starting at fromHeight. The stream ends with io.EOF once the range is
	// exhausted.
	OpenHistorical(ctx context.Context, fromHeight, count uint32) (Stream, error)

	// OpenContinuous opens a long-lived stream delivering new headers as they
	// are mined, starting at fromHeight.
	OpenContinuous(ctx context.Context, fromHeight uint32, opts ...SubscribeOption) (Stream, error)
}

// TxFactory opens filtered transaction streams. The serialized bloom filter is
// installed server-side; the stream interleaves RawTransactions and
// RawMerkleBlock frames for matching blocks. count == 0 subscribes to new
// blocks indefinitely.
type TxFactory interface {
	OpenTransactions(ctx context.Context, fromHeight, count uint32, filter []byte, opts ...SubscribeOption) (Stream, error)
}
