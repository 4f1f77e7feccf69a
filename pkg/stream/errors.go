package stream

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrCancelled is returned by Recv after the stream was cancelled locally.
var ErrCancelled = errors.New("stream cancelled")

// IsCancelled reports whether err represents a local cancellation of the
// stream rather than a transport failure. Cancellations are absorbed by the
// readers and never surface as errors.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}
