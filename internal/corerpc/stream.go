package corerpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vkaxevo/headersync/pkg/stream"
)

// grpcStream adapts one server-streaming call to the stream.Stream contract.
type grpcStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc

	mu         sync.Mutex
	destroyErr error
}

var _ stream.Stream = (*grpcStream)(nil)

func (s *grpcStream) Recv() (*stream.Frame, error) {
	var m rawMessage
	if err := s.cs.RecvMsg(&m); err != nil {
		s.mu.Lock()
		destroyErr := s.destroyErr
		s.mu.Unlock()
		if destroyErr != nil {
			return nil, destroyErr
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
			return nil, stream.ErrCancelled
		}
		return nil, err
	}
	return decodeFrame(m.data)
}

func (s *grpcStream) Cancel() {
	s.cancel()
}

func (s *grpcStream) Destroy(err error) {
	s.mu.Lock()
	s.destroyErr = err
	s.mu.Unlock()
	s.cancel()
}

// continuousStream keeps a continuous header subscription alive across
// transport failures and server-side stream ends. Before every reconnect it
// invokes the reader's hook so the subscription height moves past the headers
// already delivered; reconnect attempts back off exponentially and never give
// up until the stream is cancelled or destroyed.
type continuousStream struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc

	fromHeight uint32
	hook       stream.BeforeReconnectHook

	mu         sync.Mutex
	inner      *grpcStream
	destroyErr error
	cancelled  bool
}

var _ stream.Stream = (*continuousStream)(nil)

func (s *continuousStream) Recv() (*stream.Frame, error) {
	for {
		f, err := s.current().Recv()
		if err == nil {
			return f, nil
		}

		if terr, terminal := s.terminalState(); terminal {
			return nil, terr
		}

		if rerr := s.reconnect(); rerr != nil {
			return nil, rerr
		}
	}
}

func (s *continuousStream) current() *grpcStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner
}

func (s *continuousStream) terminalState() (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyErr != nil {
		return s.destroyErr, true
	}
	if s.cancelled || s.ctx.Err() != nil {
		return stream.ErrCancelled, true
	}
	return nil, false
}

// reconnect re-subscribes with backoff until a stream opens or the
// subscription is torn down.
func (s *continuousStream) reconnect() error {
	args := stream.SubscribeUpdate{FromHeight: s.fromHeight, Count: 0}
	if s.hook != nil {
		s.hook(func(u stream.SubscribeUpdate) { args = u })
	}

	delay := s.client.reconnectBaseDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-s.ctx.Done():
			if err, terminal := s.terminalState(); terminal {
				return err
			}
			return stream.ErrCancelled
		case <-time.After(delay):
		}

		inner, err := s.client.openStream(s.ctx, methodBlockHeaders, encodeStreamRequest(args.FromHeight, args.Count, nil))
		if err == nil {
			s.mu.Lock()
			s.inner = inner
			s.mu.Unlock()
			s.client.log.Infow("continuous stream reconnected",
				"fromHeight", args.FromHeight,
				"attempt", attempt,
			)
			return nil
		}

		s.client.log.Warnw("continuous stream reconnect failed",
			"fromHeight", args.FromHeight,
			"attempt", attempt,
			"error", err,
		)
		delay *= 2
		if delay > s.client.reconnectMaxDelay {
			delay = s.client.reconnectMaxDelay
		}
	}
}

func (s *continuousStream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.cancel()
}

func (s *continuousStream) Destroy(err error) {
	s.mu.Lock()
	s.destroyErr = err
	s.mu.Unlock()
	s.cancel()
}
