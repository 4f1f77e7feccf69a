// Package streamtest provides scriptable in-memory streams and factories for
// reader tests.
package streamtest

import (
	"context"
	"io"
	"sync"

	"github.com/vkaxevo/headersync/pkg/stream"
)

type item struct {
	frame *stream.Frame
	err   error
}

// Fake is a scriptable stream. Tests push frames, errors or a clean end;
// Cancel and Destroy behave like the transport contract.
type Fake struct {
	FromHeight uint32
	Count      uint32
	Filter     []byte

	items chan item
	done  chan struct{}

	mu         sync.Mutex
	destroyErr error
	cancelled  bool
	closed     bool
}

var _ stream.Stream = (*Fake)(nil)

func NewFake(fromHeight, count uint32) *Fake {
	return &Fake{
		FromHeight: fromHeight,
		Count:      count,
		items:      make(chan item, 64),
		done:       make(chan struct{}),
	}
}

// PushHeaders delivers one header frame.
func (f *Fake) PushHeaders(headers [][]byte) {
	f.push(item{frame: &stream.Frame{BlockHeaders: headers}})
}

// PushFrame delivers an arbitrary frame.
func (f *Fake) PushFrame(frame *stream.Frame) {
	f.push(item{frame: frame})
}

// Fail delivers a transport error.
func (f *Fake) Fail(err error) {
	f.push(item{err: err})
}

// End delivers a clean stream end.
func (f *Fake) End() {
	f.push(item{err: io.EOF})
}

func (f *Fake) push(it item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.items <- it
}

func (f *Fake) Recv() (*stream.Frame, error) {
	// A torn-down stream stops delivering even if frames are still queued.
	select {
	case <-f.done:
		return nil, f.terminalErr()
	default:
	}

	select {
	case <-f.done:
		return nil, f.terminalErr()
	case it := <-f.items:
		if it.err != nil {
			return nil, it.err
		}
		return it.frame, nil
	}
}

func (f *Fake) terminalErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	return stream.ErrCancelled
}

func (f *Fake) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.cancelled = true
	close(f.done)
}

func (f *Fake) Destroy(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.destroyErr = err
	close(f.done)
}

// Cancelled reports whether Cancel tore the stream down.
func (f *Fake) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// DestroyedWith returns the destroy error, if any.
func (f *Fake) DestroyedWith() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyErr
}

// Factory opens Fake streams and records every open call.
type Factory struct {
	mu     sync.Mutex
	opened []*Fake
	hooks  []stream.BeforeReconnectHook

	// OpenError, when set, gates every open; returning a non-nil error makes
	// the open fail.
	OpenError func(fromHeight, count uint32) error
}

var (
	_ stream.Factory   = (*Factory)(nil)
	_ stream.TxFactory = (*Factory)(nil)
)

func (f *Factory) OpenHistorical(ctx context.Context, fromHeight, count uint32) (stream.Stream, error) {
	return f.open(fromHeight, count, nil, nil)
}

func (f *Factory) OpenContinuous(ctx context.Context, fromHeight uint32, opts ...stream.SubscribeOption) (stream.Stream, error) {
	o := stream.ApplyOptions(opts...)
	return f.open(fromHeight, 0, nil, o.BeforeReconnect)
}

func (f *Factory) OpenTransactions(ctx context.Context, fromHeight, count uint32, filter []byte, opts ...stream.SubscribeOption) (stream.Stream, error) {
	return f.open(fromHeight, count, filter, nil)
}

func (f *Factory) open(fromHeight, count uint32, filter []byte, hook stream.BeforeReconnectHook) (stream.Stream, error) {
	if f.OpenError != nil {
		if err := f.OpenError(fromHeight, count); err != nil {
			return nil, err
		}
	}
	fake := NewFake(fromHeight, count)
	fake.Filter = filter
	f.mu.Lock()
	f.opened = append(f.opened, fake)
	f.hooks = append(f.hooks, hook)
	f.mu.Unlock()
	return fake, nil
}

// Opened returns a snapshot of all opened streams, in open order.
func (f *Factory) Opened() []*Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Fake(nil), f.opened...)
}

// OpenCount returns how many streams were opened so far.
func (f *Factory) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

// ByFromHeight returns the most recently opened stream with the given start
// height.
func (f *Factory) ByFromHeight(fromHeight uint32) (*Fake, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.opened) - 1; i >= 0; i-- {
		if f.opened[i].FromHeight == fromHeight {
			return f.opened[i], true
		}
	}
	return nil, false
}

// Hook returns the before-reconnect hook captured for the i-th open, if any.
func (f *Factory) Hook(i int) stream.BeforeReconnectHook {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.hooks) {
		return nil
	}
	return f.hooks[i]
}
