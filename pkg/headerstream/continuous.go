package headerstream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/vkaxevo/headersync/pkg/stream"
)

// continuousRun is the live continuous subscription.
type continuousRun struct {
	ctx    context.Context
	cancel context.CancelFunc

	fromHeight uint32

	mu              sync.Mutex
	lastKnownHeight uint32
	delivered       bool
	s               stream.Stream
}

// headHeight returns the height of the next frame's first header.
func (run *continuousRun) headHeight() uint32 {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.delivered {
		return run.lastKnownHeight + 1
	}
	return run.lastKnownHeight
}

func (run *continuousRun) advance(head uint32, n int) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.lastKnownHeight = head + uint32(n) - 1
	run.delivered = true
}

// resumeHeight computes where a transparent transport reconnect must
// re-subscribe so that no header is re-delivered.
func (run *continuousRun) resumeHeight() uint32 {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.delivered {
		return run.lastKnownHeight + 1
	}
	return run.fromHeight
}

// SubscribeToNew opens the continuous stream at fromHeight and returns once it
// is open. New-header batches flow through the BatchHandler; transport
// reconnects resume transparently via the before-reconnect hook.
func (r *Reader) SubscribeToNew(ctx context.Context, fromHeight uint32) error {
	if fromHeight < 1 {
		return ErrInvalidHeight
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &continuousRun{
		ctx:             runCtx,
		cancel:          cancel,
		fromHeight:      fromHeight,
		lastKnownHeight: fromHeight,
	}

	r.mu.Lock()
	if r.continuous != nil {
		r.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	r.continuous = run
	r.mu.Unlock()

	hook := func(apply func(stream.SubscribeUpdate)) {
		r.metrics.IncReconnects()
		apply(stream.SubscribeUpdate{FromHeight: run.resumeHeight(), Count: 0})
	}

	s, err := r.factory.OpenContinuous(runCtx, fromHeight, stream.WithBeforeReconnect(hook))
	if err != nil {
		cancel()
		r.mu.Lock()
		r.continuous = nil
		r.mu.Unlock()
		return err
	}
	run.s = s

	r.log.Infow("continuous sync started", "fromHeight", fromHeight)
	go r.consumeContinuous(run)
	return nil
}

// UnsubscribeFromNew cancels the continuous subscription. Idempotent; the
// resulting cancellation is absorbed silently.
func (r *Reader) UnsubscribeFromNew() {
	r.mu.Lock()
	run := r.continuous
	r.mu.Unlock()
	if run == nil {
		return
	}
	run.s.Cancel()
	run.cancel()
}

func (r *Reader) consumeContinuous(run *continuousRun) {
	release := func() {
		run.cancel()
		r.mu.Lock()
		if r.continuous == run {
			r.continuous = nil
		}
		r.mu.Unlock()
	}
	defer release()

	for {
		f, err := run.s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || stream.IsCancelled(err) {
				r.log.Infow("continuous sync ended")
				return
			}
			r.metrics.IncStreamErrors()
			release()
			r.emit(EventError{Err: err})
			return
		}

		headers := f.BlockHeaders
		if len(headers) == 0 {
			continue
		}

		head := run.headHeight()
		if herr := r.handler.HandleBatch(run.ctx, Batch{Headers: headers, HeadHeight: head}); herr != nil {
			// Rejected by the consumer: tear the stream down with the error
			// and surface it through the normal error path.
			run.s.Destroy(herr)
			continue
		}
		run.advance(head, len(headers))
		r.metrics.ObserveBatchSize(len(headers))
		r.metrics.AddHeadersProcessed(len(headers))
		r.metrics.SetLastKnownHeight(head + uint32(len(headers)) - 1)
	}
}
