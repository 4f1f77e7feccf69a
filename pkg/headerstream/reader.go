// Package headerstream implements the parallel block-header reader: fan-out of
// historical reads into bounded parallel sub-streams with per-stream retry and
// progress preservation, plus a single long-lived continuous subscription with
// reconnect/resume. Batches are handed to a synchronous BatchHandler; lifecycle
// signals are delivered on the events channel.
package headerstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vkaxevo/headersync/pkg/metrics"
	"github.com/vkaxevo/headersync/pkg/stream"
)

const eventsBuffer = 16

// Reader pulls block headers from the backend fleet. At most one historical
// plan and one continuous subscription are live at a time; the two are
// independent of each other.
type Reader struct {
	log     *zap.SugaredLogger
	factory stream.Factory
	handler BatchHandler
	metrics *metrics.Metrics

	maxRetries         uint32
	maxParallelStreams uint32
	targetBatchSize    uint32
	retryBackoff       time.Duration

	events chan Event

	mu         sync.Mutex
	historical *historicalRun
	continuous *continuousRun
}

// New creates a Reader and returns an error if the configuration is invalid.
func New(cfg Config) (*Reader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Reader{
		log:                cfg.Log,
		factory:            cfg.Factory,
		handler:            cfg.Handler,
		metrics:            cfg.Metrics,
		maxRetries:         cfg.MaxRetries,
		maxParallelStreams: cfg.MaxParallelStreams,
		targetBatchSize:    cfg.TargetBatchSize,
		retryBackoff:       cfg.RetryBackoff,
		events:             make(chan Event, eventsBuffer),
	}, nil
}

// Events returns the channel delivering lifecycle events. The channel is
// never closed; consumers select on it for the lifetime of the Reader.
func (r *Reader) Events() <-chan Event {
	return r.events
}

// historicalRun is one live historical plan.
type historicalRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cmds    chan command
	subs    []*subStream
	stopped chan struct{}
	once    sync.Once
}

// stop marks the run as user-cancelled and tears down every live stream. The
// resulting cancellation errors are absorbed silently.
func (run *historicalRun) stop() {
	run.once.Do(func() {
		close(run.stopped)
		for _, d := range run.subs {
			d.cancel()
		}
		run.cancel()
	})
}

func (run *historicalRun) wasStopped() bool {
	select {
	case <-run.stopped:
		return true
	default:
		return false
	}
}

// ReadHistorical partitions [fromHeight, toHeight] into parallel sub-streams
// and begins reading. It returns once every sub-stream is opened, not once the
// range is exhausted; completion is signalled by EventHistoricalDataObtained.
func (r *Reader) ReadHistorical(ctx context.Context, fromHeight, toHeight uint32) error {
	if fromHeight < 1 {
		return ErrInvalidHeight
	}
	if toHeight < fromHeight {
		return ErrInvalidRange
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &historicalRun{
		ctx:     runCtx,
		cancel:  cancel,
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}

	r.mu.Lock()
	if r.historical != nil {
		r.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	r.historical = run
	r.mu.Unlock()

	slices := partition(fromHeight, toHeight, r.targetBatchSize, r.maxParallelStreams)

	subs := make([]*subStream, len(slices))
	sem := semaphore.NewWeighted(int64(r.maxParallelStreams))
	g, gctx := errgroup.WithContext(runCtx)
	for i, sl := range slices {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			s, err := r.factory.OpenHistorical(runCtx, sl.fromHeight, sl.count)
			if err != nil {
				return fmt.Errorf("open sub-stream (%d, %d): %w", sl.fromHeight, sl.count, err)
			}
			subs[i] = newSubStream(sl, s, r.maxRetries)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, d := range subs {
			if d != nil {
				d.cancel()
			}
		}
		cancel()
		r.mu.Lock()
		r.historical = nil
		r.mu.Unlock()
		return err
	}

	run.subs = subs
	r.log.Infow("historical read started",
		"fromHeight", fromHeight,
		"toHeight", toHeight,
		"subStreams", len(subs),
	)
	r.metrics.SetLiveSubStreams(len(subs))

	for _, d := range subs {
		go r.consumeHistorical(run, d)
	}
	go r.runHistorical(run)

	return nil
}

// StopReadingHistorical cancels a live historical plan. It is idempotent and
// a no-op when no plan is live. No error event is emitted for the
// cancellation.
func (r *Reader) StopReadingHistorical() {
	r.mu.Lock()
	run := r.historical
	r.mu.Unlock()
	if run == nil {
		return
	}
	run.stop()
}

// runHistorical is the run loop: it owns plan membership and consumes the
// command channel until the live set is empty, then emits the terminal event.
func (r *Reader) runHistorical(run *historicalRun) {
	live := len(run.subs)
	var failure error

	for live > 0 {
		switch c := (<-run.cmds).(type) {
		case streamEnded:
			live--
			r.metrics.SetLiveSubStreams(live)
			r.log.Debugw("sub-stream ended", "fromHeight", c.fromHeight)
		case streamCancelled:
			live--
			r.metrics.SetLiveSubStreams(live)
		case streamRetried:
			r.metrics.IncStreamRetries()
			r.log.Warnw("sub-stream replaced after transport error",
				"resumeHeight", c.resumeHeight,
				"remaining", c.remaining,
				"retriesLeft", c.retriesLeft,
			)
		case streamFailed:
			live--
			r.metrics.SetLiveSubStreams(live)
			if failure == nil {
				failure = c.err
				for _, d := range run.subs {
					if d != c.sub {
						d.cancel()
					}
				}
			}
		}
	}

	run.cancel()
	r.mu.Lock()
	r.historical = nil
	r.mu.Unlock()

	switch {
	case run.wasStopped():
		r.log.Infow("historical read stopped")
	case failure != nil:
		r.metrics.IncStreamErrors()
		r.emit(EventError{Err: failure})
	default:
		r.emit(EventHistoricalDataObtained{})
	}
}

// consumeHistorical drives one sub-stream through its state machine:
// Opening -> Active -> (Retrying | Cancelled | Ended | Failed).
func (r *Reader) consumeHistorical(run *historicalRun, d *subStream) {
	for {
		f, err := d.stream().Recv()
		if err == nil {
			headers := f.BlockHeaders
			if len(headers) == 0 {
				continue
			}

			batch := Batch{Headers: headers, HeadHeight: d.lastDeliveredHeight + 1}
			if herr := r.handler.HandleBatch(run.ctx, batch); herr != nil {
				// Reject path: destroy the delivering stream with the
				// handler's error; the next Recv returns it and the retry
				// machinery takes over. Progress is not advanced, so the
				// replacement re-covers the rejected range.
				d.stream().Destroy(herr)
				continue
			}

			n := uint32(len(headers))
			if n > d.remainingCount {
				n = d.remainingCount
			}
			d.lastDeliveredHeight += uint32(len(headers))
			d.remainingCount -= n
			r.metrics.ObserveBatchSize(len(headers))
			r.metrics.AddHeadersProcessed(len(headers))
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			run.cmds <- streamEnded{sub: d, fromHeight: d.fromHeight}
			return

		case stream.IsCancelled(err):
			run.cmds <- streamCancelled{sub: d}
			return

		case d.retriesLeft == 0:
			run.cmds <- streamFailed{sub: d, err: err}
			return

		case d.remainingCount == 0:
			// The range was fully delivered before the stream tore down.
			run.cmds <- streamEnded{sub: d, fromHeight: d.fromHeight}
			return

		default:
			d.retriesLeft--
			select {
			case <-run.ctx.Done():
				run.cmds <- streamCancelled{sub: d}
				return
			case <-time.After(r.retryBackoff):
			}

			replacement, oerr := r.factory.OpenHistorical(run.ctx, d.lastDeliveredHeight+1, d.remainingCount)
			if oerr != nil {
				if stream.IsCancelled(oerr) {
					run.cmds <- streamCancelled{sub: d}
					return
				}
				run.cmds <- streamFailed{sub: d, err: fmt.Errorf("reopen sub-stream: %w", oerr)}
				return
			}
			d.replace(replacement)
			run.cmds <- streamRetried{
				sub:          d,
				resumeHeight: d.lastDeliveredHeight + 1,
				remaining:    d.remainingCount,
				retriesLeft:  d.retriesLeft,
			}
		}
	}
}

func (r *Reader) emit(ev Event) {
	r.events <- ev
}
