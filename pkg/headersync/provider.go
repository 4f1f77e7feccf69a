// Package headersync implements the sync provider: the state machine that
// binds the header reader to the SPV chain, normalizes head heights after
// chain acceptance, and exposes the public sync API and event contract.
package headersync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vkaxevo/headersync/pkg/headerstream"
	"github.com/vkaxevo/headersync/pkg/metrics"
	"github.com/vkaxevo/headersync/pkg/spvchain"
)

// State is the provider's sync state.
type State int32

const (
	StateIdle State = iota
	StateHistoricalSync
	StateContinuousSync
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHistoricalSync:
		return "historical-sync"
	case StateContinuousSync:
		return "continuous-sync"
	default:
		return "unknown"
	}
}

// Reader is the slice of headerstream.Reader the provider drives.
type Reader interface {
	ReadHistorical(ctx context.Context, fromHeight, toHeight uint32) error
	SubscribeToNew(ctx context.Context, fromHeight uint32) error
	StopReadingHistorical()
	UnsubscribeFromNew()
	Events() <-chan headerstream.Event
}

// CoreMethods exposes the Core RPC calls the provider needs beyond the
// streams themselves.
type CoreMethods interface {
	GetBestBlockHeight(ctx context.Context) (uint32, error)
}

const eventsBuffer = 32

// Config configures a Provider.
type Config struct {
	Log *zap.SugaredLogger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// Provider coordinates one sync run at a time on top of the reader. The
// chain, reader and core methods are injected before the first run.
type Provider struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  State
	chain  spvchain.Chain
	reader Reader
	core   CoreMethods
	run    *runToken

	// serializes all chain access; batches from parallel sub-streams arrive
	// on their own goroutines
	chainMu sync.Mutex

	events chan Event
}

// runToken identifies one sync run so late reader events cannot leak into the
// next run's lifecycle.
type runToken struct {
	done chan struct{}
	once sync.Once
}

func (t *runToken) finish() {
	t.once.Do(func() { close(t.done) })
}

// New creates a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("invalid logger: must not be nil")
	}
	return &Provider{
		log:     cfg.Log,
		metrics: cfg.Metrics,
		events:  make(chan Event, eventsBuffer),
	}, nil
}

// SetChain injects the chain collaborator.
func (p *Provider) SetChain(chain spvchain.Chain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain = chain
}

// SetReader injects the reader. The reader must have been constructed with
// this provider as its batch handler.
func (p *Provider) SetReader(reader Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reader = reader
}

// SetCoreMethods injects the Core RPC surface.
func (p *Provider) SetCoreMethods(core CoreMethods) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.core = core
}

// Events returns the channel delivering provider events. Never closed.
func (p *Provider) Events() <-chan Event {
	return p.events
}

// State returns the current sync state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ReadHistorical starts a historical sync over [fromHeight, toHeight]. A zero
// fromHeight defaults to 1; a zero toHeight targets the current best block
// height. It returns once all sub-streams are opened; completion is signalled
// by the HistoricalDataObtained event.
func (p *Provider) ReadHistorical(ctx context.Context, fromHeight, toHeight uint32) error {
	if fromHeight == 0 {
		fromHeight = 1
	}

	run, err := p.begin(StateHistoricalSync)
	if err != nil {
		return err
	}

	if toHeight == 0 {
		toHeight, err = p.core.GetBestBlockHeight(ctx)
		if err != nil {
			p.abort(run)
			return fmt.Errorf("get best block height: %w", err)
		}
	}

	p.ensureChainRoot(fromHeight)
	p.drainReaderEvents()

	if err := p.reader.ReadHistorical(ctx, fromHeight, toHeight); err != nil {
		p.abort(run)
		return err
	}

	p.log.Infow("historical sync started", "fromHeight", fromHeight, "toHeight", toHeight)
	go p.watch(run)
	return nil
}

// StartContinuousSync subscribes to new headers starting at fromHeight.
func (p *Provider) StartContinuousSync(ctx context.Context, fromHeight uint32) error {
	run, err := p.begin(StateContinuousSync)
	if err != nil {
		return err
	}

	p.ensureChainRoot(fromHeight)
	p.drainReaderEvents()

	if err := p.reader.SubscribeToNew(ctx, fromHeight); err != nil {
		p.abort(run)
		return err
	}

	p.log.Infow("continuous sync started", "fromHeight", fromHeight)
	go p.watch(run)
	return nil
}

// Stop cancels the current run, if any, and emits Stopped. The cancellation
// never produces an error event.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	state := p.state
	run := p.run
	reader := p.reader
	p.state = StateIdle
	p.run = nil
	p.mu.Unlock()

	switch state {
	case StateHistoricalSync:
		reader.StopReadingHistorical()
	case StateContinuousSync:
		reader.UnsubscribeFromNew()
	default:
		return nil
	}

	run.finish()
	p.log.Infow("sync stopped", "state", state.String())
	p.emit(Stopped{})
	return nil
}

// HandleBatch implements headerstream.BatchHandler. Chain-level rejections are
// returned to the reader (which destroys the offending stream and lets the
// retry machinery recover); anything else from the chain is fatal to the run.
func (p *Provider) HandleBatch(ctx context.Context, batch headerstream.Batch) error {
	p.chainMu.Lock()
	accepted, err := p.chain.AddHeaders(batch.Headers, batch.HeadHeight)
	p.chainMu.Unlock()

	if err != nil {
		if spvchain.IsSPVError(err) {
			p.metrics.IncBatchesRejected()
			p.log.Warnw("chain rejected header batch",
				"headHeight", batch.HeadHeight,
				"count", len(batch.Headers),
				"error", err,
			)
			return err
		}
		p.fatal(err)
		return err
	}

	if len(accepted) > 0 {
		difference := uint32(len(batch.Headers) - len(accepted))
		p.emit(ChainUpdated{
			Headers:    accepted,
			HeadHeight: batch.HeadHeight + difference,
		})
	}
	return nil
}

// begin reserves the provider for a new run.
func (p *Provider) begin(next State) (*runToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chain == nil || p.reader == nil || p.core == nil {
		return nil, ErrNotConfigured
	}
	if p.state != StateIdle {
		return nil, ErrBusy
	}
	run := &runToken{done: make(chan struct{})}
	p.state = next
	p.run = run
	return run, nil
}

// abort reverts a reservation that never produced a live run.
func (p *Provider) abort(run *runToken) {
	p.mu.Lock()
	if p.run == run {
		p.state = StateIdle
		p.run = nil
	}
	p.mu.Unlock()
	run.finish()
}

// toIdle transitions back to Idle at the end of a run.
func (p *Provider) toIdle(run *runToken) {
	p.mu.Lock()
	if p.run == run {
		p.state = StateIdle
		p.run = nil
	}
	p.mu.Unlock()
	run.finish()
}

// ensureChainRoot resets the chain when it has no header right below
// fromHeight, allowing starts anchored above genesis.
func (p *Provider) ensureChainRoot(fromHeight uint32) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if _, ok := p.chain.HashAt(fromHeight - 1); !ok {
		p.chain.Reset(fromHeight)
	}
}

// drainReaderEvents discards events a previous aborted run may have left in
// the reader's buffer so they cannot leak into the new run.
func (p *Provider) drainReaderEvents() {
	for {
		select {
		case <-p.reader.Events():
		default:
			return
		}
	}
}

// watch waits for the terminal reader event of the current run.
func (p *Provider) watch(run *runToken) {
	select {
	case <-run.done:
		return
	case ev := <-p.reader.Events():
		switch e := ev.(type) {
		case headerstream.EventHistoricalDataObtained:
			p.chainMu.Lock()
			err := p.chain.Validate()
			p.chainMu.Unlock()
			p.toIdle(run)
			if err != nil {
				p.emit(ErrorEvent{Err: fmt.Errorf("chain validation: %w", err)})
				return
			}
			p.log.Infow("historical data obtained")
			p.emit(HistoricalDataObtained{})
		case headerstream.EventError:
			p.toIdle(run)
			p.emit(ErrorEvent{Err: e.Err})
		}
	}
}

// fatal tears the current run down after a non-SPV chain failure.
func (p *Provider) fatal(err error) {
	p.mu.Lock()
	state := p.state
	run := p.run
	reader := p.reader
	p.state = StateIdle
	p.run = nil
	p.mu.Unlock()

	switch state {
	case StateHistoricalSync:
		reader.StopReadingHistorical()
	case StateContinuousSync:
		reader.UnsubscribeFromNew()
	}
	if run != nil {
		run.finish()
	}

	p.log.Errorw("fatal chain error", "error", err)
	p.emit(ErrorEvent{Err: err})
}

func (p *Provider) emit(ev Event) {
	p.events <- ev
}
