// Package txstream implements the transaction-stream flavor of the header
// reader: a filtered stream interleaving raw transactions and merkle blocks,
// with a consumer-driven two-phase merkle-block commit and bloom filter
// expansion through stream restarts.
package txstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vkaxevo/headersync/pkg/bloom"
	"github.com/vkaxevo/headersync/pkg/metrics"
	"github.com/vkaxevo/headersync/pkg/stream"
)

const (
	// DefaultFalsePositiveRate trades filter size against bandwidth.
	DefaultFalsePositiveRate = 0.0001

	// DefaultMaxRetries bounds replacement streams per run.
	DefaultMaxRetries = 10

	// DefaultRetryBackoff is the pause before a replacement stream opens.
	DefaultRetryBackoff = 500 * time.Millisecond

	eventsBuffer = 16
)

var (
	// ErrInvalidHeight is returned when a requested start height is below 1.
	ErrInvalidHeight = errors.New("invalid height: must be at least 1")

	// ErrInvalidRange is returned when toHeight is below fromHeight.
	ErrInvalidRange = errors.New("invalid range: toHeight must not be less than fromHeight")

	// ErrAlreadyRunning is returned when a subscription is already live.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNoAddresses is returned when a subscription is requested with an
	// empty address set; the server-side filter would match nothing.
	ErrNoAddresses = errors.New("no addresses to subscribe with")
)

// Config configures a Reader.
type Config struct {
	Factory stream.TxFactory
	Log     *zap.SugaredLogger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics

	// Matcher defaults to the byte-scan payload matcher.
	Matcher Matcher

	MaxRetries        uint32
	RetryBackoff      time.Duration
	FalsePositiveRate float64

	// BloomTweak randomizes the filter hash seeds.
	BloomTweak uint32
}

// Reader drives one filtered transaction subscription at a time.
type Reader struct {
	log     *zap.SugaredLogger
	factory stream.TxFactory
	metrics *metrics.Metrics
	matcher Matcher

	maxRetries   uint32
	retryBackoff time.Duration
	fpRate       float64
	tweak        uint32

	events chan Event

	mu   sync.Mutex
	sess *session
}

// New creates a Reader and returns an error if the configuration is invalid.
func New(cfg Config) (*Reader, error) {
	if cfg.Factory == nil {
		return nil, errors.New("invalid factory: must not be nil")
	}
	if cfg.Log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if cfg.Matcher == nil {
		cfg.Matcher = payloadMatcher{}
	}
	if cfg.FalsePositiveRate == 0 {
		cfg.FalsePositiveRate = DefaultFalsePositiveRate
	}

	return &Reader{
		log:          cfg.Log,
		factory:      cfg.Factory,
		metrics:      cfg.Metrics,
		matcher:      cfg.Matcher,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		fpRate:       cfg.FalsePositiveRate,
		tweak:        cfg.BloomTweak,
		events:       make(chan Event, eventsBuffer),
	}, nil
}

// Events returns the channel delivering reader events. While a MerkleBlock
// event is pending, no further frames are processed until its commit
// resolves.
func (r *Reader) Events() <-chan Event {
	return r.events
}

// ReadHistorical streams filtered transactions and merkle blocks over
// [fromHeight, toHeight] for the given addresses.
func (r *Reader) ReadHistorical(ctx context.Context, fromHeight, toHeight uint32, addresses []string) error {
	if fromHeight < 1 {
		return ErrInvalidHeight
	}
	if toHeight < fromHeight {
		return ErrInvalidRange
	}
	return r.open(ctx, fromHeight, toHeight-fromHeight+1, addresses)
}

// SubscribeToNew streams filtered transactions and merkle blocks for newly
// mined blocks starting at fromHeight.
func (r *Reader) SubscribeToNew(ctx context.Context, fromHeight uint32, addresses []string) error {
	if fromHeight < 1 {
		return ErrInvalidHeight
	}
	return r.open(ctx, fromHeight, 0, addresses)
}

// Stop cancels the live subscription. Idempotent; the cancellation is
// absorbed silently.
func (r *Reader) Stop() {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return
	}
	if s := sess.stream(); s != nil {
		s.Cancel()
	}
	sess.cancel()
}

func (r *Reader) open(ctx context.Context, fromHeight, count uint32, addresses []string) error {
	if len(addresses) == 0 {
		return ErrNoAddresses
	}
	payloads, err := payloadsFor(addresses)
	if err != nil {
		return err
	}

	sess := newSession(ctx, fromHeight, count, addresses, payloads)

	r.mu.Lock()
	if r.sess != nil {
		r.mu.Unlock()
		sess.cancel()
		return ErrAlreadyRunning
	}
	r.sess = sess
	r.mu.Unlock()

	sess.retriesLeft = r.maxRetries

	s, err := r.factory.OpenTransactions(sess.ctx, fromHeight, count, r.buildFilter(payloads))
	if err != nil {
		r.finish(sess)
		return fmt.Errorf("open transaction stream: %w", err)
	}
	sess.rebase(fromHeight, count, s)

	r.log.Infow("transaction stream started",
		"fromHeight", fromHeight,
		"count", count,
		"addresses", len(addresses),
	)
	go r.consume(sess)
	return nil
}

func (r *Reader) consume(sess *session) {
	for {
		f, err := sess.stream().Recv()
		if err != nil {
			if r.handleStreamError(sess, err) {
				continue
			}
			return
		}

		if len(f.RawTransactions) > 0 {
			r.handleTransactions(sess, f.RawTransactions)
		}
		if len(f.RawMerkleBlock) > 0 {
			r.handleMerkleBlock(sess, f.RawMerkleBlock)
		}
	}
}

// handleStreamError resolves a Recv failure. It returns true when the session
// continues on a replacement stream.
func (r *Reader) handleStreamError(sess *session, err error) bool {
	if stream.IsCancelled(err) {
		if args := sess.takeRestart(); args != nil && sess.ctx.Err() == nil {
			// Filter expansion: reopen above the accepted height with the
			// grown address set.
			if oerr := r.reopen(sess, args.fromHeight, args.count); oerr != nil {
				r.finish(sess)
				r.emit(ErrorEvent{Err: oerr})
				return false
			}
			r.log.Infow("transaction stream restarted with grown filter",
				"fromHeight", args.fromHeight,
				"count", args.count,
			)
			return true
		}
		r.finish(sess)
		return false
	}

	if errors.Is(err, io.EOF) {
		r.finish(sess)
		if _, count := sess.window(); count > 0 {
			r.emit(HistoricalDataObtained{})
		}
		return false
	}

	if sess.retriesLeft > 0 {
		sess.retriesLeft--
		select {
		case <-sess.ctx.Done():
			r.finish(sess)
			return false
		case <-time.After(r.retryBackoff):
		}

		from, count, exhausted := sess.resumePoint()
		if exhausted {
			r.finish(sess)
			r.emit(HistoricalDataObtained{})
			return false
		}
		if oerr := r.reopen(sess, from, count); oerr != nil {
			r.finish(sess)
			r.emit(ErrorEvent{Err: oerr})
			return false
		}
		r.metrics.IncStreamRetries()
		r.log.Warnw("transaction stream replaced after transport error",
			"resumeHeight", from,
			"count", count,
			"retriesLeft", sess.retriesLeft,
		)
		return true
	}

	r.finish(sess)
	r.metrics.IncStreamErrors()
	r.emit(ErrorEvent{Err: err})
	return false
}

func (r *Reader) handleTransactions(sess *session, rawTxs [][]byte) {
	matched := make([][]byte, 0, len(rawTxs))
	payloads := sess.currentPayloads()
	for _, tx := range rawTxs {
		if r.matcher.Matches(tx, payloads) {
			matched = append(matched, tx)
		}
	}
	if len(matched) == 0 {
		return
	}
	r.emit(NewTransactions{
		Transactions:    matched,
		AppendAddresses: sess.appendGenerated,
	})
}

// handleMerkleBlock emits the merkle block with its one-shot commit and
// blocks until the consumer accepts or rejects it.
func (r *Reader) handleMerkleBlock(sess *session, raw []byte) {
	commit := newCommit(
		func(height uint32, newAddresses []string) error {
			return r.acceptMerkleBlock(sess, height, newAddresses)
		},
		func(err error) {
			sess.stream().Destroy(err)
		},
	)
	r.emit(MerkleBlock{RawMerkleBlock: raw, Commit: commit})

	select {
	case <-commit.resolved:
	case <-sess.ctx.Done():
	}
}

func (r *Reader) acceptMerkleBlock(sess *session, height uint32, newAddresses []string) error {
	from, count := sess.window()
	outOfRange := false
	if count == 0 {
		outOfRange = height < from
	} else {
		outOfRange = height < from || height > from+count-1
	}
	if outOfRange {
		err := fmt.Errorf("merkle block height %d outside subscription window (%d, %d)", height, from, count)
		sess.stream().Destroy(err)
		return err
	}

	fresh := sess.fold(newAddresses)
	sess.markAccepted(height)
	if len(fresh) == 0 {
		return nil
	}

	payloads, err := payloadsFor(fresh)
	if err != nil {
		return err
	}
	sess.addPayloads(payloads)

	var remaining uint32
	if count > 0 {
		end := from + count // exclusive
		if height+1 >= end {
			// Window fully covered; the grown set only matters for the next
			// subscription.
			return nil
		}
		remaining = end - (height + 1)
	}

	if sess.scheduleRestart(&restartArgs{fromHeight: height + 1, count: remaining}) {
		sess.stream().Cancel()
	}
	return nil
}

func (r *Reader) reopen(sess *session, fromHeight, count uint32) error {
	s, err := r.factory.OpenTransactions(sess.ctx, fromHeight, count, r.buildFilter(sess.currentPayloads()))
	if err != nil {
		return fmt.Errorf("reopen transaction stream: %w", err)
	}
	sess.rebase(fromHeight, count, s)
	return nil
}

func (r *Reader) buildFilter(payloads [][]byte) []byte {
	f := bloom.New(uint32(len(payloads)), r.fpRate, r.tweak)
	for _, p := range payloads {
		f.Insert(p)
	}
	return f.Serialize()
}

func (r *Reader) finish(sess *session) {
	r.mu.Lock()
	if r.sess == sess {
		r.sess = nil
	}
	r.mu.Unlock()
	sess.cancel()
}

func (r *Reader) emit(ev Event) {
	r.events <- ev
}

func payloadsFor(addresses []string) ([][]byte, error) {
	payloads := make([][]byte, 0, len(addresses))
	for _, a := range addresses {
		p, err := AddressPayload(a)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}
