package txstream

import (
	"context"
	"sync"

	"github.com/vkaxevo/headersync/pkg/stream"
)

// restartArgs describe the pending one-shot stream restart scheduled by a
// merkle-block accept that grew the address set.
type restartArgs struct {
	fromHeight uint32
	count      uint32
}

// session is the live transaction subscription. The consuming goroutine owns
// frame processing; the mutex guards the fields the commit callbacks touch.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	retriesLeft uint32

	mu sync.Mutex

	// current subscription window; count == 0 means continuous
	fromHeight uint32
	count      uint32

	addresses map[string]struct{}
	payloads  [][]byte
	generated []string

	lastAcceptedHeight uint32
	acceptedAny        bool

	restart *restartArgs

	s stream.Stream
}

func newSession(ctx context.Context, fromHeight, count uint32, addresses []string, payloads [][]byte) *session {
	sctx, cancel := context.WithCancel(ctx)
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		set[a] = struct{}{}
	}
	return &session{
		ctx:        sctx,
		cancel:     cancel,
		fromHeight: fromHeight,
		count:      count,
		addresses:  set,
		payloads:   payloads,
	}
}

func (sess *session) currentPayloads() [][]byte {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.payloads
}

// appendGenerated buffers consumer-generated addresses until the next
// merkle-block accept folds them into the filter.
func (sess *session) appendGenerated(addresses []string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.generated = append(sess.generated, addresses...)
}

// fold merges the buffered generated addresses plus extra into the tracked
// set and returns the genuinely new ones.
func (sess *session) fold(extra []string) []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	pending := append(append([]string{}, sess.generated...), extra...)
	sess.generated = nil
	fresh := make([]string, 0, len(pending))
	for _, a := range pending {
		if _, known := sess.addresses[a]; known {
			continue
		}
		sess.addresses[a] = struct{}{}
		fresh = append(fresh, a)
	}
	return fresh
}

func (sess *session) addPayloads(payloads [][]byte) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.payloads = append(sess.payloads, payloads...)
}

// scheduleRestart records the pending restart unless one is already pending:
// the stream is restarted at most once per pending args.
func (sess *session) scheduleRestart(args *restartArgs) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.restart != nil {
		return false
	}
	sess.restart = args
	return true
}

func (sess *session) takeRestart() *restartArgs {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	args := sess.restart
	sess.restart = nil
	return args
}

func (sess *session) markAccepted(height uint32) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastAcceptedHeight = height
	sess.acceptedAny = true
}

// window returns the current subscription window.
func (sess *session) window() (fromHeight, count uint32) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.fromHeight, sess.count
}

// resumePoint computes where a replacement stream opened after a transient
// error must continue: right above the last accepted merkle block, covering
// the rest of the historical window. A zero count on a historical window
// means the window was fully covered.
func (sess *session) resumePoint() (fromHeight, count uint32, exhausted bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	from := sess.fromHeight
	if sess.acceptedAny {
		from = sess.lastAcceptedHeight + 1
	}
	if sess.count == 0 {
		return from, 0, false
	}
	end := sess.fromHeight + sess.count // exclusive
	if from >= end {
		return from, 0, true
	}
	return from, end - from, false
}

// rebase moves the subscription window after a restart or retry reopen.
func (sess *session) rebase(fromHeight, count uint32, s stream.Stream) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.fromHeight = fromHeight
	sess.count = count
	sess.s = s
}

func (sess *session) stream() stream.Stream {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.s
}
