package headerstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vkaxevo/headersync/pkg/stream/streamtest"
)

// captureHandler records accepted batches and can reject the next one.
type captureHandler struct {
	mu         sync.Mutex
	batches    []Batch
	rejectNext error
}

func (h *captureHandler) HandleBatch(ctx context.Context, b Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rejectNext != nil {
		err := h.rejectNext
		h.rejectNext = nil
		return err
	}
	h.batches = append(h.batches, Batch{
		Headers:    append([][]byte(nil), b.Headers...),
		HeadHeight: b.HeadHeight,
	})
	return nil
}

func (h *captureHandler) setRejectNext(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejectNext = err
}

func (h *captureHandler) snapshot() []Batch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Batch(nil), h.batches...)
}

func makeHeaders(n int) [][]byte {
	headers := make([][]byte, n)
	for i := range headers {
		h := make([]byte, 80)
		h[0] = byte(i)
		headers[i] = h
	}
	return headers
}

func newTestReader(t *testing.T, factory *streamtest.Factory, handler BatchHandler, cfg Config) *Reader {
	t.Helper()
	cfg.Factory = factory
	cfg.Handler = handler
	cfg.Log = zaptest.NewLogger(t).Sugar()
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func waitEvent(t *testing.T, r *Reader) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reader event")
		return nil
	}
}

func requireNoEvent(t *testing.T, r *Reader) {
	t.Helper()
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected reader event: %#v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func waitOpens(t *testing.T, factory *streamtest.Factory, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return factory.OpenCount() >= n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestReadHistoricalValidation(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestReader(t, factory, &captureHandler{}, Config{})

	require.ErrorIs(t, r.ReadHistorical(context.Background(), 0, 10), ErrInvalidHeight)
	require.ErrorIs(t, r.ReadHistorical(context.Background(), 10, 9), ErrInvalidRange)
	require.Zero(t, factory.OpenCount())
}

func TestReadHistoricalAlreadyRunning(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestReader(t, factory, &captureHandler{}, Config{TargetBatchSize: 10})

	require.NoError(t, r.ReadHistorical(context.Background(), 1, 10))
	require.ErrorIs(t, r.ReadHistorical(context.Background(), 1, 10), ErrAlreadyRunning)

	r.StopReadingHistorical()
}

func TestReadHistoricalOpensPartition(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	handler := &captureHandler{}
	r := newTestReader(t, factory, handler, Config{
		TargetBatchSize:    10,
		MaxParallelStreams: 6,
	})

	require.NoError(t, r.ReadHistorical(context.Background(), 1, 34))
	waitOpens(t, factory, 3)

	wantOpens := map[uint32]uint32{1: 12, 13: 12, 25: 10}
	for from, count := range wantOpens {
		s, ok := factory.ByFromHeight(from)
		require.True(t, ok, "missing open at height %d", from)
		require.Equal(t, count, s.Count)
	}

	// Feed every sub-stream its full slice and end it; the run completes.
	for from, count := range wantOpens {
		s, _ := factory.ByFromHeight(from)
		s.PushHeaders(makeHeaders(int(count)))
		s.End()
	}
	require.IsType(t, EventHistoricalDataObtained{}, waitEvent(t, r))

	// Coverage: the union of [headHeight, headHeight+len) is exactly [1, 34].
	covered := map[uint32]int{}
	for _, b := range handler.snapshot() {
		for i := range b.Headers {
			covered[b.HeadHeight+uint32(i)]++
		}
	}
	require.Len(t, covered, 34)
	for h := uint32(1); h <= 34; h++ {
		require.Equal(t, 1, covered[h], "height %d", h)
	}
}

func TestRetryResumesMidRange(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	handler := &captureHandler{}
	r := newTestReader(t, factory, handler, Config{
		TargetBatchSize: 50,
		MaxRetries:      1,
	})

	require.NoError(t, r.ReadHistorical(context.Background(), 1, 12))
	waitOpens(t, factory, 1)
	first := factory.Opened()[0]
	require.Equal(t, uint32(1), first.FromHeight)
	require.Equal(t, uint32(12), first.Count)

	first.PushHeaders(makeHeaders(4))
	// Let the frame drain before failing the stream.
	require.Eventually(t, func() bool {
		return len(handler.snapshot()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	first.Fail(errors.New("connection reset"))

	waitOpens(t, factory, 2)
	replacement := factory.Opened()[1]
	require.Equal(t, uint32(5), replacement.FromHeight)
	require.Equal(t, uint32(8), replacement.Count)

	replacement.PushHeaders(makeHeaders(8))
	replacement.End()
	require.IsType(t, EventHistoricalDataObtained{}, waitEvent(t, r))

	batches := handler.snapshot()
	require.Len(t, batches, 2)
	require.Equal(t, uint32(1), batches[0].HeadHeight)
	require.Len(t, batches[0].Headers, 4)
	require.Equal(t, uint32(5), batches[1].HeadHeight)
	require.Len(t, batches[1].Headers, 8)
}

func TestExhaustedRetries(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	handler := &captureHandler{}
	r := newTestReader(t, factory, handler, Config{
		TargetBatchSize: 50,
		MaxRetries:      1,
	})

	require.NoError(t, r.ReadHistorical(context.Background(), 1, 12))
	waitOpens(t, factory, 1)
	factory.Opened()[0].Fail(errors.New("first failure"))

	waitOpens(t, factory, 2)
	secondErr := errors.New("second failure")
	factory.Opened()[1].Fail(secondErr)

	ev := waitEvent(t, r)
	errEv, ok := ev.(EventError)
	require.True(t, ok, "expected EventError, got %#v", ev)
	require.ErrorIs(t, errEv.Err, secondErr)
	require.Empty(t, handler.snapshot())
}

func TestStopIsSilent(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestReader(t, factory, &captureHandler{}, Config{
		TargetBatchSize:    10,
		MaxParallelStreams: 4,
	})

	require.NoError(t, r.ReadHistorical(context.Background(), 1, 40))
	waitOpens(t, factory, 4)

	r.StopReadingHistorical()
	r.StopReadingHistorical() // idempotent

	for _, s := range factory.Opened() {
		require.Eventually(t, s.Cancelled, time.Second, 5*time.Millisecond)
	}
	requireNoEvent(t, r)

	// The reader is reusable after the stop settles.
	require.Eventually(t, func() bool {
		return r.ReadHistorical(context.Background(), 1, 10) == nil
	}, 5*time.Second, 10*time.Millisecond)
	r.StopReadingHistorical()
}

func TestRejectedBatchTakesRetryPath(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	handler := &captureHandler{}
	r := newTestReader(t, factory, handler, Config{
		TargetBatchSize: 50,
		MaxRetries:      1,
	})

	rejection := errors.New("headers rejected")
	handler.setRejectNext(rejection)

	require.NoError(t, r.ReadHistorical(context.Background(), 1, 12))
	waitOpens(t, factory, 1)
	first := factory.Opened()[0]
	first.PushHeaders(makeHeaders(12))

	// The rejected stream is destroyed with the handler's error and a
	// replacement re-covers the full range.
	require.Eventually(t, func() bool {
		return errors.Is(first.DestroyedWith(), rejection)
	}, 5*time.Second, 5*time.Millisecond)

	waitOpens(t, factory, 2)
	replacement := factory.Opened()[1]
	require.Equal(t, uint32(1), replacement.FromHeight)
	require.Equal(t, uint32(12), replacement.Count)

	replacement.PushHeaders(makeHeaders(12))
	replacement.End()
	require.IsType(t, EventHistoricalDataObtained{}, waitEvent(t, r))

	batches := handler.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, uint32(1), batches[0].HeadHeight)
	require.Len(t, batches[0].Headers, 12)
}

func TestOpenFailureReleasesReader(t *testing.T) {
	t.Parallel()
	openErr := errors.New("dial failed")
	factory := &streamtest.Factory{
		OpenError: func(fromHeight, count uint32) error {
			if fromHeight == 13 {
				return openErr
			}
			return nil
		},
	}
	r := newTestReader(t, factory, &captureHandler{}, Config{
		TargetBatchSize:    10,
		MaxParallelStreams: 6,
	})

	err := r.ReadHistorical(context.Background(), 1, 34)
	require.ErrorIs(t, err, openErr)

	// The failed run released the reader; a new plan can start.
	factory.OpenError = nil
	require.NoError(t, r.ReadHistorical(context.Background(), 1, 10))
	r.StopReadingHistorical()
}

func TestFailureCancelsSiblings(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	handler := &captureHandler{}
	r := newTestReader(t, factory, handler, Config{
		TargetBatchSize:    10,
		MaxParallelStreams: 6,
		MaxRetries:         0,
	})

	require.NoError(t, r.ReadHistorical(context.Background(), 1, 34))
	waitOpens(t, factory, 3)

	boom := errors.New("boom")
	failed, ok := factory.ByFromHeight(13)
	require.True(t, ok)
	failed.Fail(boom)

	ev := waitEvent(t, r)
	errEv, isErr := ev.(EventError)
	require.True(t, isErr)
	require.ErrorIs(t, errEv.Err, boom)

	for _, s := range factory.Opened() {
		if s == failed {
			continue
		}
		require.Eventually(t, s.Cancelled, time.Second, 5*time.Millisecond)
	}
}
