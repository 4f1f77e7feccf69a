package headersync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vkaxevo/headersync/pkg/headerstream"
	"github.com/vkaxevo/headersync/pkg/spvchain"
)

type readerMock struct {
	mock.Mock
	events chan headerstream.Event
}

func newReaderMock() *readerMock {
	return &readerMock{events: make(chan headerstream.Event, 4)}
}

func (m *readerMock) ReadHistorical(ctx context.Context, fromHeight, toHeight uint32) error {
	args := m.Called(ctx, fromHeight, toHeight)
	return args.Error(0)
}

func (m *readerMock) SubscribeToNew(ctx context.Context, fromHeight uint32) error {
	args := m.Called(ctx, fromHeight)
	return args.Error(0)
}

func (m *readerMock) StopReadingHistorical() {
	m.Called()
}

func (m *readerMock) UnsubscribeFromNew() {
	m.Called()
}

func (m *readerMock) Events() <-chan headerstream.Event {
	return m.events
}

var _ Reader = (*readerMock)(nil)

type chainMock struct {
	mock.Mock
}

func (m *chainMock) AddHeaders(headers [][]byte, headHeight uint32) ([][]byte, error) {
	args := m.Called(headers, headHeight)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}

func (m *chainMock) Validate() error {
	return m.Called().Error(0)
}

func (m *chainMock) Reset(fromHeight uint32) {
	m.Called(fromHeight)
}

func (m *chainMock) HashAt(height uint32) ([]byte, bool) {
	args := m.Called(height)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).([]byte), args.Bool(1)
}

var _ spvchain.Chain = (*chainMock)(nil)

type coreMock struct {
	mock.Mock
}

func (m *coreMock) GetBestBlockHeight(ctx context.Context) (uint32, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint32), args.Error(1)
}

var _ CoreMethods = (*coreMock)(nil)

func newTestProvider(t *testing.T) (*Provider, *readerMock, *chainMock, *coreMock) {
	t.Helper()
	p, err := New(Config{Log: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	reader := newReaderMock()
	chain := &chainMock{}
	core := &coreMock{}
	p.SetReader(reader)
	p.SetChain(chain)
	p.SetCoreMethods(core)
	return p, reader, chain, core
}

func waitProviderEvent(t *testing.T, p *Provider) Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for provider event")
		return nil
	}
}

func requireNoProviderEvent(t *testing.T, p *Provider) {
	t.Helper()
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected provider event: %#v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNotConfigured(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Log: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	require.ErrorIs(t, p.ReadHistorical(context.Background(), 1, 10), ErrNotConfigured)
	require.ErrorIs(t, p.StartContinuousSync(context.Background(), 1), ErrNotConfigured)
}

func TestBusyState(t *testing.T) {
	t.Parallel()
	p, reader, chain, _ := newTestProvider(t)
	chain.On("HashAt", uint32(0)).Return(nil, false)
	chain.On("Reset", uint32(1)).Return()
	reader.On("ReadHistorical", mock.Anything, uint32(1), uint32(10)).Return(nil)

	require.NoError(t, p.ReadHistorical(context.Background(), 1, 10))
	require.Equal(t, StateHistoricalSync, p.State())

	require.ErrorIs(t, p.ReadHistorical(context.Background(), 1, 10), ErrBusy)
	require.ErrorIs(t, p.StartContinuousSync(context.Background(), 11), ErrBusy)
}

func TestEnsureChainRootResets(t *testing.T) {
	t.Parallel()
	p, reader, chain, _ := newTestProvider(t)

	// No header at height 4: the chain is re-anchored at 5 before the read.
	chain.On("HashAt", uint32(4)).Return(nil, false)
	chain.On("Reset", uint32(5)).Return()
	reader.On("ReadHistorical", mock.Anything, uint32(5), uint32(10)).Return(nil)

	require.NoError(t, p.ReadHistorical(context.Background(), 5, 10))
	chain.AssertCalled(t, "Reset", uint32(5))
}

func TestEnsureChainRootKeepsExistingAnchor(t *testing.T) {
	t.Parallel()
	p, reader, chain, _ := newTestProvider(t)

	chain.On("HashAt", uint32(4)).Return(make([]byte, 32), true)
	reader.On("ReadHistorical", mock.Anything, uint32(5), uint32(10)).Return(nil)

	require.NoError(t, p.ReadHistorical(context.Background(), 5, 10))
	chain.AssertNotCalled(t, "Reset", mock.Anything)
}

func TestReadHistoricalDefaults(t *testing.T) {
	t.Parallel()
	p, reader, chain, core := newTestProvider(t)

	core.On("GetBestBlockHeight", mock.Anything).Return(uint32(500), nil)
	chain.On("HashAt", uint32(0)).Return(nil, false)
	chain.On("Reset", uint32(1)).Return()
	reader.On("ReadHistorical", mock.Anything, uint32(1), uint32(500)).Return(nil)

	require.NoError(t, p.ReadHistorical(context.Background(), 0, 0))
	reader.AssertCalled(t, "ReadHistorical", mock.Anything, uint32(1), uint32(500))
}

func TestHistoricalDataObtained(t *testing.T) {
	t.Parallel()
	p, reader, chain, _ := newTestProvider(t)

	chain.On("HashAt", uint32(0)).Return(nil, false)
	chain.On("Reset", uint32(1)).Return()
	chain.On("Validate").Return(nil)
	reader.On("ReadHistorical", mock.Anything, uint32(1), uint32(10)).Return(nil)

	require.NoError(t, p.ReadHistorical(context.Background(), 1, 10))
	reader.events <- headerstream.EventHistoricalDataObtained{}

	require.IsType(t, HistoricalDataObtained{}, waitProviderEvent(t, p))
	require.Eventually(t, func() bool {
		return p.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	chain.AssertCalled(t, "Validate")
}

func TestReaderErrorReturnsToIdle(t *testing.T) {
	t.Parallel()
	p, reader, chain, _ := newTestProvider(t)

	chain.On("HashAt", uint32(99)).Return(make([]byte, 32), true)
	reader.On("SubscribeToNew", mock.Anything, uint32(100)).Return(nil)

	require.NoError(t, p.StartContinuousSync(context.Background(), 100))
	boom := errors.New("stream broke")
	reader.events <- headerstream.EventError{Err: boom}

	ev := waitProviderEvent(t, p)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok, "expected ErrorEvent, got %#v", ev)
	require.ErrorIs(t, errEv.Err, boom)
	require.Equal(t, StateIdle, p.State())
}

func TestStopEmitsStopped(t *testing.T) {
	t.Parallel()
	p, reader, chain, _ := newTestProvider(t)

	chain.On("HashAt", uint32(0)).Return(nil, false)
	chain.On("Reset", uint32(1)).Return()
	reader.On("ReadHistorical", mock.Anything, uint32(1), uint32(10)).Return(nil)
	reader.On("StopReadingHistorical").Return()

	require.NoError(t, p.ReadHistorical(context.Background(), 1, 10))
	require.NoError(t, p.Stop(context.Background()))

	require.IsType(t, Stopped{}, waitProviderEvent(t, p))
	require.Equal(t, StateIdle, p.State())
	reader.AssertCalled(t, "StopReadingHistorical")

	// Stopping from Idle is a no-op.
	require.NoError(t, p.Stop(context.Background()))
	requireNoProviderEvent(t, p)
}

func TestHandleBatchEmitsChainUpdated(t *testing.T) {
	t.Parallel()
	p, _, chain, _ := newTestProvider(t)

	headers := [][]byte{{1}, {2}, {3}, {4}}
	accepted := headers[2:]
	chain.On("AddHeaders", headers, uint32(10)).Return(accepted, nil)

	require.NoError(t, p.HandleBatch(context.Background(), headerstream.Batch{
		Headers:    headers,
		HeadHeight: 10,
	}))

	ev := waitProviderEvent(t, p)
	updated, ok := ev.(ChainUpdated)
	require.True(t, ok, "expected ChainUpdated, got %#v", ev)
	require.Equal(t, accepted, updated.Headers)
	// Two headers were silently dropped: the head height moves past them.
	require.Equal(t, uint32(12), updated.HeadHeight)
}

func TestHandleBatchAllKnownEmitsNothing(t *testing.T) {
	t.Parallel()
	p, _, chain, _ := newTestProvider(t)

	headers := [][]byte{{1}, {2}}
	chain.On("AddHeaders", headers, uint32(10)).Return([][]byte{}, nil)

	require.NoError(t, p.HandleBatch(context.Background(), headerstream.Batch{
		Headers:    headers,
		HeadHeight: 10,
	}))
	requireNoProviderEvent(t, p)
}

func TestHandleBatchSPVRejection(t *testing.T) {
	t.Parallel()
	p, _, chain, _ := newTestProvider(t)

	headers := [][]byte{{1}}
	rejection := &spvchain.SPVError{Height: 10, Reason: "broken linkage"}
	chain.On("AddHeaders", headers, uint32(10)).Return(nil, rejection)

	err := p.HandleBatch(context.Background(), headerstream.Batch{
		Headers:    headers,
		HeadHeight: 10,
	})
	require.ErrorIs(t, err, rejection)

	// A semantic rejection is not surfaced upstream.
	requireNoProviderEvent(t, p)
}

func TestHandleBatchFatalChainError(t *testing.T) {
	t.Parallel()
	p, reader, chain, _ := newTestProvider(t)

	chain.On("HashAt", uint32(0)).Return(nil, false)
	chain.On("Reset", uint32(1)).Return()
	reader.On("ReadHistorical", mock.Anything, uint32(1), uint32(10)).Return(nil)
	reader.On("StopReadingHistorical").Return()
	require.NoError(t, p.ReadHistorical(context.Background(), 1, 10))

	headers := [][]byte{{1}}
	fatal := errors.New("store corrupted")
	chain.On("AddHeaders", headers, uint32(1)).Return(nil, fatal)

	err := p.HandleBatch(context.Background(), headerstream.Batch{
		Headers:    headers,
		HeadHeight: 1,
	})
	require.ErrorIs(t, err, fatal)

	ev := waitProviderEvent(t, p)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok)
	require.ErrorIs(t, errEv.Err, fatal)
	require.Equal(t, StateIdle, p.State())
	reader.AssertCalled(t, "StopReadingHistorical")
}
