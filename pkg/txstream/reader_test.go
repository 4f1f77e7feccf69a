package txstream

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vkaxevo/headersync/pkg/stream"
	"github.com/vkaxevo/headersync/pkg/stream/streamtest"
)

// testAddress builds a base58check-shaped address whose payload is the given
// byte repeated over the hash length.
func testAddress(fill byte) string {
	raw := make([]byte, 25)
	raw[0] = 0x4c // version
	for i := 1; i < 21; i++ {
		raw[i] = fill
	}
	return base58.Encode(raw)
}

func payloadOf(t *testing.T, address string) []byte {
	t.Helper()
	p, err := AddressPayload(address)
	require.NoError(t, err)
	return p
}

func newTestTxReader(t *testing.T, factory *streamtest.Factory, cfg Config) *Reader {
	t.Helper()
	cfg.Factory = factory
	cfg.Log = zaptest.NewLogger(t).Sugar()
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func waitTxEvent(t *testing.T, r *Reader) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for txstream event")
		return nil
	}
}

func waitTxOpens(t *testing.T, factory *streamtest.Factory, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return factory.OpenCount() >= n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubscriptionValidation(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{})
	addr := testAddress(0xaa)

	require.ErrorIs(t, r.ReadHistorical(context.Background(), 0, 10, []string{addr}), ErrInvalidHeight)
	require.ErrorIs(t, r.ReadHistorical(context.Background(), 10, 9, []string{addr}), ErrInvalidRange)
	require.ErrorIs(t, r.SubscribeToNew(context.Background(), 0, []string{addr}), ErrInvalidHeight)
	require.ErrorIs(t, r.SubscribeToNew(context.Background(), 1, nil), ErrNoAddresses)

	require.NoError(t, r.SubscribeToNew(context.Background(), 1, []string{addr}))
	require.ErrorIs(t, r.SubscribeToNew(context.Background(), 1, []string{addr}), ErrAlreadyRunning)
	r.Stop()
}

func TestMatchingTransactionsAreEmitted(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{})
	addr := testAddress(0xaa)

	require.NoError(t, r.SubscribeToNew(context.Background(), 1, []string{addr}))
	waitTxOpens(t, factory, 1)
	s := factory.Opened()[0]
	require.NotEmpty(t, s.Filter)

	matching := append([]byte{0x01, 0x00}, payloadOf(t, addr)...)
	unrelated := bytes.Repeat([]byte{0x33}, 40)
	s.PushFrame(&stream.Frame{RawTransactions: [][]byte{unrelated, matching}})

	ev := waitTxEvent(t, r)
	txs, ok := ev.(NewTransactions)
	require.True(t, ok, "expected NewTransactions, got %#v", ev)
	require.Len(t, txs.Transactions, 1)
	require.Equal(t, matching, txs.Transactions[0])

	r.Stop()
}

func TestMerkleBlockDoubleCommit(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{})
	addr := testAddress(0xaa)

	require.NoError(t, r.SubscribeToNew(context.Background(), 100, []string{addr}))
	waitTxOpens(t, factory, 1)
	factory.Opened()[0].PushFrame(&stream.Frame{RawMerkleBlock: []byte{0xde, 0xad}})

	ev := waitTxEvent(t, r)
	mb, ok := ev.(MerkleBlock)
	require.True(t, ok, "expected MerkleBlock, got %#v", ev)

	require.NoError(t, mb.Commit.Accept(100))
	require.ErrorIs(t, mb.Commit.Accept(100), ErrDoubleCommit)
	require.ErrorIs(t, mb.Commit.Reject(errors.New("late")), ErrDoubleCommit)

	r.Stop()
}

func TestMerkleBlockRejectDestroysStream(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{})
	addr := testAddress(0xaa)

	require.NoError(t, r.SubscribeToNew(context.Background(), 100, []string{addr}))
	waitTxOpens(t, factory, 1)
	s := factory.Opened()[0]
	s.PushFrame(&stream.Frame{RawMerkleBlock: []byte{0xde, 0xad}})

	mb := waitTxEvent(t, r).(MerkleBlock)
	rejection := errors.New("bad merkle root")
	require.NoError(t, mb.Commit.Reject(rejection))

	require.Eventually(t, func() bool {
		return errors.Is(s.DestroyedWith(), rejection)
	}, 5*time.Second, 5*time.Millisecond)

	ev := waitTxEvent(t, r)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok)
	require.ErrorIs(t, errEv.Err, rejection)
}

func TestAcceptOutOfRangeDestroysStream(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{})
	addr := testAddress(0xaa)

	// Historical window [10, 14].
	require.NoError(t, r.ReadHistorical(context.Background(), 10, 14, []string{addr}))
	waitTxOpens(t, factory, 1)
	s := factory.Opened()[0]
	s.PushFrame(&stream.Frame{RawMerkleBlock: []byte{0x01}})

	mb := waitTxEvent(t, r).(MerkleBlock)
	require.Error(t, mb.Commit.Accept(20))
	require.Eventually(t, func() bool {
		return s.DestroyedWith() != nil
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAcceptWithNewAddressesRestartsOnce(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{})
	addr := testAddress(0xaa)
	grown := testAddress(0xbb)

	// Historical window [10, 19].
	require.NoError(t, r.ReadHistorical(context.Background(), 10, 19, []string{addr}))
	waitTxOpens(t, factory, 1)
	first := factory.Opened()[0]
	require.Equal(t, uint32(10), first.FromHeight)
	require.Equal(t, uint32(10), first.Count)

	first.PushFrame(&stream.Frame{RawMerkleBlock: []byte{0x01}})
	mb := waitTxEvent(t, r).(MerkleBlock)
	require.NoError(t, mb.Commit.Accept(12, grown))

	// The accept cancels the stream; the restart covers (13, 7) with the
	// grown filter.
	require.Eventually(t, first.Cancelled, 5*time.Second, 5*time.Millisecond)
	waitTxOpens(t, factory, 2)
	second := factory.Opened()[1]
	require.Equal(t, uint32(13), second.FromHeight)
	require.Equal(t, uint32(7), second.Count)
	require.Greater(t, len(second.Filter), 0)

	// The grown filter now matches transactions for the new address.
	matching := append([]byte{0x02}, payloadOf(t, grown)...)
	second.PushFrame(&stream.Frame{RawTransactions: [][]byte{matching}})
	ev := waitTxEvent(t, r)
	txs, ok := ev.(NewTransactions)
	require.True(t, ok)
	require.Len(t, txs.Transactions, 1)

	second.End()
	require.IsType(t, HistoricalDataObtained{}, waitTxEvent(t, r))
}

func TestGeneratedAddressesFoldOnAccept(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{})
	addr := testAddress(0xaa)
	generated := testAddress(0xcc)

	require.NoError(t, r.SubscribeToNew(context.Background(), 100, []string{addr}))
	waitTxOpens(t, factory, 1)
	first := factory.Opened()[0]

	// A matching transaction prompts the wallet to advance its gap limit.
	matching := append([]byte{0x01}, payloadOf(t, addr)...)
	first.PushFrame(&stream.Frame{RawTransactions: [][]byte{matching}})
	txs := waitTxEvent(t, r).(NewTransactions)
	txs.AppendAddresses([]string{generated})

	// The buffered address triggers a restart on the next accept.
	first.PushFrame(&stream.Frame{RawMerkleBlock: []byte{0x01}})
	mb := waitTxEvent(t, r).(MerkleBlock)
	require.NoError(t, mb.Commit.Accept(100))

	require.Eventually(t, first.Cancelled, 5*time.Second, 5*time.Millisecond)
	waitTxOpens(t, factory, 2)
	second := factory.Opened()[1]
	require.Equal(t, uint32(101), second.FromHeight)
	require.Equal(t, uint32(0), second.Count)

	r.Stop()
}

func TestTransientErrorResumesAboveAccepted(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{MaxRetries: 1})
	addr := testAddress(0xaa)

	require.NoError(t, r.ReadHistorical(context.Background(), 10, 19, []string{addr}))
	waitTxOpens(t, factory, 1)
	first := factory.Opened()[0]

	first.PushFrame(&stream.Frame{RawMerkleBlock: []byte{0x01}})
	mb := waitTxEvent(t, r).(MerkleBlock)
	require.NoError(t, mb.Commit.Accept(14))

	first.Fail(errors.New("connection reset"))
	waitTxOpens(t, factory, 2)
	second := factory.Opened()[1]
	require.Equal(t, uint32(15), second.FromHeight)
	require.Equal(t, uint32(5), second.Count)

	second.End()
	require.IsType(t, HistoricalDataObtained{}, waitTxEvent(t, r))
}

func TestExhaustedRetriesSurfaceError(t *testing.T) {
	t.Parallel()
	factory := &streamtest.Factory{}
	r := newTestTxReader(t, factory, Config{MaxRetries: 0})
	addr := testAddress(0xaa)

	require.NoError(t, r.SubscribeToNew(context.Background(), 1, []string{addr}))
	waitTxOpens(t, factory, 1)

	boom := errors.New("stream broke")
	factory.Opened()[0].Fail(boom)

	ev := waitTxEvent(t, r)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok)
	require.ErrorIs(t, errEv.Err, boom)
}
