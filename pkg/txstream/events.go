package txstream

import (
	"errors"
	"sync"
)

// ErrDoubleCommit is returned when a merkle-block commit handle is used more
// than once.
var ErrDoubleCommit = errors.New("merkle block already accepted or rejected")

// Event is delivered on the reader's events channel.
type Event interface {
	isEvent()
}

// NewTransactions carries raw transactions that matched the wallet addresses.
// AppendAddresses buffers addresses generated in response (gap-limit
// advancement); they are folded into the filter on the next merkle-block
// accept.
type NewTransactions struct {
	Transactions    [][]byte
	AppendAddresses func(addresses []string)
}

// MerkleBlock invites the consumer to accept or reject a merkle block. The
// reader does not process subsequent frames until the commit resolves.
type MerkleBlock struct {
	RawMerkleBlock []byte
	Commit         *Commit
}

// HistoricalDataObtained fires when a historical transaction run ends cleanly.
type HistoricalDataObtained struct{}

// ErrorEvent is terminal for the current run.
type ErrorEvent struct {
	Err error
}

func (NewTransactions) isEvent()        {}
func (MerkleBlock) isEvent()            {}
func (HistoricalDataObtained) isEvent() {}
func (ErrorEvent) isEvent()             {}

// Commit is the one-shot accept/reject capability of a merkle block. Exactly
// one of Accept or Reject must be called; a second call fails with
// ErrDoubleCommit.
type Commit struct {
	mu       sync.Mutex
	done     bool
	resolved chan struct{}

	acceptFn func(height uint32, newAddresses []string) error
	rejectFn func(err error)
}

func newCommit(
	accept func(height uint32, newAddresses []string) error,
	reject func(err error),
) *Commit {
	return &Commit{
		resolved: make(chan struct{}),
		acceptFn: accept,
		rejectFn: reject,
	}
}

// Accept confirms the merkle block at the given height. Non-empty
// newAddresses (together with any buffered generated addresses) grow the
// filter and restart the stream above the accepted height.
func (c *Commit) Accept(height uint32, newAddresses ...string) error {
	if err := c.take(); err != nil {
		return err
	}
	defer close(c.resolved)
	return c.acceptFn(height, newAddresses)
}

// Reject destroys the delivering stream with the given error.
func (c *Commit) Reject(err error) error {
	if terr := c.take(); terr != nil {
		return terr
	}
	defer close(c.resolved)
	c.rejectFn(err)
	return nil
}

func (c *Commit) take() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrDoubleCommit
	}
	c.done = true
	return nil
}
