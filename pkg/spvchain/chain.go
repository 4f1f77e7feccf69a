// Package spvchain defines the chain collaborator the sync provider feeds
// accepted headers into, and provides a compact in-memory implementation used
// by the daemon and the end-to-end tests. Proof-of-work validation is the
// responsibility of heavier implementations; this package checks linkage and
// contiguity only.
package spvchain

import (
	"errors"
	"fmt"
)

// HeaderSize is the length of a serialized block header.
const HeaderSize = 80

// Chain is an append-only ordered collection of block headers with reorg
// resolution. All writes go through the provider on one logical thread of
// control.
type Chain interface {
	// AddHeaders validates and stores a contiguous run of headers whose first
	// element sits at headHeight. It returns the accepted suffix: headers the
	// chain already knew (or had pruned) are silently dropped from the front.
	// SPV-level rejections are *SPVError; any other error is fatal to the
	// caller's run.
	AddHeaders(headers [][]byte, headHeight uint32) ([][]byte, error)

	// Validate checks the chain is gap-free after a historical run.
	Validate() error

	// Reset anchors the chain at fromHeight, dropping all stored state. It
	// allows starts anchored above genesis without requiring prior history.
	Reset(fromHeight uint32)

	// HashAt returns the hash of the stored header at the given height.
	HashAt(height uint32) ([]byte, bool)
}

// SPVError is a semantic rejection from the chain: bad linkage, a
// discontinuity, an undersized header. The provider turns it into a stream
// rejection instead of a fatal error.
type SPVError struct {
	Height uint32
	Reason string
}

func (e *SPVError) Error() string {
	return fmt.Sprintf("spv: %s at height %d", e.Reason, e.Height)
}

// IsSPVError reports whether err is (or wraps) a chain-level rejection.
func IsSPVError(err error) bool {
	var spvErr *SPVError
	return errors.As(err, &spvErr)
}
