package spvchain

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
)

// HashFunc computes the identifying hash of a serialized header. It is
// injected at construction time; no process-wide singleton is consulted.
type HashFunc func([]byte) []byte

// DoubleSHA256 is the default header hash.
func DoubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

// prevHash extracts the previous-block hash from the fixed header layout.
func prevHash(header []byte) []byte {
	return header[4:36]
}

// MemChain is an in-memory Chain. Out-of-order ranges arriving from parallel
// sub-streams are parked in an orphan buffer keyed by their head height and
// connected once the gap below them fills.
type MemChain struct {
	mu     sync.Mutex
	hashFn HashFunc

	anchor  uint32
	tip     uint32 // anchor-1 while empty
	headers map[uint32][]byte
	hashes  map[uint32][]byte
	orphans map[uint32][][]byte

	// set when an orphan range failed to connect; surfaced by Validate
	detached error
}

var _ Chain = (*MemChain)(nil)

// NewMemChain creates a chain anchored at fromHeight. A nil hashFn selects
// DoubleSHA256.
func NewMemChain(fromHeight uint32, hashFn HashFunc) *MemChain {
	if hashFn == nil {
		hashFn = DoubleSHA256
	}
	c := &MemChain{hashFn: hashFn}
	c.reset(fromHeight)
	return c
}

func (c *MemChain) reset(fromHeight uint32) {
	c.anchor = fromHeight
	c.tip = fromHeight - 1
	c.headers = make(map[uint32][]byte)
	c.hashes = make(map[uint32][]byte)
	c.orphans = make(map[uint32][][]byte)
	c.detached = nil
}

// Reset anchors the chain at fromHeight, dropping all stored state.
func (c *MemChain) Reset(fromHeight uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(fromHeight)
}

// HashAt returns the hash of the stored header at the given height. Orphaned
// ranges are not visible until they connect.
func (c *MemChain) HashAt(height uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[height]
	return h, ok
}

// TipHeight returns the height of the last connected header, or anchor-1
// while the chain is empty.
func (c *MemChain) TipHeight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}

// AddHeaders implements Chain. Headers overlapping known or pruned state are
// dropped from the front; the remainder is connected at the tip or parked in
// the orphan buffer when it sits above a gap.
func (c *MemChain) AddHeaders(headers [][]byte, headHeight uint32) ([][]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	for i, h := range headers {
		if len(h) != HeaderSize {
			return nil, &SPVError{Height: headHeight + uint32(i), Reason: "invalid header size"}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop the prefix the chain already knows about.
	skip := 0
	for skip < len(headers) {
		h := headHeight + uint32(skip)
		if h < c.anchor {
			skip++
			continue
		}
		if h > c.tip {
			break
		}
		if !bytes.Equal(c.hashFn(headers[skip]), c.hashes[h]) {
			return nil, &SPVError{Height: h, Reason: "header conflicts with stored chain"}
		}
		skip++
	}
	accepted := headers[skip:]
	start := headHeight + uint32(skip)
	if len(accepted) == 0 {
		return [][]byte{}, nil
	}

	// Internal linkage of the batch.
	for j := 1; j < len(accepted); j++ {
		if !bytes.Equal(prevHash(accepted[j]), c.hashFn(accepted[j-1])) {
			return nil, &SPVError{Height: start + uint32(j), Reason: "broken linkage within batch"}
		}
	}

	empty := c.tip < c.anchor
	switch {
	case empty && start == c.anchor, !empty && start == c.tip+1:
		if !empty && !bytes.Equal(prevHash(accepted[0]), c.hashes[c.tip]) {
			return nil, &SPVError{Height: start, Reason: "does not connect to stored tip"}
		}
		c.store(accepted, start)
		c.connectOrphans()
	case start > c.tip+1:
		buffered := make([][]byte, len(accepted))
		copy(buffered, accepted)
		c.orphans[start] = buffered
	default:
		// Unreachable after the prefix drop; kept as a guard.
		return nil, &SPVError{Height: start, Reason: "batch below stored tip"}
	}

	return accepted, nil
}

func (c *MemChain) store(run [][]byte, start uint32) {
	for j, hdr := range run {
		h := start + uint32(j)
		c.headers[h] = hdr
		c.hashes[h] = c.hashFn(hdr)
	}
	c.tip = start + uint32(len(run)) - 1
}

// connectOrphans drains orphan ranges that now sit directly above the tip. A
// range that fails the linkage check at connect time is dropped and recorded
// for Validate.
func (c *MemChain) connectOrphans() {
	for {
		run, ok := c.orphans[c.tip+1]
		if !ok {
			return
		}
		delete(c.orphans, c.tip+1)
		if !bytes.Equal(prevHash(run[0]), c.hashes[c.tip]) {
			c.detached = &SPVError{Height: c.tip + 1, Reason: "orphan range does not connect"}
			return
		}
		c.store(run, c.tip+1)
	}
}

// Validate implements Chain: the chain is valid when every accepted range has
// connected and no orphans remain.
func (c *MemChain) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached != nil {
		return c.detached
	}
	if len(c.orphans) > 0 {
		return fmt.Errorf("chain has %d unconnected ranges, gap at height %d", len(c.orphans), c.tip+1)
	}
	if c.tip >= c.anchor && len(c.headers) != int(c.tip-c.anchor+1) {
		return errors.New("chain store is inconsistent")
	}
	return nil
}
