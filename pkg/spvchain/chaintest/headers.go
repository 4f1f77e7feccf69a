// Package chaintest builds linked header fixtures for tests.
package chaintest

import (
	"encoding/binary"

	"github.com/vkaxevo/headersync/pkg/spvchain"
)

// MakeChain builds count linked headers starting at fromHeight, using the
// given hash function (nil selects DoubleSHA256). Tests that need contiguous
// sub-ranges should generate the full chain once and slice it.
func MakeChain(fromHeight uint32, count int, hashFn spvchain.HashFunc) [][]byte {
	if hashFn == nil {
		hashFn = spvchain.DoubleSHA256
	}
	headers := make([][]byte, 0, count)
	prev := hashFn(seedHeader(fromHeight - 1))
	for i := 0; i < count; i++ {
		hdr := seedHeader(fromHeight + uint32(i))
		copy(hdr[4:36], prev)
		prev = hashFn(hdr)
		headers = append(headers, hdr)
	}
	return headers
}

// seedHeader produces a deterministic 80-byte header body unique per height.
func seedHeader(height uint32) []byte {
	hdr := make([]byte, spvchain.HeaderSize)
	binary.LittleEndian.PutUint32(hdr[:4], 0x20000000)
	binary.LittleEndian.PutUint32(hdr[36:40], height)
	binary.LittleEndian.PutUint32(hdr[68:72], 0x1d00ffff)
	return hdr
}
