// Package bloom implements the probabilistic filter installed server-side to
// limit transaction streams to the wallet's addresses (BIP-37 layout).
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/twmb/murmur3"
)

const (
	// MaxFilterSize is the largest allowed filter payload in bytes.
	MaxFilterSize = 36000

	// MaxHashFuncs caps the number of hash passes per element.
	MaxHashFuncs = 50

	// seedMultiplier decorrelates the per-pass murmur3 seeds.
	seedMultiplier = 0xFBA4C795
)

// Filter is a fixed-size bloom filter over byte elements.
type Filter struct {
	data      []byte
	hashFuncs uint32
	tweak     uint32
}

// New sizes a filter for the expected element count and false-positive rate.
// The tweak randomizes the hash seeds so two clients with the same address set
// do not announce identical filters.
func New(elements uint32, fpRate float64, tweak uint32) *Filter {
	if elements == 0 {
		elements = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.0001
	}

	bits := uint32(-1 / (math.Ln2 * math.Ln2) * float64(elements) * math.Log(fpRate))
	if bits > MaxFilterSize*8 {
		bits = MaxFilterSize * 8
	}
	dataLen := (bits + 7) / 8
	if dataLen == 0 {
		dataLen = 1
	}

	hashFuncs := uint32(float64(dataLen*8) / float64(elements) * math.Ln2)
	if hashFuncs > MaxHashFuncs {
		hashFuncs = MaxHashFuncs
	}
	if hashFuncs == 0 {
		hashFuncs = 1
	}

	return &Filter{
		data:      make([]byte, dataLen),
		hashFuncs: hashFuncs,
		tweak:     tweak,
	}
}

func (f *Filter) bitIndex(pass uint32, element []byte) uint32 {
	h := murmur3.SeedSum32(pass*seedMultiplier+f.tweak, element)
	return h % (uint32(len(f.data)) * 8)
}

// Insert adds an element to the filter.
func (f *Filter) Insert(element []byte) {
	for pass := uint32(0); pass < f.hashFuncs; pass++ {
		idx := f.bitIndex(pass, element)
		f.data[idx>>3] |= 1 << (idx & 7)
	}
}

// Matches reports whether the element is possibly in the filter.
func (f *Filter) Matches(element []byte) bool {
	for pass := uint32(0); pass < f.hashFuncs; pass++ {
		idx := f.bitIndex(pass, element)
		if f.data[idx>>3]&(1<<(idx&7)) == 0 {
			return false
		}
	}
	return true
}

// Serialize renders the filter in the wire layout: varint-prefixed data
// followed by the hash count and tweak, little-endian.
func (f *Filter) Serialize() []byte {
	out := make([]byte, 0, len(f.data)+13)
	out = binary.AppendUvarint(out, uint64(len(f.data)))
	out = append(out, f.data...)
	out = binary.LittleEndian.AppendUint32(out, f.hashFuncs)
	out = binary.LittleEndian.AppendUint32(out, f.tweak)
	return out
}

// HashFuncs returns the number of hash passes.
func (f *Filter) HashFuncs() uint32 { return f.hashFuncs }

// Size returns the filter payload length in bytes.
func (f *Filter) Size() int { return len(f.data) }
