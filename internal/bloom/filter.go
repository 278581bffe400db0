// Package bloom provides a murmur3 double-hashed bloom filter. The
// attribution linker builds one over the resolved user ids that have
// sessions, then probes it per fact; a negative answer is definite, so
// most session-less facts never reach the candidate index.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a fixed-size bloom filter over string keys. Build it with
// Add calls first, then probe with Contains; it is not safe for
// concurrent mutation.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter with the given geometry, rounded up to whole
// 64-bit words.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}

	numWords := (numBits + 63) / 64
	return &Filter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// NewWithEstimates creates a filter sized for the expected key count and
// target false positive rate.
func NewWithEstimates(expectedItems int, targetFPR float64) *Filter {
	numBits, numHashes := OptimalParameters(expectedItems, targetFPR)
	return New(numBits, numHashes)
}

// OptimalParameters returns the bit and hash counts for a key count and
// false positive rate:
//
//	m = -n * ln(p) / ln(2)^2
//	k = (m / n) * ln(2)
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil((m / n) * math.Ln2))

	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add records a key.
func (f *Filter) Add(key string) {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < f.numHashes; i++ {
		f.setBit((h1 + i*h2) % f.numBits)
	}
	f.count++
}

// Contains reports whether a key might have been added. False means
// definitely not; true may be a false positive.
func (f *Filter) Contains(key string) bool {
	h1, h2 := murmur3.Sum128([]byte(key))
	for i := uint64(0); i < f.numHashes; i++ {
		if !f.getBit((h1 + i*h2) % f.numBits) {
			return false
		}
	}
	return true
}

// Count returns how many keys were added.
func (f *Filter) Count() uint64 {
	return f.count
}

// FalsePositiveRate estimates the current false positive rate from the
// fill ratio: (1 - e^(-k*n/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

func (f *Filter) setBit(pos uint64) {
	f.bits[pos/64] |= 1 << (pos % 64)
}

func (f *Filter) getBit(pos uint64) bool {
	return f.bits[pos/64]&(1<<(pos%64)) != 0
}
