// Package bloom provides probabilistic entity membership filters for
// offline segments. A segment's filter answers "might this entity have
// rows here?" without opening the segment; false positives only cost a
// wasted read, false negatives never occur.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

// EntityFilter is a bloom filter over entity ids. Filters are built once
// while a segment is sealed and read-only afterwards, so no locking is
// needed.
type EntityFilter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
	count     uint64
}

// New creates a filter sized for the expected number of entities and the
// target false positive rate.
func New(expectedEntities int, targetFPR float64) *EntityFilter {
	numBits, numHashes := optimalParameters(expectedEntities, targetFPR)
	numWords := (numBits + 63) / 64
	return &EntityFilter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// optimalParameters derives the classic bloom sizing:
// m = -n*ln(p)/ln(2)² bits and k = (m/n)*ln(2) hash functions.
func optimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
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

// Add records an entity id in the filter.
func (f *EntityFilter) Add(entityID int64) {
	h1, h2 := hashEntity(entityID)
	for i := uint64(0); i < f.numHashes; i++ {
		// Double hashing: h(i) = h1 + i*h2
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// MightContain reports whether the entity might have rows in the segment.
// A false result is definitive: the entity is not present.
func (f *EntityFilter) MightContain(entityID int64) bool {
	h1, h2 := hashEntity(entityID)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of ids added.
func (f *EntityFilter) Count() uint64 {
	return f.count
}

// EstimatedFPR returns the expected false positive rate at the current
// fill: (1 - e^(-k*n/m))^k.
func (f *EntityFilter) EstimatedFPR() float64 {
	if f.count == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.count)
	m := float64(f.numBits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// hashEntity computes the murmur3 128-bit hash of an entity id.
func hashEntity(entityID int64) (uint64, uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(entityID))
	h := murmur3.New128()
	h.Write(buf[:])
	return h.Sum128()
}
