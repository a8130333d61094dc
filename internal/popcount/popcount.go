// Package popcount counts set bits across a segment's composite bitset,
// using vectorized lanes where go-highway's runtime dispatch picks a SIMD
// backend and falling back to math/bits otherwise.
package popcount

import (
	"math/bits"

	"github.com/ajroetker/go-highway/hwy"
)

// Word counts the set bits of a single 64-bit word.
func Word(x uint64) uint64 {
	return uint64(bits.OnesCount64(x))
}

// Words sums the set bits across words, loading it through go-highway's
// vector lanes so the runtime's SIMD dispatch (AVX2/AVX-512/NEON) applies
// without this package knowing which backend is active.
func Words(words []uint64) uint64 {
	if len(words) == 0 {
		return 0
	}
	var total uint64
	for len(words) > 0 {
		v := hwy.Load(words)
		n := v.NumLanes()
		if n == 0 {
			// MaxLanes[uint64]() degenerate case: fall back to scalar.
			for _, w := range words {
				total += Word(w)
			}
			break
		}
		total += uint64(hwy.ReduceSum(hwy.PopCount(v)))
		words = words[n:]
	}
	return total
}

// WordsMasked sums the set bits across words, ANDing every word with mask
// first. mask == ^uint64(0) degenerates to Words.
func WordsMasked(words []uint64, mask uint64) uint64 {
	if len(words) == 0 {
		return 0
	}
	if mask == ^uint64(0) {
		return Words(words)
	}
	var total uint64
	for _, w := range words {
		total += Word(w & mask)
	}
	return total
}

// ZeroBits returns the count of clear bits among the first bitCount bits of
// bits, interpreting it as a little-endian bitset (bit i of word i/64).
// Clear bits are the ones that matter here: under the odd-only encoding a
// clear bit is a surviving (prime) candidate.
func ZeroBits(words []uint64, bitCount int) uint64 {
	if len(words) == 0 || bitCount == 0 {
		return 0
	}
	fullWords := bitCount / 64
	remBits := bitCount % 64

	ones := Words(words[:fullWords])
	total := uint64(fullWords)*64 - ones

	if remBits > 0 {
		mask := uint64(1)<<uint(remBits) - 1
		total += uint64(remBits) - WordsMasked(words[fullWords:fullWords+1], mask)
	}
	return total
}
