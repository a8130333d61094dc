// Package marker implements the three-tier composite-marking engine: small
// primes via precomputed word patterns, medium primes via per-tile linked
// lists, and large primes via bucket-scheduled deferred events.
package marker

import (
	"github.com/pchuck/calcprime/internal/bucket"
	"github.com/pchuck/calcprime/internal/segmenter"
	"github.com/pchuck/calcprime/internal/wheel"
)

// TileView is a window onto one tile's words within a segment's bitset.
type TileView struct {
	StartValue uint64
	BitOffset  int
	BitCount   int
	Words      []uint64 // sub-slice of the segment bitset covering this tile
}

func wordsForBits(bits int) int {
	return (bits + 63) / 64
}

func ceilDivU64(value, divisor uint64) uint64 {
	q := value / divisor
	if value%divisor != 0 {
		q++
	}
	return q
}

// firstHit returns the first odd multiple of prime that is >= start and
// >= prime*prime (smaller multiples are already eliminated by smaller
// primes or the wheel).
func firstHit(prime uint32, start uint64) uint64 {
	p := uint64(prime)
	begin := p * p
	if begin < start {
		begin = start
	}
	if remainder := begin % p; remainder != 0 {
		begin += p - remainder
	}
	if begin&1 == 0 {
		begin += p
	}
	return begin
}

func findSmallPattern(w *wheel.Wheel, prime uint32) *wheel.SmallPattern {
	for i := range w.SmallPatterns {
		if w.SmallPatterns[i].Prime == prime {
			return &w.SmallPatterns[i]
		}
	}
	return nil
}

// Marker partitions a run's prime list into small/medium/large tiers and
// knows how to construct per-worker state and mark one segment's bitset.
// It is built once per run and shared read-only across all worker
// goroutines.
type Marker struct {
	wheel       *wheel.Wheel
	config      segmenter.Plan
	rangeBegin  uint64
	rangeEnd    uint64

	smallPrimes    []uint32
	smallInitial   []uint64
	smallPatterns  []*wheel.SmallPattern

	mediumPrimes  []uint32
	mediumInitial []uint64

	largeTemplate []bucket.LargePrimeState
}

// New builds a Marker for sieving [rangeBegin, rangeEnd) with the given
// wheel, segment/tile sizing, and base prime list (typically all primes up
// to sqrt(rangeEnd) computed by an initial bootstrap sieve). Primes
// dividing the wheel's presieve modulus are skipped: the presieve already
// removes their multiples.
func New(w *wheel.Wheel, config segmenter.Plan, rangeBegin, rangeEnd uint64, primes []uint32, smallPrimeLimit uint32) *Marker {
	m := &Marker{wheel: w, config: config, rangeBegin: rangeBegin, rangeEnd: rangeEnd}
	largeThreshold := config.SegmentSpan / 2
	for _, prime := range primes {
		if prime < 2 || prime == 2 {
			continue
		}
		if w.PresieveModulus%prime == 0 {
			continue
		}
		switch {
		case prime <= smallPrimeLimit:
			m.smallPrimes = append(m.smallPrimes, prime)
			m.smallInitial = append(m.smallInitial, firstHit(prime, rangeBegin))
			m.smallPatterns = append(m.smallPatterns, findSmallPattern(w, prime))
		case uint64(prime) <= largeThreshold:
			m.mediumPrimes = append(m.mediumPrimes, prime)
			m.mediumInitial = append(m.mediumInitial, firstHit(prime, rangeBegin))
		default:
			m.largeTemplate = append(m.largeTemplate, bucket.LargePrimeState{
				Prime:     prime,
				Stride:    uint64(prime) * 2,
				NextValue: firstHit(prime, rangeBegin),
			})
		}
	}
	return m
}

// ThreadState is the mutable, per-worker marking state: current position of
// every small/medium prime, the medium-prime per-tile linked lists, this
// worker's share of the large primes, and their bucket-scheduled hits.
type ThreadState struct {
	Bucket *bucket.Ring

	SmallPositions []uint64

	MediumPositions []uint64
	MediumNext      []int32
	MediumTileHeads []int32

	LargeStates []bucket.LargePrimeState
}

// MakeThreadState builds the state for worker threadIndex of threadCount,
// assigning it every large prime whose template index is congruent to
// threadIndex mod threadCount and scheduling that prime's first hit into
// the bucket ring.
func (m *Marker) MakeThreadState(threadIndex, threadCount int) *ThreadState {
	if threadCount <= 0 {
		threadCount = 1
	}
	state := &ThreadState{
		Bucket:          bucket.New(0),
		SmallPositions:  append([]uint64(nil), m.smallInitial...),
		MediumPositions: append([]uint64(nil), m.mediumInitial...),
		MediumNext:      make([]int32, len(m.mediumPrimes)),
	}
	for i := range state.MediumNext {
		state.MediumNext[i] = -1
	}

	for i := range m.largeTemplate {
		if i%threadCount != threadIndex {
			continue
		}
		state.LargeStates = append(state.LargeStates, m.largeTemplate[i])
		ownerIndex := len(state.LargeStates) - 1
		lp := &state.LargeStates[ownerIndex]
		if lp.NextValue >= m.rangeEnd {
			continue
		}
		segment := (lp.NextValue - m.rangeBegin) / m.config.SegmentSpan
		base := m.rangeBegin + segment*m.config.SegmentSpan
		if base&1 == 0 {
			base++
		}
		offset := (lp.NextValue - base) >> 1
		state.Bucket.Push(segment, bucket.Entry{
			Prime:      lp.Prime,
			NextIndex:  segment,
			Offset:     offset,
			Value:      lp.NextValue,
			OwnerIndex: ownerIndex,
		})
	}
	return state
}

// applySmallPrimes marks every small prime's multiples that fall within
// tile, advancing each prime's cursor past the tile regardless of whether
// it has a precomputed mask pattern.
func (m *Marker) applySmallPrimes(state *ThreadState, tile TileView) {
	if tile.BitCount == 0 {
		return
	}
	tileBits := uint32(tile.BitCount)
	tileEnd := tile.StartValue + uint64(tile.BitCount)*2

	for i, prime := range m.smallPrimes {
		step := uint64(prime) * 2
		pos := state.SmallPositions[i]
		if pos < tile.StartValue {
			delta := tile.StartValue - pos
			skip := (delta + step - 1) / step
			pos += skip * step
		}
		if pos >= tileEnd {
			state.SmallPositions[i] = pos
			continue
		}

		pattern := m.smallPatterns[i]
		if pattern != nil {
			bitIndex := int((pos - tile.StartValue) >> 1)
			wordIndex := bitIndex / 64
			if wordIndex < len(tile.Words) {
				bitInWord := uint(bitIndex % 64)
				phase := pattern.StartPhase[bitInWord]
				mask := pattern.Masks[phase]
				if bitInWord != 0 {
					mask &= ^uint64(0) << bitInWord
				}
				tile.Words[wordIndex] |= mask
				phase = uint8(pattern.NextPhase[phase])
				for w := wordIndex + 1; w < len(tile.Words); w++ {
					tile.Words[w] |= pattern.Masks[phase]
					phase = uint8(pattern.NextPhase[phase])
				}
			}
			delta := tileEnd - pos
			skip := (delta + step - 1) / step
			pos += skip * step
			state.SmallPositions[i] = pos
		} else {
			bitIndex := uint32((pos - tile.StartValue) >> 1)
			bitStep := prime
			for bitIndex < tileBits {
				tile.Words[bitIndex>>6] |= 1 << (bitIndex & 63)
				bitIndex += bitStep
			}
			state.SmallPositions[i] = tile.StartValue + uint64(bitIndex)<<1
		}
	}
}

// applyMediumPrimes drains this tile's linked list of medium primes,
// marking each one's multiples within the tile and re-threading it onto
// the list for whichever later tile its next hit falls in.
func (m *Marker) applyMediumPrimes(state *ThreadState, tile TileView, segmentLow, segmentHigh uint64, tileIndex, tileCount int) {
	if tile.BitCount == 0 || tileIndex >= len(state.MediumTileHeads) {
		return
	}
	head := state.MediumTileHeads[tileIndex]
	state.MediumTileHeads[tileIndex] = -1
	if head < 0 {
		return
	}

	tileBits := uint32(tile.BitCount)
	tileEnd := tile.StartValue + uint64(tile.BitCount)*2

	for head >= 0 {
		i := int(head)
		head = state.MediumNext[i]

		prime := m.mediumPrimes[i]
		step := uint64(prime) * 2
		pos := state.MediumPositions[i]
		if pos < tile.StartValue {
			delta := tile.StartValue - pos
			skip := (delta + step - 1) / step
			pos += skip * step
		}
		if pos < tileEnd {
			bitIndex := uint32((pos - tile.StartValue) >> 1)
			bitStep := prime
			for bitIndex < tileBits {
				tile.Words[bitIndex>>6] |= 1 << (bitIndex & 63)
				bitIndex += bitStep
			}
			pos = tile.StartValue + uint64(bitIndex)<<1
		}
		state.MediumPositions[i] = pos

		if pos < segmentHigh {
			nextTile := int((pos - segmentLow) / m.config.TileSpan)
			if nextTile >= tileCount {
				nextTile = tileCount - 1
			}
			state.MediumNext[i] = state.MediumTileHeads[nextTile]
			state.MediumTileHeads[nextTile] = int32(i)
		} else {
			state.MediumNext[i] = -1
		}
	}
}

// applyLargePrimes drains this segment's bucket, marking any hit that
// actually falls inside [segmentLow, segmentHigh) and rescheduling each
// owning prime's next hit into the bucket for whichever future segment it
// lands in.
func (m *Marker) applyLargePrimes(state *ThreadState, segmentID, segmentLow, segmentHigh uint64, bitset []uint64) {
	hits := state.Bucket.Take(segmentID)
	for _, entry := range hits {
		if entry.Value >= segmentLow && entry.Value < segmentHigh {
			bitIndex := (entry.Value - segmentLow) >> 1
			bitset[bitIndex/64] |= 1 << (bitIndex % 64)
		}
		if entry.OwnerIndex < 0 || entry.OwnerIndex >= len(state.LargeStates) {
			continue
		}
		owner := &state.LargeStates[entry.OwnerIndex]
		next := entry.Value + owner.Stride
		owner.NextValue = next
		if next >= m.rangeEnd {
			continue
		}
		seg := (next - m.rangeBegin) / m.config.SegmentSpan
		base := m.rangeBegin + seg*m.config.SegmentSpan
		if base&1 == 0 {
			base++
		}
		offset := (next - base) >> 1
		state.Bucket.Push(seg, bucket.Entry{
			Prime:      owner.Prime,
			NextIndex:  seg,
			Offset:     offset,
			Value:      next,
			OwnerIndex: entry.OwnerIndex,
		})
	}
}

// SieveSegment marks every composite in [segmentLow, segmentHigh) into
// *bitset (grown/shrunk to fit): the presieve first, then the large tier's
// bucket hits for the whole segment, then the small and medium tiers tile
// by tile. A set bit means composite; a clear bit at odd value v means v is
// prime.
func (m *Marker) SieveSegment(state *ThreadState, segmentID, segmentLow, segmentHigh uint64, bitset *[]uint64) {
	if segmentHigh <= segmentLow {
		*bitset = (*bitset)[:0]
		return
	}
	bitCount := int(ceilDivU64(segmentHigh-segmentLow, 2))
	if bitCount == 0 {
		*bitset = (*bitset)[:0]
		return
	}
	wordCount := wordsForBits(bitCount)
	if cap(*bitset) < wordCount {
		*bitset = make([]uint64, wordCount)
	} else {
		*bitset = (*bitset)[:wordCount]
		for i := range *bitset {
			(*bitset)[i] = 0
		}
	}
	bits := *bitset

	m.wheel.FillPresieve(segmentLow, bitCount, bits)
	m.applyLargePrimes(state, segmentID, segmentLow, segmentHigh, bits)

	tileCount := int(ceilDivU64(segmentHigh-segmentLow, m.config.TileSpan))
	if tileCount == 0 {
		tileCount = 1
	}
	if cap(state.MediumTileHeads) < tileCount {
		state.MediumTileHeads = make([]int32, tileCount)
	} else {
		state.MediumTileHeads = state.MediumTileHeads[:tileCount]
	}
	for i := range state.MediumTileHeads {
		state.MediumTileHeads[i] = -1
	}
	if len(state.MediumNext) != len(m.mediumPrimes) {
		state.MediumNext = make([]int32, len(m.mediumPrimes))
		for i := range state.MediumNext {
			state.MediumNext[i] = -1
		}
	}
	for i, prime := range m.mediumPrimes {
		step := uint64(prime) * 2
		pos := state.MediumPositions[i]
		if pos < segmentLow {
			delta := segmentLow - pos
			skip := (delta + step - 1) / step
			pos += skip * step
			state.MediumPositions[i] = pos
		}
		if pos >= segmentHigh {
			state.MediumNext[i] = -1
			continue
		}
		nextTile := int((pos - segmentLow) / m.config.TileSpan)
		if nextTile >= tileCount {
			nextTile = tileCount - 1
		}
		state.MediumNext[i] = state.MediumTileHeads[nextTile]
		state.MediumTileHeads[nextTile] = int32(i)
	}

	tileLow := segmentLow
	bitOffset := 0
	tileIndex := 0
	for tileLow < segmentHigh {
		tileHigh := segmentHigh
		if tileLow+m.config.TileSpan < tileHigh {
			tileHigh = tileLow + m.config.TileSpan
		}
		tileBits := int(ceilDivU64(tileHigh-tileLow, 2))
		tileWords := wordsForBits(tileBits)
		wordStart := bitOffset / 64
		tile := TileView{
			StartValue: tileLow,
			BitOffset:  bitOffset,
			BitCount:   tileBits,
			Words:      bits[wordStart : wordStart+tileWords],
		}
		m.applySmallPrimes(state, tile)
		m.applyMediumPrimes(state, tile, segmentLow, segmentHigh, tileIndex, tileCount)
		if tileBits%64 != 0 && tileWords > 0 {
			mask := uint64(1)<<uint(tileBits%64) - 1
			tile.Words[tileWords-1] &= mask
		}
		tileLow = tileHigh
		bitOffset += tileBits
		tileIndex++
	}
}
