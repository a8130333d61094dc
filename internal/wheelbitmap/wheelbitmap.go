// Package wheelbitmap implements the count-only sieving path: a packed
// per-block residue bitmap marked by dense and sparse prime tables, used
// instead of the segmented marker engine when a run only needs a count
// over a very large span.
package wheelbitmap

import (
	"sort"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"github.com/pchuck/calcprime/internal/cpuinfo"
	"github.com/pchuck/calcprime/internal/popcount"
	"github.com/pchuck/calcprime/internal/segmenter"
	"github.com/pchuck/calcprime/internal/wheel"
)

// DenseLimit30 and DenseLimit210 bound the "dense" prime tier: primes at or
// below the limit are walked every block; larger primes up to sqrt(to) are
// "sparse" and walked the same way, the split exists only to group the
// common small-stride cost separately from the long tail.
const (
	DenseLimit30  = 97
	DenseLimit210 = 127
)

// Supports reports whether the wheel-bitmap engine handles this wheel type.
// Mod1155 is segmented-sieve only: its far larger residue count makes the
// per-block bitmap too sparse to pay for itself.
func Supports(t wheel.Type) bool {
	return t == wheel.Mod30 || t == wheel.Mod210
}

func denseLimit(t wheel.Type) uint32 {
	if t == wheel.Mod210 {
		return DenseLimit210
	}
	return DenseLimit30
}

// primeState is the immutable, precomputed per-phase stepping table for one
// prime: BlockInc[j] is how many blocks forward the next hit for phase j
// lands, and BitForPhase[j] is which residue slot it sets. Both arrays are
// read-only after construction and safe to share across every chunk and
// worker.
type primeState struct {
	prime       uint32
	blockInc    []uint32
	bitForPhase []uint16
}

func buildPrimeState(w *wheel.Wheel, prime uint32) primeState {
	n := len(w.Residues)
	modulus := uint64(w.Modulus)
	ps := primeState{prime: prime, blockInc: make([]uint32, n), bitForPhase: make([]uint16, n)}
	for j := 0; j < n; j++ {
		target := (uint64(prime) * uint64(w.Residues[j])) % modulus
		ps.bitForPhase[j] = uint16(residueIndexExact(w, uint16(target)))

		next := (j + 1) % n
		inc := (uint64(prime)*uint64(w.Residues[next]))/modulus - (uint64(prime)*uint64(w.Residues[j]))/modulus
		if next == 0 {
			inc += uint64(prime)
		}
		ps.blockInc[j] = uint32(inc)
	}
	return ps
}

func residueIndexExact(w *wheel.Wheel, r uint16) int {
	i := sort.Search(len(w.Residues), func(i int) bool { return w.Residues[i] >= r })
	if i < len(w.Residues) && w.Residues[i] == r {
		return i
	}
	return 0 // unreachable for valid wheel/prime combinations
}

// residueIndexAtOrAfter returns the smallest index with Residues[idx] >= r,
// or -1 if r exceeds every residue in this block (caller must wrap to block+1,
// phase 0).
func residueIndexAtOrAfter(w *wheel.Wheel, r uint32) int {
	i := sort.Search(len(w.Residues), func(i int) bool { return uint32(w.Residues[i]) >= r })
	if i == len(w.Residues) {
		return -1
	}
	return i
}

func firstOddMultipleAtLeast(prime uint32, start uint64) uint64 {
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

// startPhaseAndBlock finds the (phase, block) pair for the first hit of
// prime at or after startValue: block*modulus+Residues[phase] is the
// smallest coprime-residue multiple of prime that is >= startValue.
func startPhaseAndBlock(w *wheel.Wheel, prime uint32, startValue uint64) (phase int, block uint64) {
	modulus := uint64(w.Modulus)
	first := firstOddMultipleAtLeast(prime, startValue)
	m := first / uint64(prime)
	k := m / modulus
	r := uint32(m % modulus)
	j := residueIndexAtOrAfter(w, r)
	if j < 0 {
		j = 0
		k++
	}
	value := uint64(prime) * (k*modulus + uint64(w.Residues[j]))
	return j, value / modulus
}

// Kernel holds the immutable per-prime stepping tables for one wheel type,
// split into dense and sparse tiers. It is built once per run and shared
// read-only across every worker and chunk.
type Kernel struct {
	w            *wheel.Wheel
	residueCount int
	densePrimes  []primeState
	sparsePrimes []primeState
}

// ExcludedPrimes returns the members of candidates that divide the wheel's
// modulus: the primes NewKernel skips when building its stepping tables,
// because they have no residue slot in the wheel's coprime-residue domain at
// all (not even a self-hit at p²). Count never tallies these values, so a
// caller that needs a total matching trial division must add them back
// separately, instead of re-adding every presieved prime.
func ExcludedPrimes(t wheel.Type, candidates []uint64) []uint64 {
	w := wheel.Get(t)
	modulus := uint64(w.Modulus)
	var out []uint64
	for _, p := range candidates {
		if p != 0 && modulus%p == 0 {
			out = append(out, p)
		}
	}
	return out
}

// NewKernel builds a Kernel from basePrimes (every prime up to ceil(sqrt(to))),
// skipping the wheel's own factors (already excluded by construction) and
// splitting the rest into dense/sparse tiers by denseLimit(t).
func NewKernel(t wheel.Type, basePrimes []uint32) *Kernel {
	w := wheel.Get(t)
	limit := denseLimit(t)
	k := &Kernel{w: w, residueCount: len(w.Residues)}
	for _, p := range basePrimes {
		if p < 2 {
			continue
		}
		if w.Modulus%p == 0 {
			continue
		}
		ps := buildPrimeState(w, p)
		if p <= limit {
			k.densePrimes = append(k.densePrimes, ps)
		} else {
			k.sparsePrimes = append(k.sparsePrimes, ps)
		}
	}
	return k
}

// BlockRange converts a value range to wheel-block indices [blockBegin, blockEnd).
func (k *Kernel) BlockRange(from, to uint64) (blockBegin, blockEnd uint64) {
	modulus := uint64(k.w.Modulus)
	blockBegin = from / modulus
	blockEnd = (to + modulus - 1) / modulus
	return
}

// markBlocks sets the composite bit for every hit of the primes in ps that
// land within [blockLow, blockHigh), relative to a marks bitset whose bit
// index is (block-blockLow)*residueCount + bitForPhase.
func (k *Kernel) markBlocks(ps []primeState, chunkLow uint64, blockLow, blockHigh uint64, marks []uint64) {
	n := k.residueCount
	for _, p := range ps {
		phase, block := startPhaseAndBlock(k.w, p.prime, chunkLow)
		for block < blockHigh {
			if block >= blockLow {
				bitIndex := (block-blockLow)*uint64(n) + uint64(p.bitForPhase[phase])
				marks[bitIndex/64] |= 1 << (bitIndex % 64)
			}
			block += uint64(p.blockInc[phase])
			phase = (phase + 1) % n
		}
	}
}

// maskBoundaryBlock marks every residue slot in the block at blockLow+rel
// whose actual value falls outside [from, to) as composite, so the final
// popcount excludes them from the prime tally without a separate validity
// table: phi(modulus) - popcount(marks) is then correct even at the ends
// of the overall range.
func (k *Kernel) maskBoundaryBlock(marks []uint64, rel uint64, blockAbsolute uint64, from, to uint64) {
	modulus := uint64(k.w.Modulus)
	base := blockAbsolute * modulus
	n := uint64(k.residueCount)
	for i, r := range k.w.Residues {
		value := base + uint64(r)
		if value < from || value >= to || value == 1 {
			bitIndex := rel*n + uint64(i)
			marks[bitIndex/64] |= 1 << (bitIndex % 64)
		}
	}
}

// CountChunk counts primes in [chunkLow, chunkHigh) (already block-aligned
// except possibly at the extreme ends of [from,to)), using scratch as
// reusable marks storage.
func (k *Kernel) CountChunk(chunkLow, chunkHigh, from, to uint64, scratch *[]uint64) uint64 {
	if chunkHigh <= chunkLow {
		return 0
	}
	blockLow, blockHigh := k.BlockRange(chunkLow, chunkHigh)
	blockCount := blockHigh - blockLow
	if blockCount == 0 {
		return 0
	}
	n := uint64(k.residueCount)
	totalBits := blockCount * n
	wordCount := (totalBits + 63) / 64
	if uint64(cap(*scratch)) < wordCount {
		*scratch = make([]uint64, wordCount)
	} else {
		*scratch = (*scratch)[:wordCount]
		for i := range *scratch {
			(*scratch)[i] = 0
		}
	}
	marks := *scratch

	globalFrom, globalTo := from, to
	modulus := uint64(k.w.Modulus)
	firstGlobalBlock := globalFrom / modulus
	lastGlobalBlock := (globalTo - 1) / modulus

	for rel, block := uint64(0), blockLow; block < blockHigh; rel, block = rel+1, block+1 {
		if block == firstGlobalBlock || block == lastGlobalBlock {
			k.maskBoundaryBlock(marks, rel, block, globalFrom, globalTo)
		}
	}

	k.markBlocks(k.densePrimes, chunkLow, blockLow, blockHigh, marks)
	k.markBlocks(k.sparsePrimes, chunkLow, blockLow, blockHigh, marks)

	ones := popcount.Words(marks)
	return totalBits - ones
}

// Count tallies primes in [from, to) using the wheel-bitmap engine across
// threads workers, dispatching mod-30 runs dynamically (atomic work
// stealing, since dense/sparse prime cost varies chunk to chunk) and
// mod-210 runs statically (each worker gets a fixed contiguous share).
func Count(from, to uint64, threads uint, t wheel.Type, plan segmenter.Plan, basePrimes []uint32, topo cpuinfo.Topology) uint64 {
	if to <= from {
		return 0
	}
	k := NewKernel(t, basePrimes)
	blockBegin, blockEnd := k.BlockRange(from, to)
	totalBlocks := blockEnd - blockBegin
	if totalBlocks == 0 {
		return 0
	}

	blocksPerChunk := plan.SegmentSpan / uint64(k.w.Modulus)
	if blocksPerChunk == 0 {
		blocksPerChunk = 1
	}
	chunkCount := int((totalBlocks + blocksPerChunk - 1) / blocksPerChunk)
	if chunkCount == 0 {
		chunkCount = 1
	}

	numWorkers := int(cpuinfo.ChooseThreadCount(topo, threads, cpuinfo.Auto))
	if numWorkers < 1 {
		numWorkers = 1
	}
	pool := workerpool.New(numWorkers)
	defer pool.Close()

	partials := make([]uint64, chunkCount)
	modulus := uint64(k.w.Modulus)

	chunkBounds := func(i int) (low, high uint64) {
		bLow := blockBegin + uint64(i)*blocksPerChunk
		bHigh := bLow + blocksPerChunk
		if bHigh > blockEnd {
			bHigh = blockEnd
		}
		low, high = bLow*modulus, bHigh*modulus
		if low < from {
			low = from
		}
		if high > to {
			high = to
		}
		return
	}

	switch t {
	case wheel.Mod210:
		pool.ParallelFor(chunkCount, func(start, end int) {
			var scratch []uint64
			for i := start; i < end; i++ {
				low, high := chunkBounds(i)
				partials[i] = k.CountChunk(low, high, from, to, &scratch)
			}
		})
	default:
		pool.ParallelForAtomic(chunkCount, func(i int) {
			var scratch []uint64
			low, high := chunkBounds(i)
			partials[i] = k.CountChunk(low, high, from, to, &scratch)
		})
	}

	var total uint64
	for _, p := range partials {
		total += p
	}
	return total
}
