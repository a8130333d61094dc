package marker

import (
	"testing"

	"github.com/pchuck/calcprime/internal/segmenter"
	"github.com/pchuck/calcprime/internal/wheel"
)

func isPrimeTrial(n uint64) bool {
	if n < 2 {
		return false
	}
	if n%2 == 0 {
		return n == 2
	}
	for d := uint64(3); d*d <= n; d += 2 {
		if n%d == 0 {
			return false
		}
	}
	return true
}

func TestFirstHitIsOddAndAtLeastSquare(t *testing.T) {
	cases := []struct {
		prime uint32
		start uint64
	}{
		{7, 0}, {7, 50}, {7, 49}, {101, 3}, {13, 170},
	}
	for _, c := range cases {
		got := firstHit(c.prime, c.start)
		if got&1 == 0 {
			t.Errorf("firstHit(%d,%d)=%d is even", c.prime, c.start, got)
		}
		if got%uint64(c.prime) != 0 {
			t.Errorf("firstHit(%d,%d)=%d not a multiple of prime", c.prime, c.start, got)
		}
		if got < c.start {
			t.Errorf("firstHit(%d,%d)=%d is before start", c.prime, c.start, got)
		}
		if got < uint64(c.prime)*uint64(c.prime) {
			t.Errorf("firstHit(%d,%d)=%d is below prime^2", c.prime, c.start, got)
		}
	}
}

// TestSieveSegmentMatchesTrialDivision drives the full small/medium/large
// pipeline across many tiny segments and tiles, verifying every resulting
// bit against trial division.
func TestSieveSegmentMatchesTrialDivision(t *testing.T) {
	w := wheel.Get(wheel.Mod30)
	// TileBytes is a multiple of 8 so TileBits (and every tile's bit width)
	// stays word-aligned; real plans from segmenter.Choose always keep
	// tiles 128-byte aligned, so this is the smallest realistic multi-tile
	// shape that stresses several tiles per segment without violating that.
	plan := segmenter.Plan{
		SegmentBytes: 32,
		TileBytes:    8,
		SegmentBits:  256,
		TileBits:     64,
		SegmentSpan:  512,
		TileSpan:     128,
	}
	// The range starts past 13: the presieve marks 3, 5, 7, 11 and 13
	// themselves as composite (the orchestrator reports them as prefix
	// primes), so trial division only agrees with the bitset above them.
	const rangeBegin, rangeEnd = 15, 70003
	var basePrimes []uint32 // every odd prime p with p*p < rangeEnd: 3..263
	for p := uint64(3); p*p < rangeEnd; p += 2 {
		if isPrimeTrial(p) {
			basePrimes = append(basePrimes, uint32(p))
		}
	}
	const smallPrimeLimit = 19 // 23..251 land medium; 257 and 263 land large (threshold SegmentSpan/2 = 256)

	m := New(w, plan, rangeBegin, rangeEnd, basePrimes, smallPrimeLimit)
	if len(m.mediumPrimes) == 0 {
		t.Fatal("test setup expected at least one medium-tier prime")
	}
	if len(m.largeTemplate) == 0 {
		t.Fatal("test setup expected at least one large-tier prime")
	}

	state := m.MakeThreadState(0, 1)

	var bitset []uint64
	low := uint64(rangeBegin)
	segID := uint64(0)
	for low < rangeEnd {
		high := low + plan.SegmentSpan
		if high > rangeEnd {
			high = rangeEnd
		}
		m.SieveSegment(state, segID, low, high, &bitset)

		bitCount := int((high - low) >> 1)
		for i := 0; i < bitCount; i++ {
			v := low + uint64(i)*2
			word := bitset[i/64]
			composite := word&(1<<uint(i%64)) != 0
			wantComposite := !isPrimeTrial(v)
			if composite != wantComposite {
				t.Fatalf("value %d: marked composite=%v, want %v (segment [%d,%d))", v, composite, wantComposite, low, high)
			}
		}
		low = high
		segID++
	}
}

func TestMakeThreadStateDistributesLargePrimesAcrossThreads(t *testing.T) {
	w := wheel.Get(wheel.Mod30)
	plan := segmenter.Plan{SegmentBytes: 4, TileBytes: 4, SegmentSpan: 64, TileSpan: 64}
	primes := []uint32{37, 41, 43, 53, 59, 61, 67, 71}
	m := New(w, plan, 3, 10_000, primes, 3) // limit=3 forces everything non-small

	const threadCount = 3
	total := 0
	for i := 0; i < threadCount; i++ {
		st := m.MakeThreadState(i, threadCount)
		total += len(st.LargeStates)
	}
	if total != len(m.largeTemplate) {
		t.Errorf("total distributed large primes = %d, want %d", total, len(m.largeTemplate))
	}
}

func TestSieveSegmentEmptyRangeClearsBitset(t *testing.T) {
	w := wheel.Get(wheel.Mod30)
	plan := segmenter.Plan{SegmentBytes: 4, TileBytes: 4, SegmentSpan: 64, TileSpan: 64}
	m := New(w, plan, 3, 1000, []uint32{3, 5, 7}, 19)
	state := m.MakeThreadState(0, 1)

	bitset := []uint64{1, 2, 3}
	m.SieveSegment(state, 0, 100, 100, &bitset)
	if len(bitset) != 0 {
		t.Errorf("expected empty bitset for zero-width segment, got %v", bitset)
	}
}
