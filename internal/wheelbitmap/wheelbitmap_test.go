package wheelbitmap

import (
	"testing"

	"github.com/pchuck/calcprime/internal/cpuinfo"
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

func primesUpTo(n uint32) []uint32 {
	var out []uint32
	for i := uint32(2); i <= n; i++ {
		if isPrimeTrial(uint64(i)) {
			out = append(out, i)
		}
	}
	return out
}

func countPrimesTrial(from, to uint64) uint64 {
	var count uint64
	for v := from; v < to; v++ {
		if isPrimeTrial(v) {
			count++
		}
	}
	return count
}

// wheelDomainCount is what Count actually tallies: trial division minus the
// wheel's own modulus-factor primes that fall in [from, to), since those
// primes have no residue slot in the wheel's coprime-residue domain at all.
func wheelDomainCount(t wheel.Type, from, to uint64) uint64 {
	excluded := ExcludedPrimes(t, []uint64{2, 3, 5, 7, 11, 13})
	want := countPrimesTrial(from, to)
	for _, p := range excluded {
		if p >= from && p < to {
			want--
		}
	}
	return want
}

func testPlan() segmenter.Plan {
	return segmenter.Plan{SegmentBytes: 64, TileBytes: 64, SegmentSpan: 1024, TileSpan: 1024}
}

func TestSupports(t *testing.T) {
	if !Supports(wheel.Mod30) || !Supports(wheel.Mod210) {
		t.Error("expected Mod30 and Mod210 to be supported")
	}
	if Supports(wheel.Mod1155) {
		t.Error("expected Mod1155 to be unsupported")
	}
}

func TestCountMod30MatchesTrialDivision(t *testing.T) {
	const from, to = 0, 20000
	primes := primesUpTo(150) // sqrt(20000) ~= 141.4, covers dense and sparse (>97) tiers
	topo := cpuinfo.Topology{Logical: 4, Physical: 4}
	got := Count(from, to, 4, wheel.Mod30, testPlan(), primes, topo)
	want := wheelDomainCount(wheel.Mod30, from, to) // excludes 2, 3, 5: no residue slot under mod 30
	if got != want {
		t.Errorf("Count mod30 = %d, want %d", got, want)
	}
}

func TestCountMod210MatchesTrialDivision(t *testing.T) {
	const from, to = 0, 20000
	primes := primesUpTo(150) // covers DenseLimit210=127 split too
	topo := cpuinfo.Topology{Logical: 4, Physical: 4}
	got := Count(from, to, 4, wheel.Mod210, testPlan(), primes, topo)
	want := wheelDomainCount(wheel.Mod210, from, to) // excludes 2, 3, 5, 7: no residue slot under mod 210
	if got != want {
		t.Errorf("Count mod210 = %d, want %d", got, want)
	}
}

func TestCountSingleThreaded(t *testing.T) {
	const from, to = 100, 5000
	primes := primesUpTo(80)
	topo := cpuinfo.Topology{Logical: 1, Physical: 1}
	got := Count(from, to, 1, wheel.Mod30, testPlan(), primes, topo)
	want := countPrimesTrial(from, to)
	if got != want {
		t.Errorf("Count single-threaded = %d, want %d", got, want)
	}
}

func TestCountExcludesOneAtRangeStart(t *testing.T) {
	const from, to = 0, 100
	primes := primesUpTo(10)
	topo := cpuinfo.Topology{Logical: 1, Physical: 1}
	got := Count(from, to, 1, wheel.Mod30, testPlan(), primes, topo)
	want := wheelDomainCount(wheel.Mod30, from, to) // never counts 1, nor 2/3/5 which have no mod-30 residue slot
	if got != want {
		t.Errorf("Count including value 1 boundary = %d, want %d", got, want)
	}
}

func TestCountArbitraryOffsetRange(t *testing.T) {
	const from, to = 1_000_003, 1_010_007 // deliberately not block-aligned
	primes := primesUpTo(1005)            // sqrt(1_010_007) ~= 1005
	topo := cpuinfo.Topology{Logical: 2, Physical: 2}
	got := Count(from, to, 2, wheel.Mod210, testPlan(), primes, topo)
	want := countPrimesTrial(from, to)
	if got != want {
		t.Errorf("Count arbitrary offset = %d, want %d", got, want)
	}
}

func TestCountEmptyRange(t *testing.T) {
	topo := cpuinfo.Topology{Logical: 1, Physical: 1}
	if got := Count(500, 500, 1, wheel.Mod30, testPlan(), nil, topo); got != 0 {
		t.Errorf("Count(empty) = %d, want 0", got)
	}
	if got := Count(500, 400, 1, wheel.Mod30, testPlan(), nil, topo); got != 0 {
		t.Errorf("Count(inverted) = %d, want 0", got)
	}
}

func TestKernelBlockRange(t *testing.T) {
	k := NewKernel(wheel.Mod30, primesUpTo(20))
	blockBegin, blockEnd := k.BlockRange(31, 95)
	if blockBegin != 1 || blockEnd != 4 {
		t.Errorf("BlockRange(31,95) = [%d,%d), want [1,4)", blockBegin, blockEnd)
	}
}
