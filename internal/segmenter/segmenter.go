// Package segmenter turns CPU topology and a requested range into a
// SegmentPlan (segment/tile byte sizes) and hands out segment IDs to
// workers through an atomic work queue.
package segmenter

import (
	"math"
	"sync/atomic"

	"github.com/pchuck/calcprime/internal/cpuinfo"
)

// Range is a half-open 64-bit interval of integers to sieve.
type Range struct {
	Begin uint64
	End   uint64
}

func (r Range) Length() uint64 {
	if r.End <= r.Begin {
		return 0
	}
	return r.End - r.Begin
}

// Plan is the immutable sizing decision for one run (or one worker class on
// a hybrid CPU): byte sizes for the segment bitset and its tiles, plus the
// integer span each bit/word/tile covers under the odd-only encoding.
type Plan struct {
	SegmentBytes uint64
	TileBytes    uint64
	SegmentBits  uint64
	TileBits     uint64
	SegmentSpan  uint64 // integers covered by one segment (SegmentBytes*16)
	TileSpan     uint64 // integers covered by one tile (TileBytes*16)
}

func alignTo(value, alignment uint64) uint64 {
	if alignment == 0 {
		return value
	}
	if rem := value % alignment; rem != 0 {
		value += alignment - rem
	}
	return value
}

func alignDown(value, alignment uint64) uint64 {
	if alignment == 0 || value == 0 {
		return value
	}
	return value - value%alignment
}

// Choose computes the segment/tile byte sizes for a run, following spec
// §4.1: three candidate segment sizes capped by the shared-L2 budget, then
// floored per thread count; tile size aligned up to at least L1d (or 64KiB
// single-threaded), clamped to the segment size.
func Choose(topo cpuinfo.Topology, threads uint, requestedSegmentBytes, requestedTileBytes uint64, rangeLength uint64) Plan {
	l1 := topo.L1DBytes
	if l1 == 0 {
		l1 = 32 * 1024
	}
	threadCount := uint64(threads)
	if threadCount == 0 {
		threadCount = 1
	}

	totalL2 := topo.L2TotalBytes
	if totalL2 == 0 {
		cores := uint64(topo.Physical)
		if cores == 0 {
			cores = uint64(topo.Logical)
		}
		if cores == 0 {
			cores = threadCount
		}
		if topo.L2Bytes > 0 {
			totalL2 = topo.L2Bytes * cores
		}
	}

	segmentBytes := requestedSegmentBytes
	var capLimitBytes uint64
	if segmentBytes == 0 {
		const (
			k0        = 1562.5
			beta      = 0.0625
			alphaG    = 0.833333
			minSeg    = 8.0 * 1024.0
		)
		R := float64(rangeLength)
		var sFixed float64
		if R > 0 {
			kr := k0
			if scaled := R / 1.0e10; scaled > 0 {
				kr *= math.Pow(scaled, beta)
			}
			if kr > 0 {
				sFixed = R / (16.0 * kr)
			}
		}
		var sMin float64
		if R > 0 {
			if R <= 1.0e9 {
				sMin = 8.0 * 1024.0 * math.Pow(R/1.0e8, 1.05)
			} else {
				sMin = 90.0 * 1024.0 * math.Pow(R/1.0e9, -0.5)
			}
		}
		base := math.Max(minSeg, math.Max(sFixed, sMin))
		if totalL2 > 0 {
			sMax := float64(totalL2) * alphaG
			if base > sMax {
				base = sMax
			}
			capLimitBytes = uint64(math.Floor(sMax))
		}
		if !(base > 0) {
			base = minSeg
		}
		rounded := math.Floor(base + 0.5)
		if rounded <= 0 {
			rounded = minSeg
		}
		segmentBytes = alignTo(uint64(rounded), 128)
		if segmentBytes == 0 {
			segmentBytes = 8 * 1024
		}
	} else {
		segmentBytes = alignTo(requestedSegmentBytes, 128)
	}

	segmentBytes = alignTo(segmentBytes, 128)
	if requestedSegmentBytes == 0 {
		if threadCount <= 1 {
			segmentBytes = max64(segmentBytes, 1024*1024)
		} else {
			segmentBytes = max64(segmentBytes, 768*1024)
		}
	}
	if capLimitBytes > 0 {
		capAligned := alignDown(capLimitBytes, 128)
		if capAligned == 0 {
			capAligned = capLimitBytes
		}
		if capAligned > 0 && segmentBytes > capAligned {
			segmentBytes = capAligned
		}
	}
	if segmentBytes < 8*1024 {
		segmentBytes = 8 * 1024
	}

	tileBytes := requestedTileBytes
	if tileBytes == 0 {
		target := max64(l1, 8*1024)
		if threadCount <= 1 && target < 64*1024 {
			target = 64 * 1024
		}
		tileBytes = alignTo(target, 128)
	} else {
		tileBytes = alignTo(requestedTileBytes, 128)
	}
	if tileBytes > segmentBytes {
		tileBytes = segmentBytes
	}

	return planFromBytes(segmentBytes, tileBytes)
}

func planFromBytes(segmentBytes, tileBytes uint64) Plan {
	return Plan{
		SegmentBytes: segmentBytes,
		TileBytes:    tileBytes,
		SegmentBits:  segmentBytes * 8,
		TileBits:     tileBytes * 8,
		SegmentSpan:  segmentBytes * 8 * 2,
		TileSpan:     tileBytes * 8 * 2,
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// ChooseForWorker refines the tile size of base for one worker on a hybrid
// CPU, using that worker's class L1d/L2 instead of the whole-machine
// values. Non-hybrid CPUs, an explicit tile override, single-threaded runs,
// and legacy mode all return base unchanged (spec §4.1's hybrid
// refinement is opt-in, never forced).
func ChooseForWorker(topo cpuinfo.Topology, base Plan, workerIndex, threadCount uint, requestedTileBytes uint64, mode cpuinfo.SchedulingMode) Plan {
	if requestedTileBytes != 0 || threadCount <= 1 || mode == cpuinfo.Legacy || !topo.HasHybrid {
		return base
	}
	if base.SegmentBytes == 0 {
		return base
	}
	performanceWorker := cpuinfo.IsPerformanceWorker(topo, workerIndex, threadCount, mode)

	classL1 := topo.EffL1DBytes
	if performanceWorker {
		classL1 = topo.PerfL1DBytes
	}
	if classL1 == 0 {
		classL1 = topo.L1DBytes
	}
	if classL1 == 0 {
		classL1 = 32 * 1024
	}
	classL2 := topo.EffL2Bytes
	if performanceWorker {
		classL2 = topo.PerfL2Bytes
	}
	if classL2 == 0 {
		classL2 = topo.L2Bytes
	}

	tileBytes := alignTo(max64(classL1, 8*1024), 128)
	if classL2 > 0 {
		l2Cap := alignDown(max64(classL2/4, 8*1024), 128)
		if l2Cap > 0 && tileBytes > l2Cap {
			tileBytes = l2Cap
		}
	}
	if tileBytes > base.SegmentBytes {
		tileBytes = base.SegmentBytes
	}
	if tileBytes < 8*1024 {
		tileBytes = min64(base.SegmentBytes, 8*1024)
	}
	tileBytes = alignTo(tileBytes, 128)
	if tileBytes == 0 || tileBytes > base.SegmentBytes {
		tileBytes = min64(base.SegmentBytes, 8*1024)
	}
	if tileBytes == base.TileBytes {
		return base
	}
	result := base
	result.TileBytes = tileBytes
	result.TileBits = tileBytes * 8
	result.TileSpan = tileBytes * 8 * 2
	return result
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// WorkQueue hands out dense segment IDs over [0, TotalSegments) via a
// single atomic counter. Workers translate an ID to [low, high) bounds
// with SegmentBounds; the last segment may be short.
type WorkQueue struct {
	rng           Range
	plan          Plan
	next          atomic.Uint64
	length        uint64
	totalSegments uint64
}

func NewWorkQueue(rng Range, plan Plan) *WorkQueue {
	q := &WorkQueue{rng: rng, plan: plan}
	q.length = rng.Length()
	if q.length == 0 || plan.SegmentSpan == 0 {
		q.totalSegments = 0
		return q
	}
	q.totalSegments = q.length / plan.SegmentSpan
	if q.length%plan.SegmentSpan != 0 {
		q.totalSegments++
	}
	return q
}

func (q *WorkQueue) TotalSegments() uint64 { return q.totalSegments }

// NextChunk atomically claims up to requested consecutive segment IDs,
// returning the claimed [begin, end) and false once the queue is drained.
func (q *WorkQueue) NextChunk(requested uint64) (begin, end uint64, ok bool) {
	if q.totalSegments == 0 {
		return 0, 0, false
	}
	if requested == 0 {
		requested = 1
	}
	b := q.next.Add(requested) - requested
	if b >= q.totalSegments {
		return 0, 0, false
	}
	e := b + requested
	if e < b || e > q.totalSegments {
		e = q.totalSegments
	}
	return b, e, true
}

// Next claims a single segment ID and its bounds.
func (q *WorkQueue) Next() (id, low, high uint64, ok bool) {
	b, e, ok := q.NextChunk(1)
	if !ok || b >= e {
		return 0, 0, 0, false
	}
	low, high, ok = q.SegmentBounds(b)
	return b, low, high, ok
}

// SegmentBounds translates a segment ID into its [low, high) value range.
func (q *WorkQueue) SegmentBounds(segmentID uint64) (low, high uint64, ok bool) {
	if q.plan.SegmentSpan == 0 || segmentID >= q.totalSegments {
		return 0, 0, false
	}
	offset := segmentID * q.plan.SegmentSpan
	if offset >= q.length {
		return 0, 0, false
	}
	low = q.rng.Begin + offset
	remaining := q.length - offset
	span := q.plan.SegmentSpan
	if span > remaining {
		span = remaining
	}
	high = low + span
	return low, high, low < high
}
