// Package sieve is the external entry point: it turns a [From, To) request
// into a CPU topology, a segment/tile plan, a prefix of the small
// presieved-away primes, and a run of the three-tier marking engine (or the
// wheel-bitmap counter for large count-only ranges), feeding results to a
// PrimeSink in ascending order.
package sieve

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/pchuck/calcprime/internal/baseprime"
	"github.com/pchuck/calcprime/internal/cpuinfo"
	"github.com/pchuck/calcprime/internal/marker"
	"github.com/pchuck/calcprime/internal/popcount"
	"github.com/pchuck/calcprime/internal/segmenter"
	"github.com/pchuck/calcprime/internal/wheel"
	"github.com/pchuck/calcprime/internal/wheelbitmap"
)

// OutputMode selects what a run produces.
type OutputMode int

const (
	CountOnly OutputMode = iota
	Enumerate
	Nth
)

// Request describes one sieve run over the half-open interval [From, To).
type Request struct {
	From, To uint64
	Threads  int
	Wheel    wheel.Type

	SegmentOverride uint64
	TileOverride    uint64

	Mode   cpuinfo.SchedulingMode
	Output OutputMode

	// N is the 1-based prime index to search for when Output is Nth.
	N uint64
}

// Result carries whichever of Count/Nth applies to the request's Output mode.
type Result struct {
	Count uint64
	Nth   uint64
	Found bool
}

// PrimeSink receives a run's output in ascending order: the presieved-away
// prefix primes once, then one call per core segment, then Flush/Finish.
type PrimeSink interface {
	OnPrefix(primes []uint64)
	OnSegment(segmentID uint64, primes []uint64) error
	OnFlush() error
	OnFinish() error
}

var (
	ErrInvalidRange            = errors.New("sieve: invalid range")
	ErrAllocationFailure       = errors.New("sieve: allocation failure")
	ErrSinkError               = errors.New("sieve: sink error")
	ErrInternalInvariant       = errors.New("sieve: internal invariant violated")
	ErrNthRequiresSingleThread = errors.New("sieve: nth-prime queries require a single resolved thread")
)

// wheelFactors are the presieve's fixed prime factors: every run, regardless
// of wheel type, presieves away multiples of these five primes, so they
// never appear as a clear bit in a core segment's bitset and must be
// reported separately, alongside 2 (excluded from every wheel as even).
var wheelFactors = []uint64{2, 3, 5, 7, 11, 13}

// computePrefix returns the primes in wheelFactors that fall in [from, to),
// and the first odd integer at or after max(from, 3) — the smallest valid
// start for the core bitset, which represents only odd values and must
// never include 1.
func computePrefix(from, to uint64) (prefix []uint64, coreBegin uint64) {
	for _, p := range wheelFactors {
		if p >= from && p < to {
			prefix = append(prefix, p)
		}
	}
	coreBegin = from
	if coreBegin < 3 {
		coreBegin = 3
	}
	if coreBegin%2 == 0 {
		coreBegin++
	}
	return prefix, coreBegin
}

// largeBitmapSingleThread and largeBitmapMultiThread are the span thresholds
// past which a count-only run on a bitmap-capable wheel dispatches to the
// wheel-bitmap counter instead of the segmented marking engine.
const (
	largeBitmapSingleThread = 1_000_000_000
	largeBitmapMultiThread  = 8_000_000_000
)

// usesBitmap reports whether a request should dispatch to the wheel-bitmap
// counter instead of the segmented marking engine: only for count-only
// output on a bitmap-capable wheel, once the span clears the threshold for
// the resolved thread count.
func usesBitmap(output OutputMode, t wheel.Type, span uint64, threadCount uint) bool {
	if output != CountOnly || !wheelbitmap.Supports(t) {
		return false
	}
	threshold := uint64(largeBitmapSingleThread)
	if threadCount > 1 {
		threshold = largeBitmapMultiThread
	}
	return span >= threshold
}

// Run sieves [req.From, req.To) and feeds sink in ascending order, returning
// a Result that matches req.Output. Range validation happens synchronously
// before any worker is launched.
func Run(ctx context.Context, req Request, sink PrimeSink) (Result, error) {
	if req.To <= req.From {
		return Result{}, fmt.Errorf("%w: to (%d) must be greater than from (%d)", ErrInvalidRange, req.To, req.From)
	}

	topo := cpuinfo.Detect()
	threadCount := cpuinfo.ChooseThreadCount(topo, uint(clampInt(req.Threads)), req.Mode)
	if req.Output == Nth && threadCount != 1 {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRange, ErrNthRequiresSingleThread)
	}

	prefix, coreBegin := computePrefix(req.From, req.To)
	if sink != nil {
		sink.OnPrefix(prefix)
	}

	if usesBitmap(req.Output, req.Wheel, req.To-req.From, threadCount) {
		return runBitmapCount(req, topo, threadCount, prefix, sink)
	}

	if coreBegin >= req.To {
		if err := flushAndFinish(sink); err != nil {
			return Result{}, err
		}
		return finishPrefixOnly(prefix, req), nil
	}

	sqrtTo := baseprime.CeilSqrt(req.To)
	basePrimes := baseprime.Sieve(sqrtTo)
	if basePrimes == nil {
		return Result{}, fmt.Errorf("%w: no base primes up to %d", ErrAllocationFailure, sqrtTo)
	}

	w := wheel.Get(req.Wheel)
	span := req.To - coreBegin
	plan := segmenter.Choose(topo, threadCount, req.SegmentOverride, req.TileOverride, span)
	if plan.SegmentSpan == 0 || plan.TileSpan == 0 {
		return Result{}, fmt.Errorf("%w: segmenter produced a zero-span plan", ErrInternalInvariant)
	}
	m := marker.New(w, plan, coreBegin, req.To, basePrimes, wheel.SmallPrimeLimit(req.Wheel))
	queue := segmenter.NewWorkQueue(segmenter.Range{Begin: coreBegin, End: req.To}, plan)

	switch req.Output {
	case Nth:
		return runNth(m, queue, prefix, req, sink)
	case Enumerate:
		return runEnumerate(ctx, m, queue, topo, threadCount, req, span, prefix, sink)
	default:
		return runCountOnly(ctx, m, queue, topo, threadCount, req, span, prefix, sink)
	}
}

func clampInt(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func flushAndFinish(sink PrimeSink) error {
	if sink == nil {
		return nil
	}
	if err := sink.OnFlush(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkError, err)
	}
	if err := sink.OnFinish(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkError, err)
	}
	return nil
}

func finishPrefixOnly(prefix []uint64, req Request) Result {
	result := Result{Count: uint64(len(prefix))}
	if req.Output == Nth && req.N >= 1 && req.N <= uint64(len(prefix)) {
		result.Nth = prefix[req.N-1]
		result.Found = true
	}
	return result
}

func runBitmapCount(req Request, topo cpuinfo.Topology, threadCount uint, prefix []uint64, sink PrimeSink) (Result, error) {
	sqrtTo := baseprime.CeilSqrt(req.To)
	basePrimes := baseprime.Sieve(sqrtTo)
	span := req.To - req.From
	plan := segmenter.Choose(topo, threadCount, req.SegmentOverride, req.TileOverride, span)
	count := wheelbitmap.Count(req.From, req.To, threadCount, req.Wheel, plan, basePrimes, topo)
	// The bitmap kernel already counts every prefix prime that divides no
	// wheel-modulus factor (7, 11, 13 for Mod30; 11, 13 for Mod210) via its
	// own popcount tally, since those primes are only self-excluded starting
	// at p². Only the primes structurally missing from its residue domain —
	// the wheel's own modulus factors — need to be added back here.
	excluded := wheelbitmap.ExcludedPrimes(req.Wheel, prefix)
	if err := flushAndFinish(sink); err != nil {
		return Result{}, err
	}
	return Result{Count: uint64(len(excluded)) + count}, nil
}

// extractPrimes decodes every clear bit in bitset as a prime value, in
// ascending order: bit i of the odd-only bitset represents the value
// low + 2*i, and a clear bit means that value survived marking.
func extractPrimes(low uint64, bitCount int, bitset []uint64) []uint64 {
	if bitCount <= 0 {
		return nil
	}
	var out []uint64
	fullWords := bitCount / 64
	for wi := 0; wi < fullWords; wi++ {
		word := ^bitset[wi]
		base := low + uint64(wi*64)*2
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, base+uint64(b)*2)
			word &= word - 1
		}
	}
	if rem := bitCount % 64; rem > 0 {
		mask := uint64(1)<<uint(rem) - 1
		word := ^bitset[fullWords] & mask
		base := low + uint64(fullWords*64)*2
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, base+uint64(b)*2)
			word &= word - 1
		}
	}
	return out
}

func ceilDiv2(v uint64) uint64 {
	return (v + 1) / 2
}

// claimBatch hands one worker its next chunk of segment IDs, sized by the
// host's hybrid scheduling hint, translated to a [begin,end) segment range.
func claimBatch(queue *segmenter.WorkQueue, topo cpuinfo.Topology, workerIndex, threadCount uint, span uint64, mode cpuinfo.SchedulingMode) (begin, end uint64, ok bool) {
	batch := uint64(cpuinfo.ChooseWorkerSegmentBatch(topo, workerIndex, threadCount, span, mode))
	return queue.NextChunk(batch)
}

// runCountOnly sums zero-bit counts across every core segment using
// threadCount persistent workers pulling batches from the shared queue;
// order doesn't matter because counts simply add.
func runCountOnly(ctx context.Context, m *marker.Marker, queue *segmenter.WorkQueue, topo cpuinfo.Topology, threadCount uint, req Request, span uint64, prefix []uint64, sink PrimeSink) (Result, error) {
	var (
		wg    sync.WaitGroup
		total atomicU64
	)
	for w := uint(0); w < threadCount; w++ {
		wg.Add(1)
		go func(workerIndex uint) {
			defer wg.Done()
			state := m.MakeThreadState(int(workerIndex), int(threadCount))
			var bitset []uint64
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				begin, end, ok := claimBatch(queue, topo, workerIndex, threadCount, span, req.Mode)
				if !ok {
					return
				}
				var local uint64
				for id := begin; id < end; id++ {
					low, high, ok := queue.SegmentBounds(id)
					if !ok {
						continue
					}
					m.SieveSegment(state, id, low, high, &bitset)
					bitCount := int(ceilDiv2(high - low))
					local += popcount.ZeroBits(bitset, bitCount)
				}
				total.add(local)
			}
		}(w)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := flushAndFinish(sink); err != nil {
		return Result{}, err
	}
	return Result{Count: uint64(len(prefix)) + total.load()}, nil
}

// atomicU64 is a tiny mutex-guarded accumulator; the workers' critical
// section (one add per claimed batch, not per segment) is short enough that
// a mutex outperforms the synchronization ceremony of sync/atomic here.
type atomicU64 struct {
	mu  sync.Mutex
	val uint64
}

func (a *atomicU64) add(v uint64) {
	a.mu.Lock()
	a.val += v
	a.mu.Unlock()
}

func (a *atomicU64) load() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}

// runEnumerate drives threadCount persistent workers, each decoding its
// claimed segments into prime lists, and a single feeder goroutine that
// blocks on a condition variable until the next segment ID in sequence is
// ready, then hands it to the sink — the Go equivalent of the source's
// single writer thread draining an ordered queue under a condition
// variable.
func runEnumerate(ctx context.Context, m *marker.Marker, queue *segmenter.WorkQueue, topo cpuinfo.Topology, threadCount uint, req Request, span uint64, prefix []uint64, sink PrimeSink) (Result, error) {
	total := queue.TotalSegments()
	if total == 0 {
		if err := flushAndFinish(sink); err != nil {
			return Result{}, err
		}
		return Result{Count: uint64(len(prefix))}, nil
	}

	ready := make([]bool, total)
	results := make([][]uint64, total)

	var (
		mu     sync.Mutex
		cond   = sync.NewCond(&mu)
		wg     sync.WaitGroup
		runErr error
	)
	setError := func(err error) {
		mu.Lock()
		if runErr == nil {
			runErr = err
		}
		mu.Unlock()
		cond.Broadcast()
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			setError(ctx.Err())
		case <-stopWatch:
		}
	}()

	for w := uint(0); w < threadCount; w++ {
		wg.Add(1)
		go func(workerIndex uint) {
			defer wg.Done()
			state := m.MakeThreadState(int(workerIndex), int(threadCount))
			var bitset []uint64
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				begin, end, ok := claimBatch(queue, topo, workerIndex, threadCount, span, req.Mode)
				if !ok {
					return
				}
				for id := begin; id < end; id++ {
					low, high, ok := queue.SegmentBounds(id)
					if !ok {
						continue
					}
					m.SieveSegment(state, id, low, high, &bitset)
					bitCount := int(ceilDiv2(high - low))
					primes := extractPrimes(low, bitCount, bitset)

					mu.Lock()
					results[id] = primes
					ready[id] = true
					mu.Unlock()
					cond.Broadcast()
				}
			}
		}(w)
	}

	var (
		feederWg  sync.WaitGroup
		delivered uint64
	)
	feederWg.Add(1)
	go func() {
		defer feederWg.Done()
		for next := uint64(0); next < total; next++ {
			mu.Lock()
			for !ready[next] && runErr == nil {
				cond.Wait()
			}
			if runErr != nil {
				mu.Unlock()
				return
			}
			primes := results[next]
			results[next] = nil
			mu.Unlock()

			if sink != nil {
				if err := sink.OnSegment(next, primes); err != nil {
					setError(fmt.Errorf("%w: %v", ErrSinkError, err))
					return
				}
			}
			delivered += uint64(len(primes))
		}
	}()

	wg.Wait()
	mu.Lock()
	cond.Broadcast()
	mu.Unlock()
	feederWg.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if runErr != nil {
		return Result{}, runErr
	}
	if err := flushAndFinish(sink); err != nil {
		return Result{}, err
	}
	return Result{Count: uint64(len(prefix)) + delivered}, nil
}

// runNth walks segments sequentially (threadCount is always 1 here, checked
// by Run) until it has decoded the Nth prime overall, counting prefix
// primes first since they precede the core range.
func runNth(m *marker.Marker, queue *segmenter.WorkQueue, prefix []uint64, req Request, sink PrimeSink) (Result, error) {
	if req.N == 0 {
		return Result{}, fmt.Errorf("%w: nth-prime index must be >= 1", ErrInvalidRange)
	}
	if req.N <= uint64(len(prefix)) {
		if err := flushAndFinish(sink); err != nil {
			return Result{}, err
		}
		return Result{Nth: prefix[req.N-1], Found: true}, nil
	}

	running := uint64(len(prefix))
	state := m.MakeThreadState(0, 1)
	var bitset []uint64
	for {
		id, low, high, ok := queue.Next()
		if !ok {
			break
		}
		m.SieveSegment(state, id, low, high, &bitset)
		bitCount := int(ceilDiv2(high - low))
		primes := extractPrimes(low, bitCount, bitset)
		if running+uint64(len(primes)) >= req.N {
			idx := req.N - running - 1
			if err := flushAndFinish(sink); err != nil {
				return Result{}, err
			}
			return Result{Nth: primes[idx], Found: true}, nil
		}
		running += uint64(len(primes))
	}
	if err := flushAndFinish(sink); err != nil {
		return Result{}, err
	}
	return Result{Found: false}, nil
}
