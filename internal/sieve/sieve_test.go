package sieve

import (
	"context"
	"errors"
	"sort"
	"testing"

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

func primesInRange(from, to uint64) []uint64 {
	var out []uint64
	for v := from; v < to; v++ {
		if isPrimeTrial(v) {
			out = append(out, v)
		}
	}
	return out
}

// collectSink is a PrimeSink that records everything delivered to it, for
// asserting both ascending-segment-order delivery and final content.
type collectSink struct {
	prefix    []uint64
	lastSeg   uint64
	sawFirst  bool
	primes    []uint64
	flushed   bool
	finished  bool
	failNext  bool
	outOfSeq  bool
}

func (s *collectSink) OnPrefix(primes []uint64) { s.prefix = append(s.prefix, primes...) }

func (s *collectSink) OnSegment(id uint64, primes []uint64) error {
	if s.sawFirst && id <= s.lastSeg {
		s.outOfSeq = true
	}
	s.sawFirst = true
	s.lastSeg = id
	s.primes = append(s.primes, primes...)
	if s.failNext {
		return errors.New("boom")
	}
	return nil
}

func (s *collectSink) OnFlush() error  { s.flushed = true; return nil }
func (s *collectSink) OnFinish() error { s.finished = true; return nil }

func (s *collectSink) all() []uint64 {
	out := append([]uint64(nil), s.prefix...)
	out = append(out, s.primes...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestRunEnumerateMatchesTrialDivision(t *testing.T) {
	const from, to = 0, 5000
	sink := &collectSink{}
	req := Request{From: from, To: to, Threads: 3, Wheel: wheel.Mod30, Output: Enumerate}
	result, err := Run(context.Background(), req, sink)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	want := primesInRange(from, to)
	got := sink.all()
	if len(got) != len(want) {
		t.Fatalf("got %d primes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prime %d: got %d, want %d", i, got[i], want[i])
		}
	}
	if result.Count != uint64(len(want)) {
		t.Errorf("Result.Count = %d, want %d", result.Count, len(want))
	}
	if sink.outOfSeq {
		t.Error("segments delivered out of ascending order")
	}
	if !sink.flushed || !sink.finished {
		t.Error("expected OnFlush and OnFinish to be called")
	}
}

func TestRunEnumerateSingleThreadedSmallRange(t *testing.T) {
	const from, to = 100, 300
	sink := &collectSink{}
	req := Request{From: from, To: to, Threads: 1, Wheel: wheel.Mod210, Output: Enumerate}
	_, err := Run(context.Background(), req, sink)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	want := primesInRange(from, to)
	got := sink.all()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRunCountOnlyMatchesTrialDivision(t *testing.T) {
	const from, to = 10000, 20000
	req := Request{From: from, To: to, Threads: 4, Wheel: wheel.Mod1155, Output: CountOnly}
	result, err := Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	want := uint64(len(primesInRange(from, to)))
	if result.Count != want {
		t.Errorf("Count = %d, want %d", result.Count, want)
	}
}

func TestUsesBitmapDispatchThresholds(t *testing.T) {
	cases := []struct {
		name        string
		output      OutputMode
		wheelType   wheel.Type
		span        uint64
		threadCount uint
		want        bool
	}{
		{"enumerate never uses bitmap", Enumerate, wheel.Mod30, 2_000_000_000, 1, false},
		{"mod1155 unsupported", CountOnly, wheel.Mod1155, 2_000_000_000, 1, false},
		{"below single-thread threshold", CountOnly, wheel.Mod30, 999_999_999, 1, false},
		{"at single-thread threshold", CountOnly, wheel.Mod30, 1_000_000_000, 1, true},
		{"multithread below its threshold", CountOnly, wheel.Mod210, 2_000_000_000, 4, false},
		{"multithread at its threshold", CountOnly, wheel.Mod210, 8_000_000_000, 4, true},
	}
	for _, c := range cases {
		if got := usesBitmap(c.output, c.wheelType, c.span, c.threadCount); got != c.want {
			t.Errorf("%s: usesBitmap(...) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRunNthFindsCorrectPrime(t *testing.T) {
	const from, to = 0, 10000
	all := primesInRange(from, to)
	for _, n := range []uint64{1, 2, 3, 6, uint64(len(all))} {
		req := Request{From: from, To: to, Threads: 1, Wheel: wheel.Mod30, Output: Nth, N: n}
		result, err := Run(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("N=%d: Run error: %v", n, err)
		}
		if !result.Found || result.Nth != all[n-1] {
			t.Errorf("N=%d: got %d (found=%v), want %d", n, result.Nth, result.Found, all[n-1])
		}
	}
}

func TestRunNthBeyondRangeNotFound(t *testing.T) {
	req := Request{From: 0, To: 100, Threads: 1, Wheel: wheel.Mod30, Output: Nth, N: 1_000_000}
	result, err := Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Found {
		t.Errorf("expected not found, got %d", result.Nth)
	}
}

func TestRunNthRejectsMultiThread(t *testing.T) {
	req := Request{From: 0, To: 100, Threads: 4, Wheel: wheel.Mod30, Output: Nth, N: 1}
	_, err := Run(context.Background(), req, nil)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if !errors.Is(err, ErrNthRequiresSingleThread) {
		t.Fatalf("expected wrapped ErrNthRequiresSingleThread, got %v", err)
	}
}

func TestRunRejectsInvertedRange(t *testing.T) {
	req := Request{From: 100, To: 50, Threads: 1, Wheel: wheel.Mod30, Output: CountOnly}
	_, err := Run(context.Background(), req, nil)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestRunEmptyAfterPrefixOnly(t *testing.T) {
	// [0,3) contains only the prefix prime 2; the core range is empty.
	sink := &collectSink{}
	req := Request{From: 0, To: 3, Threads: 1, Wheel: wheel.Mod30, Output: CountOnly}
	result, err := Run(context.Background(), req, sink)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Count != 1 {
		t.Errorf("Count = %d, want 1 (just the prime 2)", result.Count)
	}
	if len(sink.prefix) != 1 || sink.prefix[0] != 2 {
		t.Errorf("prefix = %v, want [2]", sink.prefix)
	}
}

func TestRunPropagatesSinkError(t *testing.T) {
	sink := &collectSink{failNext: true}
	req := Request{From: 0, To: 5000, Threads: 2, Wheel: wheel.Mod30, Output: Enumerate}
	_, err := Run(context.Background(), req, sink)
	if !errors.Is(err, ErrSinkError) {
		t.Fatalf("expected ErrSinkError, got %v", err)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := Request{From: 0, To: 5_000_000, Threads: 2, Wheel: wheel.Mod30, Output: Enumerate}
	_, err := Run(ctx, req, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
