// Package cpuinfo detects host CPU topology and turns it into the
// scheduling decisions the segmenter and orchestrator need: how many
// threads to run, which of those are "performance" vs "efficiency" workers
// on a hybrid part, and how many segments a worker should claim per atomic
// grab.
package cpuinfo

// SchedulingMode controls how thread count and per-worker batch size are
// derived from the detected topology.
type SchedulingMode int

const (
	Auto SchedulingMode = iota
	BigOnly
	AllCores
	Legacy
)

// WorkerClass tags a worker as running on a performance or efficiency core
// on a hybrid CPU. On a non-hybrid CPU every worker is Performance.
type WorkerClass int

const (
	Performance WorkerClass = iota
	Efficiency
)

// Topology summarizes the host CPU for the segmenter and orchestrator. All
// fields are non-negative; Detect fills in the documented defaults when a
// field can't be determined.
type Topology struct {
	Logical          uint
	Physical         uint
	PerfLogical      uint
	EffLogical       uint
	L1DBytes         uint64
	L2Bytes          uint64
	PerfL1DBytes     uint64
	EffL1DBytes      uint64
	PerfL2Bytes      uint64
	EffL2Bytes       uint64
	L2TotalBytes     uint64
	HasHybrid        bool
	HasSMT           bool
	HasAVX2          bool
	HasAVX512        bool
	HasPOPCNT        bool
}

func defaultTopology() Topology {
	return Topology{
		Logical:      1,
		Physical:     1,
		PerfLogical:  1,
		L1DBytes:     32 * 1024,
		L2Bytes:      1024 * 1024,
		PerfL1DBytes: 32 * 1024,
		EffL1DBytes:  32 * 1024,
		PerfL2Bytes:  1024 * 1024,
		EffL2Bytes:   1024 * 1024,
	}
}

// Detect probes the host for CPU topology and cache sizes. Where the CPU
// topology cannot be read (no sysfs, or a non-Linux platform) the CPU count
// comes from runtime.NumCPU; cache sizes that cannot be read default to
// 32KiB L1d and 1MiB L2.
func Detect() Topology {
	t := detectPlatform()
	applyFeatureFlags(&t)
	normalize(&t)
	return t
}

func normalize(t *Topology) {
	if t.Logical == 0 {
		t.Logical = 1
	}
	if t.Physical == 0 {
		t.Physical = t.Logical
	}
	if t.PerfLogical == 0 {
		t.PerfLogical = t.Logical
	}
	if t.PerfLogical > t.Logical {
		t.PerfLogical = t.Logical
	}
	if t.L1DBytes == 0 {
		t.L1DBytes = 32 * 1024
	}
	if t.L2Bytes == 0 {
		t.L2Bytes = 1024 * 1024
	}
	if t.PerfL1DBytes == 0 {
		t.PerfL1DBytes = t.L1DBytes
	}
	if t.EffL1DBytes == 0 {
		t.EffL1DBytes = t.L1DBytes
	}
	if t.PerfL2Bytes == 0 {
		t.PerfL2Bytes = t.L2Bytes
	}
	if t.EffL2Bytes == 0 {
		t.EffL2Bytes = t.L2Bytes
	}
	t.HasHybrid = t.HasHybrid && t.EffLogical > 0 && t.PerfLogical < t.Logical
	t.HasSMT = t.HasSMT && t.Logical > t.Physical
}

// EffectiveThreadCount is the thread count to use when the caller has not
// requested a specific number: physical cores if known, else logical.
func EffectiveThreadCount(t Topology) uint {
	if t.Physical > 0 {
		return t.Physical
	}
	if t.Logical > 0 {
		return t.Logical
	}
	return 1
}

// ChooseThreadCount resolves the thread count for a run: an explicit
// request always wins, otherwise the scheduling mode picks among
// performance-only, all-cores, or the effective (physical) core count.
func ChooseThreadCount(t Topology, requested uint, mode SchedulingMode) uint {
	if requested != 0 {
		return requested
	}
	logical := t.Logical
	if logical == 0 {
		logical = 1
	}
	performance := t.PerfLogical
	if performance == 0 {
		performance = logical
	}
	if performance > logical {
		performance = logical
	}

	switch mode {
	case BigOnly:
		return max1(performance)
	case AllCores:
		return max1(logical)
	default: // Auto, Legacy
		return max1(EffectiveThreadCount(t))
	}
}

func max1(v uint) uint {
	if v == 0 {
		return 1
	}
	return v
}

// IsPerformanceWorker reports whether worker workerIndex (of threadCount
// total workers) should be treated as running on a performance core.
func IsPerformanceWorker(t Topology, workerIndex, threadCount uint, mode SchedulingMode) bool {
	_ = mode
	if threadCount == 0 {
		return true
	}
	logical := t.Logical
	if logical == 0 {
		logical = threadCount
	}
	performance := t.PerfLogical
	if performance == 0 {
		performance = logical
	}
	if performance > logical {
		performance = logical
	}
	hybrid := t.HasHybrid && performance < logical && t.EffLogical > 0
	if !hybrid {
		return true
	}
	performanceWorkers := performance
	if threadCount < performanceWorkers {
		performanceWorkers = threadCount
	}
	return workerIndex < performanceWorkers
}

// ChooseWorkerSegmentBatch picks how many segments a worker claims per
// atomic grab. Non-hybrid parts and legacy/big-only modes always claim one
// segment at a time; hybrid performance workers claim more when their L2
// dwarfs the efficiency cores' L2, tempered by the overall range span.
func ChooseWorkerSegmentBatch(t Topology, workerIndex, threadCount uint, rangeSpan uint64, mode SchedulingMode) uint32 {
	if threadCount <= 1 || mode == Legacy {
		return 1
	}
	logical := t.Logical
	if logical == 0 {
		logical = threadCount
	}
	performance := t.PerfLogical
	if performance == 0 {
		performance = logical
	}
	if performance > logical {
		performance = logical
	}
	hybrid := t.HasHybrid && performance < logical && t.EffLogical > 0
	if !hybrid || mode == BigOnly {
		return 1
	}
	if !IsPerformanceWorker(t, workerIndex, threadCount, mode) {
		return 1
	}

	perfL2 := t.PerfL2Bytes
	if perfL2 == 0 {
		perfL2 = t.L2Bytes
	}
	if perfL2 == 0 {
		perfL2 = 1024 * 1024
	}
	effL2 := t.EffL2Bytes
	if effL2 == 0 {
		effL2 = perfL2
	}
	ratio := perfL2 / effL2

	batch := uint32(2)
	switch {
	case ratio >= 4:
		batch = 5
	case ratio >= 3:
		batch = 4
	case ratio >= 2:
		batch = 3
	}

	const hybridLargeSpan = 8_000_000_000
	const hybridMediumSpan = 1_000_000_000
	switch {
	case rangeSpan >= hybridLargeSpan:
		if mode == AllCores && batch < 8 {
			batch++
		} else if mode == Auto && batch < 6 {
			batch++
		}
	case rangeSpan < hybridMediumSpan:
		if batch > 2 {
			batch = 2
		}
	}
	if batch < 1 {
		batch = 1
	}
	if batch > 8 {
		batch = 8
	}
	return batch
}
