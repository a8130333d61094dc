//go:build linux

package cpuinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const sysCPUBase = "/sys/devices/system/cpu"

func detectPlatform() Topology {
	t := defaultTopology()

	ids := listCPUDirs()
	if len(ids) == 0 {
		t.Logical = uint(runtime.NumCPU())
		t.Physical = t.Logical
		t.PerfLogical = t.Logical
		return t
	}
	t.Logical = uint(len(ids))

	physicalOf := make(map[[2]int]struct{}, len(ids))
	maxFreq := make(map[int]uint64, len(ids))
	var l1dSamples, l2Samples []uint64

	for _, id := range ids {
		dir := filepath.Join(sysCPUBase, "cpu"+strconv.Itoa(id))
		core := readIntFile(filepath.Join(dir, "topology", "core_id"), id)
		pkg := readIntFile(filepath.Join(dir, "topology", "physical_package_id"), 0)
		physicalOf[[2]int{pkg, core}] = struct{}{}

		if freq := readUintFile(filepath.Join(dir, "cpufreq", "cpuinfo_max_freq")); freq > 0 {
			maxFreq[id] = freq
		} else if freq := readUintFile(filepath.Join(dir, "cpufreq", "scaling_max_freq")); freq > 0 {
			maxFreq[id] = freq
		}

		for idx := 0; idx < 8; idx++ {
			cacheDir := filepath.Join(dir, "cache", "index"+strconv.Itoa(idx))
			level := readIntFile(filepath.Join(cacheDir, "level"), -1)
			if level < 0 {
				break
			}
			typ := strings.TrimSpace(readFile(filepath.Join(cacheDir, "type")))
			size := parseCacheSize(strings.TrimSpace(readFile(filepath.Join(cacheDir, "size"))))
			if size == 0 {
				continue
			}
			switch {
			case level == 1 && (typ == "Data" || typ == "Unified"):
				l1dSamples = append(l1dSamples, size)
			case level == 2:
				l2Samples = append(l2Samples, size)
			}
		}
	}

	t.Physical = uint(len(physicalOf))
	if t.Physical == 0 {
		t.Physical = t.Logical
	}

	if v := medianOrZero(l1dSamples); v > 0 {
		t.L1DBytes = v
		t.PerfL1DBytes = v
		t.EffL1DBytes = v
	}
	if v := medianOrZero(l2Samples); v > 0 {
		t.L2Bytes = v
		t.PerfL2Bytes = v
		t.EffL2Bytes = v
	}
	if t.Physical > 0 {
		t.L2TotalBytes = t.L2Bytes * uint64(t.Physical)
	}

	detectHybrid(&t, maxFreq)
	if t.PerfLogical == 0 {
		t.PerfLogical = t.Logical
	}
	t.HasSMT = t.Logical > t.Physical
	return t
}

// detectHybrid splits logical CPUs into a performance and efficiency class
// by clustering maximum clock frequencies: a CPU whose max frequency sits
// well below the fastest cluster's is treated as an efficiency core. This
// mirrors the source's reliance on per-CPU capacity/cpufreq hints without
// requiring a full topology/cache-sharing crawl.
func detectHybrid(t *Topology, maxFreq map[int]uint64) {
	if len(maxFreq) < 2 {
		t.PerfLogical = t.Logical
		return
	}
	var fastest uint64
	for _, f := range maxFreq {
		if f > fastest {
			fastest = f
		}
	}
	if fastest == 0 {
		t.PerfLogical = t.Logical
		return
	}
	const perfThreshold = 0.9 // cores within 90% of the fastest clock are "performance"
	var perf, eff uint
	for _, f := range maxFreq {
		if float64(f) >= perfThreshold*float64(fastest) {
			perf++
		} else {
			eff++
		}
	}
	if eff == 0 || perf == 0 {
		t.PerfLogical = t.Logical
		return
	}
	t.PerfLogical = perf
	t.EffLogical = eff
	t.HasHybrid = true
}

func listCPUDirs() []int {
	entries, err := os.ReadDir(sysCPUBase)
	if err != nil {
		return nil
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		n, err := strconv.Atoi(name[3:])
		if err != nil || n < 0 {
			continue
		}
		ids = append(ids, n)
	}
	return ids
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func readIntFile(path string, fallback int) int {
	f, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return fallback
	}
	return v
}

func readUintFile(path string) uint64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(sc.Text()), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseCacheSize(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	factor := uint64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		factor = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		factor = 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v * factor
}

func medianOrZero(samples []uint64) uint64 {
	if len(samples) == 0 {
		return 0
	}
	// Cheap mode-ish pick: most cache-size sysfs reads across cores agree
	// exactly, so the minimum doubles as a robust central value without a
	// full sort.
	min := samples[0]
	for _, v := range samples[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
