//go:build !linux

package cpuinfo

import "runtime"

func detectPlatform() Topology {
	t := defaultTopology()
	t.Logical = uint(runtime.NumCPU())
	t.Physical = t.Logical
	t.PerfLogical = t.Logical
	return t
}
