//go:build amd64

package cpuinfo

import "golang.org/x/sys/cpu"

func applyFeatureFlags(t *Topology) {
	t.HasAVX2 = cpu.X86.HasAVX2
	t.HasAVX512 = cpu.X86.HasAVX512F && cpu.X86.HasAVX512VPOPCNTDQ
	t.HasPOPCNT = cpu.X86.HasPOPCNT
}
