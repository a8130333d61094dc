//go:build !amd64

package cpuinfo

func applyFeatureFlags(t *Topology) {
	// No vector-popcount feature probing outside amd64; the popcount kernel
	// falls back to math/bits there.
}
