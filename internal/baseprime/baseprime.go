// Package baseprime computes the ordered list of primes up to a limit, used
// to seed the segmented sieve's small/medium/large prime tiers and the
// wheel-bitmap counter's per-prime stepping tables.
package baseprime

import (
	"bytes"
	"math"
)

// Sieve returns every prime p with 2 <= p <= limit, using an odd-only
// sieve of Eratosthenes.
func Sieve(limit uint64) []uint32 {
	if limit < 2 {
		return nil
	}
	if limit < 3 {
		return []uint32{2}
	}

	n := limit + 1
	sieveSize := (n - 3 + 1) / 2
	bits := make([]byte, sieveSize)
	for i := range bits {
		bits[i] = 1
	}

	sqrtLimit := uint64(math.Sqrt(float64(limit)))
	for current := uint64(3); current <= sqrtLimit; current += 2 {
		idx := (current - 3) / 2
		if bits[idx] == 0 {
			continue
		}
		startIdx := (current*current - 3) / 2
		for j := startIdx; j < sieveSize; j += current {
			bits[j] = 0
		}
	}

	estimated := 1
	if limit > 10 {
		estimated = int(float64(limit)/math.Log(float64(limit))*1.15) + 16
	}
	primes := make([]uint32, 0, estimated)
	primes = append(primes, 2)

	idx := 0
	for {
		pos := bytes.IndexByte(bits[idx:], 1)
		if pos == -1 {
			break
		}
		idx += pos
		primes = append(primes, uint32(2*uint64(idx)+3))
		idx++
		if idx >= int(sieveSize) {
			break
		}
	}
	return primes
}

// CeilSqrt returns the smallest integer r such that r*r >= n.
func CeilSqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	r := uint64(math.Sqrt(float64(n)))
	for r > 0 && r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	if r*r < n {
		r++
	}
	return r
}
