// Package primecount provides secondary, non-segmented primality and
// counting routines used for verification rather than bulk enumeration:
// deterministic Miller-Rabin for single values, and a Meissel-Lehmer style
// counter for cross-checking π(n) against the segmented engine.
package primecount

// millerRabinWitnesses is sufficient to decide primality for every uint64
// value (Pomerance/Jaeschke).
var millerRabinWitnesses = [...]uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37}

// IsPrime reports whether n is prime using deterministic Miller-Rabin.
func IsPrime(n uint64) bool {
	if n < 2 {
		return false
	}
	for _, p := range []uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37} {
		if n == p {
			return true
		}
		if n%p == 0 {
			return false
		}
	}

	d := n - 1
	r := 0
	for d&1 == 0 {
		d >>= 1
		r++
	}

	for _, a := range millerRabinWitnesses {
		if a >= n {
			continue
		}
		if !millerRabinRound(n, d, r, a) {
			return false
		}
	}
	return true
}

func millerRabinRound(n, d uint64, r int, a uint64) bool {
	x := modPow(a, d, n)
	if x == 1 || x == n-1 {
		return true
	}
	for i := 0; i < r-1; i++ {
		x = modMul(x, x, n)
		if x == n-1 {
			return true
		}
	}
	return false
}

// modMul computes (a*b) mod m without overflowing uint64, using the
// binary-multiplication doubling technique.
func modMul(a, b, m uint64) uint64 {
	var result uint64
	a %= m
	for b > 0 {
		if b&1 == 1 {
			result = addMod(result, a, m)
		}
		a = addMod(a, a, m)
		b >>= 1
	}
	return result
}

func addMod(a, b, m uint64) uint64 {
	a %= m
	b %= m
	if a >= m-b {
		return a - (m - b)
	}
	return a + b
}

func modPow(base, exp, m uint64) uint64 {
	result := uint64(1)
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			result = modMul(result, base, m)
		}
		base = modMul(base, base, m)
		exp >>= 1
	}
	return result
}

// MeisselLehmer counts the primes in [0, n] using the Lucy_Hedgehog phi(x,a)
// recurrence. baseSieve(limit) must return every prime up to and including
// limit; the caller typically supplies baseprime.Sieve. This is a
// cross-check path, not the segmented engine's counting strategy, and its
// memory use (O(sqrt(n)) keys) makes it unsuitable for n beyond a few
// billion.
func MeisselLehmer(n uint64, baseSieve func(uint64) []uint32) uint64 {
	if n < 2 {
		return 0
	}

	sqrtN := isqrt(n)
	smalls := make([]uint64, sqrtN+1)
	larges := make([]uint64, sqrtN+1)

	for i := uint64(1); i <= sqrtN; i++ {
		smalls[i] = i - 1
		larges[i] = n/i - 1
	}

	primes := baseSieve(sqrtN)

	for _, pu32 := range primes {
		p := uint64(pu32)
		if p < 2 || p > sqrtN {
			continue
		}
		spOfP := smalls[p-1]
		pSquared := p * p
		if pSquared > n {
			break
		}

		limit := sqrtN
		if n/pSquared < limit {
			limit = n / pSquared
		}
		for i := uint64(1); i <= limit; i++ {
			var idx uint64
			if i*p <= sqrtN {
				idx = i * p
				larges[i] -= larges[idx] - spOfP
			} else {
				idx = n / (i * p)
				larges[i] -= smalls[idx] - spOfP
			}
		}

		for i := sqrtN; i >= pSquared; i-- {
			smalls[i] -= smalls[i/p] - spOfP
		}
	}

	return larges[1]
}

func isqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	r := uint64(0)
	for (r+1)*(r+1) <= n {
		r++
	}
	for r*r > n {
		r--
	}
	return r
}
