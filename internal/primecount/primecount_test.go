package primecount

import (
	"testing"

	"github.com/pchuck/calcprime/internal/baseprime"
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

func TestIsPrimeMatchesTrialDivisionSmallRange(t *testing.T) {
	for n := uint64(0); n < 10000; n++ {
		if got, want := IsPrime(n), isPrimeTrial(n); got != want {
			t.Fatalf("IsPrime(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestIsPrimeKnownLargePrimes(t *testing.T) {
	// 2^61-1 is a Mersenne prime; 2^61-2 and 2^61-3 are composite.
	cases := map[uint64]bool{
		(1 << 61) - 1: true,
		(1 << 61) - 2: false,
		(1 << 61) - 3: false,
		1000000007:    true,
		1000000009:    true,
		1000000008:    false,
		18446744073709551557: true, // largest prime below 2^64
	}
	for n, want := range cases {
		if got := IsPrime(n); got != want {
			t.Errorf("IsPrime(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestIsPrimeRejectsZeroAndOne(t *testing.T) {
	if IsPrime(0) || IsPrime(1) {
		t.Error("IsPrime should reject 0 and 1")
	}
}

func TestMeisselLehmerMatchesTrialDivision(t *testing.T) {
	cases := []uint64{0, 1, 2, 10, 100, 1000, 9999, 100000}
	for _, n := range cases {
		want := uint64(0)
		for v := uint64(2); v <= n; v++ {
			if isPrimeTrial(v) {
				want++
			}
		}
		got := MeisselLehmer(n, baseprime.Sieve)
		if got != want {
			t.Errorf("MeisselLehmer(%d) = %d, want %d", n, got, want)
		}
	}
}
