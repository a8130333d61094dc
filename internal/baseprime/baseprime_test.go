package baseprime

import "testing"

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

func TestSieveMatchesTrialDivision(t *testing.T) {
	const limit = 10000
	got := Sieve(limit)
	var want []uint32
	for n := uint64(2); n <= limit; n++ {
		if isPrimeTrial(n) {
			want = append(want, uint32(n))
		}
	}
	if len(got) != len(want) {
		t.Fatalf("got %d primes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prime %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSieveSmallLimits(t *testing.T) {
	cases := []struct {
		limit uint64
		want  []uint32
	}{
		{0, nil},
		{1, nil},
		{2, []uint32{2}},
		{3, []uint32{2, 3}},
		{4, []uint32{2, 3}},
	}
	for _, c := range cases {
		got := Sieve(c.limit)
		if len(got) != len(c.want) {
			t.Errorf("Sieve(%d) = %v, want %v", c.limit, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("Sieve(%d) = %v, want %v", c.limit, got, c.want)
				break
			}
		}
	}
}

func TestCeilSqrt(t *testing.T) {
	cases := []struct {
		n    uint64
		want uint64
	}{
		{0, 0}, {1, 1}, {2, 2}, {3, 2}, {4, 2}, {5, 3}, {99, 10}, {100, 10}, {101, 11},
		{1_000_000, 1000}, {999_999, 1000},
	}
	for _, c := range cases {
		if got := CeilSqrt(c.n); got != c.want {
			t.Errorf("CeilSqrt(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}
