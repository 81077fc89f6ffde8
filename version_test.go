package silabsflasher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionOrdering(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"7.1.2", "7.1.3", -1},
		{"7.2.0", "7.1.9", 1},
		{"7.1", "7.1.0", -1},
		{"7.1.0", "7.1", 1},
		{"7.1.2", "7.1.2", 0},
	}

	for _, tc := range cases {
		va, vb := ParseVersion(tc.a), ParseVersion(tc.b)
		if got := va.Compare(vb); got != tc.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestVersionCompatibleWith(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"7.1", "7.1.2", true},
		{"7.1.2", "7.1", true},
		{"7.1", "7.2.0", false},
		{"7.1.2", "7.1.3", false},
	}

	for _, tc := range cases {
		va, vb := ParseVersion(tc.a), ParseVersion(tc.b)
		if got := va.CompatibleWith(vb); got != tc.want {
			t.Errorf("CompatibleWith(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestVersionEqualConsidersFullComponentSequence(t *testing.T) {
	a := ParseVersion("7.1.2.0-GA")
	b := ParseVersion("7.1.2.0-GA")
	c := ParseVersion("7.1.2.0-build")

	require.True(t, a.Equal(b), "identical raw strings should be Equal")
	require.False(t, a.Equal(c), "differing non-comparable suffix should not be Equal")
	require.True(t, a.CompatibleWith(c), "CompatibleWith only looks at the comparable subsequence")
}

func TestVersionStringRoundTrips(t *testing.T) {
	raw := "SL-OPENTHREAD/2.2.2.0_GitHub-91fa1f455"
	v := ParseVersion(raw)
	require.Equal(t, raw, v.String())
}

func TestVersionGreaterAndLessThan(t *testing.T) {
	lo := ParseVersion("1.0.0")
	hi := ParseVersion("1.0.1")

	if !hi.GreaterThan(lo) {
		t.Error("1.0.1 should be GreaterThan 1.0.0")
	}
	if !lo.LessThan(hi) {
		t.Error("1.0.0 should be LessThan 1.0.1")
	}
}
