package idgen

import (
	"math/rand/v2"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexIDPattern = regexp.MustCompile(`^[0-7][0-9A-F]{15}-[0-7][0-9A-F]{15}$`)

func TestDecimalIDShape(t *testing.T) {
	gen := New(rand.NewPCG(1, 2))

	for i := 0; i < 2000; i++ {
		id := gen.DecimalID()
		require.Len(t, id, 38)
		assertHalfConstrained(t, id[:19])
		assertHalfConstrained(t, id[19:])
	}
}

// assertHalfConstrained checks that a leading 9 limits the following digits
// to 0-2 while the run of 2s continues, for at most three positions.
func assertHalfConstrained(t *testing.T, half string) {
	t.Helper()
	for _, c := range half {
		require.True(t, c >= '0' && c <= '9', "non-digit in %q", half)
	}
	if half[0] != '9' {
		return
	}
	for pos := 1; pos <= 3; pos++ {
		assert.LessOrEqual(t, half[pos], byte('2'), "digit %d of %q", pos, half)
		if half[pos] != '2' {
			return
		}
	}
}

func TestDecimalIDLeadingNineIsReachable(t *testing.T) {
	gen := New(rand.NewPCG(7, 7))
	sawNine := false
	for i := 0; i < 500 && !sawNine; i++ {
		id := gen.DecimalID()
		sawNine = id[0] == '9' || id[19] == '9'
	}
	assert.True(t, sawNine)
}

func TestHexIDShape(t *testing.T) {
	gen := New(rand.NewPCG(3, 4))
	for i := 0; i < 500; i++ {
		assert.Regexp(t, hexIDPattern, gen.HexID())
	}
}

func TestGeneratorUniqueness(t *testing.T) {
	gen := New(nil)
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := gen.DecimalID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestHash(t *testing.T) {
	tests := []struct {
		in   string
		want int32
	}{
		{"", 0},
		{"a", 97},
		{"ab", 3105},
		{"hello", 99162322},
		{"1.10.0", 1446817726},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, Hash(tc.in))
		})
	}

	// 32-bit wraparound matches the signed arithmetic of the persisted format.
	assert.Equal(t, int32(-1330315163), Hash("1.10.0|dpm.demdex.net"))
	assert.Equal(t, int32(-1407985779), Hash("CRM|abc1"))
}

func TestSettingsDigest(t *testing.T) {
	assert.Equal(t, Hash("1.10.0"), SettingsDigest("1.10.0", "", ""))
	assert.Equal(t, Hash("1.10.0|aam.example.com"), SettingsDigest("1.10.0", "aam.example.com", ""))
	assert.Equal(t, Hash("1.10.0|a|b"), SettingsDigest("1.10.0", "a", "b"))
	assert.NotEqual(t, SettingsDigest("1.10.0", "a", ""), SettingsDigest("1.10.0", "b", ""))
	assert.Equal(t, "-42", FormatHash(-42))
}
