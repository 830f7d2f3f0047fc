package idgen

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"
)

const (
	decimalHalfLength = 19
	hexHalfLength     = 16
)

// Generator produces visitor identifiers from a random source.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns a Generator reading from src. A nil src uses a randomly seeded PCG.
func New(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Generator{rnd: rand.New(src)}
}

// DecimalID returns a 38 digit identifier made of two 19 digit halves.
// Each half keeps its value below 2^63: a leading 9 restricts the next digit
// to 0-2, and each further 2 in positions one and two carries the restriction
// one digit on.
func (g *Generator) DecimalID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var high, low strings.Builder
	highMax, lowMax := 10, 10
	for pos := 0; pos < decimalHalfLength; pos++ {
		digit := g.rnd.IntN(highMax)
		high.WriteByte(byte('0' + digit))
		highMax = nextDigitMax(pos, digit, highMax)

		digit = g.rnd.IntN(lowMax)
		low.WriteByte(byte('0' + digit))
		lowMax = nextDigitMax(pos, digit, lowMax)
	}
	return high.String() + low.String()
}

func nextDigitMax(pos, digit, current int) int {
	switch {
	case pos == 0 && digit == 9:
		return 3
	case (pos == 1 || pos == 2) && current != 10 && digit < 2:
		return 10
	case pos > 2:
		return 10
	}
	return current
}

// HexID returns an uppercase identifier of the form XXXXXXXXXXXXXXXX-XXXXXXXXXXXXXXXX
// whose halves each start with a nibble below 8.
func (g *Generator) HexID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	const digits = "0123456789ABCDEF"
	var high, low strings.Builder
	limit := 8
	for pos := 0; pos < hexHalfLength; pos++ {
		high.WriteByte(digits[g.rnd.IntN(limit)])
		low.WriteByte(digits[g.rnd.IntN(limit)])
		limit = 16
	}
	return high.String() + "-" + low.String()
}

// Hash is the 32-bit rolling string hash (h = h*31 + c over UTF-16 code units)
// used for the settings digest and the customer-ID hash.
func Hash(s string) int32 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(unit)
	}
	return h
}

// SettingsDigest fingerprints the settings that shape a persisted blob. A
// change invalidates expiring fields written under the old settings.
func SettingsDigest(version, server, serverSecure string) int32 {
	input := version
	if server != "" {
		input += "|" + server
	}
	if serverSecure != "" {
		input += "|" + serverSecure
	}
	return Hash(input)
}

// FormatHash renders a hash the way it is persisted.
func FormatHash(h int32) string {
	return strconv.FormatInt(int64(h), 10)
}
