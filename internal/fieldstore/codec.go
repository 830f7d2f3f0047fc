package fieldstore

import (
	"regexp"
	"strconv"
	"strings"
)

var digestPattern = regexp.MustCompile(`^[\-0-9]+$`)

// Field names a persisted identity field.
type Field string

// ValueNone marks a field the backend explicitly reported as having no value.
const ValueNone = "NONE"

// blobAllowedMarker is written by cookie support checks and carries no fields.
const blobAllowedMarker = "T"

// Expiry is the persisted expiry of a field. At is a unix time in seconds;
// zero means the field never expires. Session-scoped fields are only valid
// while the session marker exists.
type Expiry struct {
	At      int64
	Session bool
}

func (e Expiry) String() string {
	if e.At == 0 {
		return ""
	}
	s := strconv.FormatInt(e.At, 10)
	if e.Session {
		s += "s"
	}
	return s
}

// Entry is one decoded field of a blob.
type Entry struct {
	Field  Field
	Value  string
	Expiry Expiry
}

// Encode renders entries as digest|field[-expiry[s]]|value|... Entries with an
// empty value are skipped.
func Encode(digest int32, entries []Entry) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(int64(digest), 10))
	for _, e := range entries {
		if e.Field == "" || e.Value == "" {
			continue
		}
		b.WriteByte('|')
		b.WriteString(string(e.Field))
		if exp := e.Expiry.String(); exp != "" {
			b.WriteByte('-')
			b.WriteString(exp)
		}
		b.WriteByte('|')
		b.WriteString(e.Value)
	}
	return b.String()
}

// Digest is the settings fingerprint a blob may start with.
type Digest struct {
	Value   int32
	Present bool
	// Malformed is set for a digest token that does not parse as an int32.
	// It matches no settings.
	Malformed bool
}

// Mismatches reports whether a blob with this digest was written under
// settings other than want. A blob without a digest matches anything.
func (d Digest) Mismatches(want int32) bool {
	return d.Present && (d.Malformed || d.Value != want)
}

// Decode parses a blob. A dangling field name without a value is ignored.
func Decode(blob string) (digest Digest, entries []Entry) {
	if blob == "" || blob == blobAllowedMarker {
		return Digest{}, nil
	}
	parts := strings.Split(blob, "|")
	if digestPattern.MatchString(parts[0]) {
		digest.Present = true
		if n, err := strconv.ParseInt(parts[0], 10, 32); err == nil {
			digest.Value = int32(n)
		} else {
			digest.Malformed = true
		}
		parts = parts[1:]
	}
	if len(parts)%2 == 1 {
		parts = parts[:len(parts)-1]
	}

	for pos := 0; pos < len(parts); pos += 2 {
		name, exp := parseFieldToken(parts[pos])
		value := parts[pos+1]
		if name == "" || value == "" {
			continue
		}
		entries = append(entries, Entry{Field: Field(name), Value: value, Expiry: exp})
	}
	return digest, entries
}

func parseFieldToken(token string) (string, Expiry) {
	name, rest, found := strings.Cut(token, "-")
	if !found {
		return name, Expiry{}
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		rest = rest[:i]
	}
	return name, Expiry{
		At:      leadingInt(rest),
		Session: strings.IndexByte(rest, 's') > 0,
	}
}

// leadingInt parses the leading decimal digits of s, ignoring any suffix.
func leadingInt(s string) int64 {
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
