package resolver

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"visitorid/internal/fieldstore"
)

var visitorIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]+$`)

func validVisitorID(id string) bool {
	return id != "" && visitorIDPattern.MatchString(id)
}

type kind uint8

const (
	kindAbsent kind = iota
	kindNone
	kindPresent
)

// value is a stored field read back with the "confirmed absent" marker
// separated from real values.
type value struct {
	kind kind
	text string
}

func valueOf(raw string, ok bool) value {
	switch {
	case !ok || raw == "":
		return value{kind: kindAbsent}
	case raw == fieldstore.ValueNone:
		return value{kind: kindNone}
	default:
		return value{kind: kindPresent, text: raw}
	}
}

func (v value) String() string {
	return v.text
}

// Response is what a field group resolves with: a backend object or, for
// manual sets and fallbacks, a bare ID.
type Response struct {
	ID   string
	Data map[string]any
}

func (resp Response) isObject() bool {
	return resp.Data != nil
}

// text renders a payload value the way the backend's loosely typed fields
// are consumed: strings as is, numbers without exponent, everything else empty.
func text(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
	}
	return ""
}

// integer parses a payload value as a base 10 integer, accepting a numeric
// prefix of strings.
func integer(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		return leadingInteger(v.String())
	case string:
		return leadingInteger(v)
	}
	return 0, false
}

func leadingInteger(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0, false
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// stringList returns the string elements of an array payload value.
func stringList(data map[string]any, key string) ([]string, bool) {
	switch v := data[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, text(map[string]any{"v": item}, "v"))
		}
		return out, true
	case []string:
		return v, true
	}
	return nil, false
}

// findVisitorID extracts a visitor ID from resp: the first of d_mid,
// visitorID, id, uuid for objects, or the bare ID. NOTARGET maps to the
// confirmed-absent marker and malformed IDs to "".
func findVisitorID(resp Response) string {
	id := resp.ID
	if resp.isObject() {
		id = ""
		for _, key := range []string{"d_mid", "visitorID", "id", "uuid"} {
			if v := text(resp.Data, key); v != "" {
				id = v
				break
			}
		}
	}
	if id == "" {
		return ""
	}
	id = strings.ToUpper(id)
	if id == "NOTARGET" {
		return fieldstore.ValueNone
	}
	if id != fieldstore.ValueNone && !validVisitorID(id) {
		return ""
	}
	return id
}
