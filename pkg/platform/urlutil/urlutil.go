// Package urlutil provides the percent-encoding and querystring editing used
// in identity URLs, where parameter order and the browser's component
// encoding must be preserved exactly.
package urlutil

import (
	"net/url"
	"regexp"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// EncodeComponent percent-encodes s like a browser's component encoder:
// letters, digits and -_.!~*'() are kept, everything else is escaped as UTF-8.
func EncodeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// DecodeComponent reverses EncodeComponent. '+' is left as is.
func DecodeComponent(s string) (string, error) {
	return url.PathUnescape(s)
}

// EncodeJoin encodes each value and joins them with sep.
func EncodeJoin(values []string, sep string) string {
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = EncodeComponent(v)
	}
	return strings.Join(encoded, sep)
}

// AddQueryParam inserts key=value into the querystring of rawURL at index
// location, or at the end when location is negative. Any fragment is kept.
func AddQueryParam(rawURL, key, value string, location int) string {
	param := EncodeComponent(key) + "=" + EncodeComponent(value)

	base, fragment := rawURL, ""
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		base, fragment = rawURL[:i], rawURL[i:]
	}

	host, query, found := strings.Cut(base, "?")
	if !found {
		return base + "?" + param + fragment
	}

	params := strings.Split(query, "&")
	if location < 0 || location > len(params) {
		location = len(params)
	}
	params = append(params[:location], append([]string{param}, params[location:]...)...)
	return host + "?" + strings.Join(params, "&") + fragment
}

// ExtractParam finds name in the query or fragment of rawURL and returns its
// decoded value.
func ExtractParam(rawURL, name string) (string, bool) {
	re, err := regexp.Compile(`[\?&#]` + regexp.QuoteMeta(name) + `=([^&#]*)`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	decoded, err := DecodeComponent(m[1])
	if err != nil {
		return "", false
	}
	return decoded, true
}

// Origin returns scheme://host of rawURL.
func Origin(rawURL string) string {
	scheme, rest, found := strings.Cut(rawURL, "://")
	if !found {
		return rawURL
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return scheme + "://" + rest
}
