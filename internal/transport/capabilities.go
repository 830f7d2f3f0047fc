package transport

import (
	"strconv"
	"strings"

	"github.com/mssola/useragent"
)

// Capabilities describes what the visitor's browser supports.
type Capabilities struct {
	// CORS is credentialed cross-origin requests.
	CORS bool
	// PostMessage is cross-frame messaging.
	PostMessage bool
}

// FullCapabilities is assumed when no User-Agent is known.
var FullCapabilities = Capabilities{CORS: true, PostMessage: true}

// DetectCapabilities derives capabilities from a User-Agent header. Internet
// Explorer before 10 has no credentialed XMLHttpRequest and before 8 no
// cross-frame messaging.
func DetectCapabilities(userAgent string) Capabilities {
	if strings.TrimSpace(userAgent) == "" {
		return FullCapabilities
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	if name != "Internet Explorer" {
		return FullCapabilities
	}

	major := majorVersion(version)
	if major == 0 {
		return FullCapabilities
	}
	return Capabilities{
		CORS:        major >= 10,
		PostMessage: major >= 8,
	}
}

func majorVersion(version string) int {
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}
