package fieldstore

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"visitorid/pkg/platform/urlutil"
)

const (
	// CookieLifetimeSession writes cookies without an expiry.
	CookieLifetimeSession = "SESSION"
	// CookieLifetimeNone disables cookie writes.
	CookieLifetimeNone = "NONE"
)

// CookieNames returns the blob and session-marker cookie names for org,
// percent-encoded so the org suffix stays a valid cookie token.
func CookieNames(org string) (blob, session string) {
	enc := urlutil.EncodeComponent(org)
	return "AMCV_" + enc, "AMCVS_" + enc
}

// CookieJar carries the visitor cookies of one HTTP exchange: it reads the
// blob and session marker from the request and collects the cookies to set
// on the response.
type CookieJar struct {
	mu sync.Mutex

	blobName    string
	sessionName string
	domain      string
	lifetime    string
	now         func() time.Time

	blob           string
	sessionPresent bool
	pending        map[string]*http.Cookie
	order          []string
}

type CookieOption func(*CookieJar)

func WithCookieDomain(domain string) CookieOption {
	return func(j *CookieJar) {
		j.domain = domain
	}
}

// WithCookieLifetime accepts a number of seconds, CookieLifetimeSession or
// CookieLifetimeNone. Empty means two years.
func WithCookieLifetime(lifetime string) CookieOption {
	return func(j *CookieJar) {
		j.lifetime = strings.ToUpper(lifetime)
	}
}

func WithCookieClock(now func() time.Time) CookieOption {
	return func(j *CookieJar) {
		j.now = now
	}
}

// NewCookieJar reads the visitor cookies for org from r. A nil request
// starts with no cookies.
func NewCookieJar(r *http.Request, org string, opts ...CookieOption) *CookieJar {
	blobName, sessionName := CookieNames(org)
	j := &CookieJar{
		blobName:    blobName,
		sessionName: sessionName,
		now:         time.Now,
		pending:     make(map[string]*http.Cookie),
	}
	for _, opt := range opts {
		opt(j)
	}
	if r == nil {
		return j
	}
	if c, err := r.Cookie(blobName); err == nil {
		if decoded, err := urlutil.DecodeComponent(c.Value); err == nil {
			j.blob = decoded
		}
	}
	if c, err := r.Cookie(sessionName); err == nil && c.Value != "" {
		j.sessionPresent = true
	}
	return j
}

func (j *CookieJar) Load(_ context.Context) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.blob, nil
}

func (j *CookieJar) Save(_ context.Context, blob string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blob = blob
	if j.lifetime == CookieLifetimeNone {
		return nil
	}
	c := &http.Cookie{
		Name:  j.blobName,
		Value: urlutil.EncodeComponent(blob),
		Path:  "/",
	}
	if expires, ok := j.expiry(blob); ok {
		c.Expires = expires
	}
	j.stage(c)
	return nil
}

// Present reports whether the session marker cookie exists.
func (j *CookieJar) Present() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessionPresent
}

// Mark writes the session marker cookie.
func (j *CookieJar) Mark() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessionPresent = true
	if j.lifetime == CookieLifetimeNone {
		return
	}
	j.stage(&http.Cookie{Name: j.sessionName, Value: "1", Path: "/"})
}

// Pending returns the cookies written since the jar was created, in write order.
func (j *CookieJar) Pending() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*http.Cookie, 0, len(j.order))
	for _, name := range j.order {
		out = append(out, j.pending[name])
	}
	return out
}

// WriteTo sets the pending cookies on w.
func (j *CookieJar) WriteTo(w http.ResponseWriter) {
	for _, c := range j.Pending() {
		http.SetCookie(w, c)
	}
}

func (j *CookieJar) stage(c *http.Cookie) {
	if j.domain != "" {
		c.Domain = j.domain
	}
	if _, ok := j.pending[c.Name]; !ok {
		j.order = append(j.order, c.Name)
	}
	j.pending[c.Name] = c
}

func (j *CookieJar) expiry(value string) (time.Time, bool) {
	if j.lifetime == CookieLifetimeSession {
		return time.Time{}, false
	}
	now := j.now()
	if value == "" {
		return now.Add(-60 * time.Second), true
	}
	if secs, err := strconv.Atoi(j.lifetime); err == nil && secs != 0 {
		return now.Add(time.Duration(secs) * time.Second), true
	}
	return now.AddDate(2, 0, 0), true
}
