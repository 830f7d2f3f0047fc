package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"visitorid/pkg/requestcontext"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded chain", headers: map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, want: "10.0.0.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 10.0.0.3 "}, want: "10.0.0.3"},
		{name: "remote addr", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "ipv6 remote addr", remote: "[::1]:1234", want: "[::1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIPFromRequest(r))
		})
	}
}

func TestClientMetadataPrivacySignals(t *testing.T) {
	var got requestcontext.Privacy
	var ua string
	h := ClientMetadata(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = requestcontext.PrivacySignals(r.Context())
		ua = requestcontext.UserAgent(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Sec-GPC", "1")
	r.Header.Set("User-Agent", "test-agent")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.True(t, got.GlobalPrivacyControl)
	assert.False(t, got.DoNotTrack)
	assert.Equal(t, "test-agent", ua)
}
