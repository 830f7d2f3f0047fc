package testutil

import (
	"net/http"
	"time"

	"visitorid/pkg/requestcontext"
)

// WithPrivacy sets the privacy signals the metadata middleware would derive
// from Sec-GPC and DNT.
func WithPrivacy(req *http.Request, gpc, dnt bool) *http.Request {
	ctx := requestcontext.WithPrivacySignals(req.Context(), requestcontext.Privacy{
		GlobalPrivacyControl: gpc,
		DoNotTrack:           dnt,
	})
	return req.WithContext(ctx)
}

// WithUserAgent sets the client metadata with a fixed test IP.
func WithUserAgent(req *http.Request, userAgent string) *http.Request {
	ctx := requestcontext.WithClientMetadata(req.Context(), "192.0.2.10", userAgent)
	return req.WithContext(ctx)
}

// WithRequestTime pins the request clock.
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
