package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"visitorid/internal/consent"
	"visitorid/internal/fieldstore"
	"visitorid/internal/idsync"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/eventloop"
	"visitorid/internal/transport"
	"visitorid/internal/visitor"
	dErrors "visitorid/pkg/domain-errors"
	"visitorid/pkg/requestcontext"
)

const legacyAnalyticsCookie = "s_vi"

// session is the visitor runtime of one request: its own event loop, the
// visitor's cookies and the sync frame outbox.
type session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	loop     *eventloop.Loop
	jar      *fieldstore.CookieJar
	outbox   *idsync.Outbox
	registry *visitor.Registry
	instance *visitor.Instance

	visitorKey *http.Cookie
	finished   func()
}

// open starts a session for r and runs the visitor's startup sequence.
// The caller must close it.
func (h *Handler) open(r *http.Request, state visitor.ServerState) (*session, error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Server.ResolveTimeout)
	cfg := h.sessionConfig(r)

	loop := eventloop.New(eventloop.WithLogger(h.logger))
	go func() { _ = loop.Run(ctx) }()

	s := &session{
		ctx:    ctx,
		cancel: cancel,
		loop:   loop,
		outbox: idsync.NewOutbox(),
		jar: fieldstore.NewCookieJar(r, cfg.Visitor.OrgID,
			fieldstore.WithCookieDomain(cfg.Visitor.CookieDomain),
			fieldstore.WithCookieLifetime(cfg.Visitor.CookieLifetime),
			fieldstore.WithCookieClock(func() time.Time { return requestcontext.Now(ctx) }),
		),
	}
	persister, err := h.persister(r, cfg, s)
	if err != nil {
		s.close()
		return nil, err
	}

	caps := transport.DetectCapabilities(requestcontext.UserAgent(ctx))
	topts := []transport.Option{
		transport.WithHTTPClient(h.client),
		transport.WithTimeout(cfg.Visitor.LoadTimeout),
		transport.WithLogger(h.logger),
		transport.WithMetrics(h.transportMetrics),
	}
	dispatcher := transport.NewDispatcher(
		transport.NewCORS(loop, topts...),
		transport.NewScript(loop, transport.NewCallbackTable(), topts...),
		transport.WithCORSOnly(cfg.Visitor.UseCORSOnly),
		transport.WithCapabilities(caps),
		transport.WithDispatcherLogger(h.logger),
		transport.WithDispatcherMetrics(h.transportMetrics),
	)

	facts := h.consentFacts(r, cfg)
	var legacy string
	if c, err := r.Cookie(legacyAnalyticsCookie); err == nil {
		legacy = c.Value
	}

	s.registry = visitor.NewRegistry(func(org string) *visitor.Instance {
		return visitor.New(ctx, cfg, visitor.Deps{
			Persister:             persister,
			Session:               s.jar,
			Fetcher:               dispatcher,
			Sched:                 loop,
			Frames:                s.outbox,
			Pixels:                idsync.NewHTTPPixelFirer(loop, idsync.WithPixelClient(h.client), idsync.WithPixelLogger(h.logger)),
			Audit:                 h.audit,
			Caps:                  caps,
			Allow:                 func() bool { return h.gate.Allowed(facts) },
			LegacyAnalyticsCookie: legacy,
			Logger:                h.logger,
			Metrics:               h.visitorMetrics,
		})
	})

	err = loop.Do(ctx, func() {
		s.instance = s.registry.Init(cfg.Visitor.OrgID)
		s.instance.Start(state)
	})
	if err != nil {
		s.close()
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "visitor startup timed out")
	}
	h.metrics.VisitorStarted()
	s.finished = h.metrics.VisitorFinished
	return s, nil
}

// sessionConfig applies the per-request page URL to the deployment config.
func (h *Handler) sessionConfig(r *http.Request) config.Config {
	cfg := h.cfg
	if page := r.URL.Query().Get("page_url"); page != "" {
		cfg.Visitor.PageURL = page
	}
	return cfg
}

// persister selects where the visitor blob lives. Server-side backends key
// the blob by a visitor key cookie, minted on first contact.
func (h *Handler) persister(r *http.Request, cfg config.Config, s *session) (fieldstore.Persister, error) {
	if cfg.Store.Backend == config.StoreBackendCookie {
		return s.jar, nil
	}

	key := ""
	if c, err := r.Cookie(cfg.Store.VisitorKeyCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			key = c.Value
		}
	}
	if key == "" {
		key = uuid.NewString()
		s.visitorKey = &http.Cookie{
			Name:     cfg.Store.VisitorKeyCookie,
			Value:    key,
			Path:     "/",
			Domain:   cfg.Visitor.CookieDomain,
			Expires:  requestcontext.Now(s.ctx).Add(cfg.Store.TTL),
			HttpOnly: true,
		}
	}

	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		if h.redis == nil {
			return nil, dErrors.New(dErrors.CodeUnavailable, "redis store not configured")
		}
		return fieldstore.NewRedisPersister(h.redis, cfg.Visitor.OrgID, key, cfg.Store.TTL), nil
	case config.StoreBackendPostgres:
		if h.db == nil {
			return nil, dErrors.New(dErrors.CodeUnavailable, "postgres store not configured")
		}
		return fieldstore.NewPostgresPersister(h.db, cfg.Visitor.OrgID, key), nil
	}
	return nil, dErrors.New(dErrors.CodeInternal, fmt.Sprintf("unknown store backend %q", cfg.Store.Backend))
}

// consentFacts reads the privacy signals of the request. Clients report
// blocked cookies and explicit opt-in through query parameters.
func (h *Handler) consentFacts(r *http.Request, cfg config.Config) consent.Facts {
	q := r.URL.Query()
	privacy := requestcontext.PrivacySignals(r.Context())
	return consent.Facts{
		CookiesEnabled:       !strings.EqualFold(q.Get("cookies_enabled"), "false"),
		OptedIn:              strings.EqualFold(q.Get("opted_in"), "true"),
		GlobalPrivacyControl: privacy.GlobalPrivacyControl,
		DoNotTrack:           privacy.DoNotTrack,
		Org:                  cfg.Visitor.OrgID,
	}
}

// do runs fn on the session loop.
func (s *session) do(fn func(v *visitor.Instance)) error {
	err := s.loop.Do(s.ctx, func() { fn(s.instance) })
	return timeoutError(err)
}

// syncs snapshots the frame outbox plus the messages still queued in the
// engine.
func (s *session) syncs() (SyncsResponse, error) {
	var resp SyncsResponse
	err := s.do(func(v *visitor.Instance) {
		snap := s.outbox.Snapshot()
		engine := v.Syncs()
		resp = SyncsResponse{
			FrameID:  engine.FrameID(),
			FrameURL: engine.FrameURL(),
			Origin:   snap.Origin,
			Posted:   snap.Messages,
			Pending:  engine.Pending(),
		}
	})
	return resp, err
}

// writeCookies sets the visitor cookies on w. It must run before the body
// is written.
func (s *session) writeCookies(w http.ResponseWriter) {
	if s.visitorKey != nil {
		http.SetCookie(w, s.visitorKey)
	}
	s.jar.WriteTo(w)
}

func (s *session) close() {
	s.cancel()
	s.loop.Close()
	if s.registry != nil {
		s.registry.Close()
	}
	if s.finished != nil {
		s.finished()
	}
}

func timeoutError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, eventloop.ErrClosed):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "identity resolution timed out")
	case errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "request cancelled")
	}
	return err
}
