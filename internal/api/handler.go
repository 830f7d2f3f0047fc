// Package api exposes visitor identity resolution over HTTP. Every request
// runs its own visitor instance against the caller's cookies.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"

	"visitorid/internal/consent"
	"visitorid/internal/idsync"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/metrics"
	"visitorid/internal/resolver"
	"visitorid/internal/transport"
	"visitorid/internal/visitor"
	dErrors "visitorid/pkg/domain-errors"
	"visitorid/pkg/platform/httputil"
	"visitorid/pkg/requestcontext"
)

// Handler wires the visitor endpoints to per-request visitor instances.
type Handler struct {
	cfg     config.Config
	gate    *consent.Gate
	logger  *slog.Logger
	metrics *metrics.Metrics

	client           *http.Client
	redis            *goredis.Client
	db               *sql.DB
	audit            idsync.AuditPublisher
	visitorMetrics   *visitor.Metrics
	transportMetrics *transport.Metrics
}

type Option func(*Handler)

func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) {
		h.client = client
	}
}

// WithRedis backs the redis store.
func WithRedis(client *goredis.Client) Option {
	return func(h *Handler) {
		h.redis = client
	}
}

// WithPostgres backs the postgres store.
func WithPostgres(db *sql.DB) Option {
	return func(h *Handler) {
		h.db = db
	}
}

func WithAuditPublisher(p idsync.AuditPublisher) Option {
	return func(h *Handler) {
		h.audit = p
	}
}

func WithVisitorMetrics(m *visitor.Metrics) Option {
	return func(h *Handler) {
		h.visitorMetrics = m
	}
}

func WithTransportMetrics(m *transport.Metrics) Option {
	return func(h *Handler) {
		h.transportMetrics = m
	}
}

// New constructs the visitor handler with its dependencies.
func New(cfg config.Config, gate *consent.Gate, logger *slog.Logger, metrics *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		cfg:     cfg,
		gate:    gate,
		logger:  logger,
		metrics: metrics,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the visitor endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/visitor/ids", h.HandleIDs)
	r.Post("/visitor/customer-ids", h.HandleCustomerIDs)
	r.Post("/visitor/syncs/url", h.HandleURLSync)
	r.Post("/visitor/syncs/datasource", h.HandleDataSourceSync)
	r.Get("/visitor/handoff", h.HandleHandoff)
	r.Post("/visitor/sdid", h.HandleSDID)
}

// HandleIDs handles GET /visitor/ids requests.
func (h *Handler) HandleIDs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	s, err := h.open(r, nil)
	if err != nil {
		h.fail(ctx, w, "visitor startup failed", requestID, err)
		return
	}
	defer s.close()

	resp, err := h.resolveIDs(s)
	if err != nil {
		h.fail(ctx, w, "identity resolution failed", requestID, err)
		return
	}

	h.logger.InfoContext(ctx, "visitor ids resolved",
		"request_id", requestID,
		"org_id", resp.OrgID,
		"syncs_pending", len(resp.Syncs.Pending),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.writeCookies(w)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleCustomerIDs handles POST /visitor/customer-ids requests. A changed
// set of customer IDs refreshes the segment data before the response.
func (h *Handler) HandleCustomerIDs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[CustomerIDsRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	s, err := h.open(r, nil)
	if err != nil {
		h.fail(ctx, w, "visitor startup failed", requestID, err)
		return
	}
	defer s.close()

	if err := s.do(func(v *visitor.Instance) { v.SetCustomerIDs(req.Parsed()) }); err != nil {
		h.fail(ctx, w, "set customer ids failed", requestID, err)
		return
	}
	resp, err := h.resolveIDs(s)
	if err != nil {
		h.fail(ctx, w, "identity resolution failed", requestID, err)
		return
	}

	h.logger.InfoContext(ctx, "customer ids set",
		"request_id", requestID,
		"org_id", resp.OrgID,
		"count", len(req.Parsed()),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.writeCookies(w)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleURLSync handles POST /visitor/syncs/url requests.
func (h *Handler) HandleURLSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[URLSyncRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	h.manualSync(w, r, requestID, req.Manual(), (*visitor.Instance).SyncByURL)
}

// HandleDataSourceSync handles POST /visitor/syncs/datasource requests.
func (h *Handler) HandleDataSourceSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[DataSourceSyncRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	h.manualSync(w, r, requestID, req.Manual(), (*visitor.Instance).SyncByDataSource)
}

func (h *Handler) manualSync(w http.ResponseWriter, r *http.Request, requestID string, req idsync.ManualSync, sync func(*visitor.Instance, idsync.ManualSync) string) {
	ctx := r.Context()
	start := time.Now()

	s, err := h.open(r, nil)
	if err != nil {
		h.fail(ctx, w, "visitor startup failed", requestID, err)
		return
	}
	defer s.close()

	var status string
	if err := s.do(func(v *visitor.Instance) { status = sync(v, req) }); err != nil {
		h.fail(ctx, w, "manual sync failed", requestID, err)
		return
	}
	s.writeCookies(w)
	if status != idsync.ManualQueued {
		h.logger.WarnContext(ctx, "manual sync rejected",
			"request_id", requestID,
			"dpid", req.DPID,
			"reason", status,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, status))
		return
	}

	syncs, err := s.syncs()
	if err != nil {
		h.fail(ctx, w, "manual sync failed", requestID, err)
		return
	}
	h.logger.InfoContext(ctx, "manual sync queued",
		"request_id", requestID,
		"dpid", req.DPID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusAccepted, ManualSyncResponse{Status: status, Syncs: syncs})
}

// HandleHandoff handles GET /visitor/handoff?url= requests. It resolves the
// core ID first so the handoff carries it.
func (h *Handler) HandleHandoff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	target, err := parseHandoffTarget(r.URL.Query().Get("url"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	s, err := h.open(r, nil)
	if err != nil {
		h.fail(ctx, w, "visitor startup failed", requestID, err)
		return
	}
	defer s.close()

	if _, err := visitor.Await(s.ctx, s.loop, func(cb resolver.Callback) string {
		return s.instance.CoreID(cb, true)
	}); err != nil {
		h.fail(ctx, w, "identity resolution failed", requestID, timeoutError(err))
		return
	}
	var out string
	if err := s.do(func(v *visitor.Instance) { out = v.AppendVisitorIDsTo(target) }); err != nil {
		h.fail(ctx, w, "handoff failed", requestID, err)
		return
	}

	s.writeCookies(w)
	httputil.WriteJSON(w, http.StatusOK, HandoffResponse{URL: out})
}

// HandleSDID handles POST /visitor/sdid requests.
func (h *Handler) HandleSDID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[SDIDRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	var state visitor.ServerState
	if req.State != nil {
		state = visitor.ServerState{h.cfg.Visitor.OrgID: {SDID: req.State}}
	}
	s, err := h.open(r, state)
	if err != nil {
		h.fail(ctx, w, "visitor startup failed", requestID, err)
		return
	}
	defer s.close()

	var resp SDIDResponse
	if err := s.do(func(v *visitor.Instance) {
		resp.SDID = v.SupplementalDataID(req.Consumer, req.NoGenerate)
		resp.State = v.SDIDState()
	}); err != nil {
		h.fail(ctx, w, "supplemental id failed", requestID, err)
		return
	}

	h.logger.DebugContext(ctx, "supplemental id allocated",
		"request_id", requestID,
		"consumer", req.Consumer,
		"issued", resp.SDID != "",
	)
	s.writeCookies(w)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleHealth reports whether the configured store backend is reachable.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var err error
	switch {
	case h.redis != nil:
		err = h.redis.Ping(ctx).Err()
	case h.db != nil:
		err = h.db.PingContext(ctx)
	}
	if err != nil {
		h.logger.WarnContext(ctx, "health check failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "store unreachable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveIDs waits for every identity field and snapshots the syncs.
func (h *Handler) resolveIDs(s *session) (IDsResponse, error) {
	v := s.instance
	vals, err := visitor.AwaitAll(s.ctx, s.loop,
		func(cb resolver.Callback) string { return v.CoreID(cb, true) },
		func(cb resolver.Callback) string { return v.SecondaryID(cb, true) },
		func(cb resolver.Callback) string { return v.LocationHint(cb, true) },
		func(cb resolver.Callback) string { return v.Blob(cb, true) },
		func(cb resolver.Callback) string { return v.OptOut(cb, true) },
	)
	if err != nil {
		return IDsResponse{}, timeoutError(err)
	}

	resp := IDsResponse{
		OrgID:        v.OrgID(),
		MID:          vals[0],
		AID:          vals[1],
		LocationHint: vals[2],
		Blob:         vals[3],
		OptOut:       vals[4],
	}
	if err := s.do(func(v *visitor.Instance) { resp.CustomerIDs = fromCustomerIDs(v.CustomerIDs()) }); err != nil {
		return IDsResponse{}, err
	}
	if resp.Syncs, err = s.syncs(); err != nil {
		return IDsResponse{}, err
	}
	return resp, nil
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg, requestID string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", requestID,
		"error", err,
	)
	httputil.WriteError(w, err)
}
