// Package visitor assembles the field store, resolver, sync engine and
// supplemental ID allocator into one visitor instance per organization.
package visitor

import (
	"context"
	"log/slog"
	"strconv"

	"visitorid/internal/fieldstore"
	"visitorid/internal/identity/idgen"
	"visitorid/internal/idsync"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/eventloop"
	"visitorid/internal/resolver"
	"visitorid/internal/sdid"
	"visitorid/internal/transport"
)

// IDSource generates core IDs and supplemental IDs.
type IDSource interface {
	DecimalID() string
	HexID() string
}

// Deps are the collaborators of an instance. Persister, Fetcher and Sched
// are required.
type Deps struct {
	Persister fieldstore.Persister
	Session   fieldstore.SessionMarker
	Fetcher   resolver.Fetcher
	Sched     eventloop.Scheduler
	IDs       IDSource

	Frames idsync.FrameHost
	Pixels idsync.PixelFirer
	Audit  idsync.AuditPublisher
	Caps   transport.Capabilities
	Hooks  idsync.Hooks

	// Allow is the consent check. Nil allows.
	Allow func() bool
	// LegacyAnalyticsCookie is the visitor's s_vi cookie, if any.
	LegacyAnalyticsCookie string

	Logger  *slog.Logger
	Metrics *Metrics
}

// Metrics bundles the collectors of every component.
type Metrics struct {
	Store    *fieldstore.Metrics
	Resolver *resolver.Metrics
	Sync     *idsync.Metrics
}

func NewMetrics() *Metrics {
	return &Metrics{
		Store:    fieldstore.NewMetrics(),
		Resolver: resolver.NewMetrics(),
		Sync:     idsync.NewMetrics(),
	}
}

// ServerState is state the embedding page hands over on startup, keyed by
// organization ID.
type ServerState map[string]OrgState

type OrgState struct {
	CustomerIDs map[string]resolver.CustomerID `json:"customerIDs,omitempty"`
	SDID        *sdid.State                    `json:"sdid,omitempty"`
}

// Instance is one organization's visitor. Every method must run on the
// scheduler goroutine of Deps.Sched.
type Instance struct {
	cfg    config.Config
	logger *slog.Logger
	sched  eventloop.Scheduler

	store    *fieldstore.Store
	resolver *resolver.Resolver
	syncs    *idsync.Engine
	sdid     *sdid.Allocator

	idCallTS fieldstore.Field
}

// New wires an instance without contacting the backend. Call Start to run
// the startup sequence.
func New(ctx context.Context, cfg config.Config, deps Deps) *Instance {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("org_id", cfg.Visitor.OrgID)
	metrics := deps.Metrics
	if metrics == nil {
		metrics = &Metrics{}
	}
	ids := deps.IDs
	if ids == nil {
		ids = idgen.New(nil)
	}
	caps := deps.Caps
	if caps == (transport.Capabilities{}) {
		caps = transport.FullCapabilities
	}

	storeOpts := []fieldstore.Option{
		fieldstore.WithLogger(logger),
		fieldstore.WithMetrics(metrics.Store),
		fieldstore.WithClock(deps.Sched.Now),
		fieldstore.WithResetOnDigestChange(fieldstore.Field(cfg.Visitor.Fields.CustomerIDHash)),
	}
	if deps.Session != nil {
		storeOpts = append(storeOpts, fieldstore.WithSessionMarker(deps.Session))
	}
	digest := idgen.SettingsDigest(config.ProtocolVersion, cfg.Visitor.AudienceManagerServer, cfg.Visitor.AudienceManagerServerSecure)
	store := fieldstore.New(deps.Persister, digest, storeOpts...)

	syncs := idsync.NewEngine(cfg.Visitor, cfg.Sync, store, deps.Sched,
		idsync.WithFrameHost(deps.Frames),
		idsync.WithPixelFirer(deps.Pixels),
		idsync.WithPublisher(deps.Audit),
		idsync.WithCapabilities(caps),
		idsync.WithHooks(deps.Hooks),
		idsync.WithLogger(logger),
		idsync.WithMetrics(metrics.Sync),
		idsync.WithContext(ctx),
	)

	resolverOpts := []resolver.Option{
		resolver.WithLogger(logger),
		resolver.WithMetrics(metrics.Resolver),
		resolver.WithSyncSink(syncs),
		resolver.WithLegacyAnalyticsCookie(deps.LegacyAnalyticsCookie),
		resolver.WithContext(ctx),
	}
	if deps.Allow != nil {
		resolverOpts = append(resolverOpts, resolver.WithGate(deps.Allow))
	}

	return &Instance{
		cfg:      cfg,
		logger:   logger,
		sched:    deps.Sched,
		store:    store,
		resolver: resolver.New(cfg, store, deps.Fetcher, ids, deps.Sched, resolverOpts...),
		syncs:    syncs,
		sdid:     sdid.New(ids),
		idCallTS: fieldstore.Field(cfg.Visitor.Fields.IDCallTimestamp),
	}
}

// Start adopts handed-off IDs from the page URL, forces a segment refresh
// when a sync ID call is due, requests the core ID and segment data, then
// merges state.
func (v *Instance) Start(state ServerState) {
	v.resolver.PopulateFromURL(v.cfg.Visitor.PageURL)

	today := idsync.Day(v.sched.Now())
	raw, known := v.store.Get(v.idCallTS, false)
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		known = false
	}
	if !v.cfg.Sync.DisableSyncs && v.syncs.CanMakeSyncIDCall(last, known, today) {
		v.store.SetExpiry(fieldstore.Field(v.cfg.Visitor.Fields.Blob), -1, false)
		v.store.Set(v.idCallTS, strconv.FormatInt(today, 10))
	}

	v.resolver.CoreID(nil, false)
	v.resolver.LocationHint(nil, false)
	v.resolver.Blob(nil, false)

	v.MergeServerState(state)
}

// MergeServerState adopts the customer IDs and supplemental ID generations
// handed over for this organization.
func (v *Instance) MergeServerState(state ServerState) {
	org, ok := state[v.cfg.Visitor.OrgID]
	if !ok {
		return
	}
	if len(org.CustomerIDs) > 0 {
		v.resolver.SetCustomerIDs(org.CustomerIDs)
	}
	if org.SDID != nil {
		v.sdid.Restore(*org.SDID)
	} else {
		v.sdid.Restore(sdid.State{})
	}
}

func (v *Instance) OrgID() string {
	return v.cfg.Visitor.OrgID
}

func (v *Instance) Config() config.Config {
	return v.cfg
}

func (v *Instance) Allowed() bool {
	return v.resolver.Allowed()
}

func (v *Instance) CoreID(cb resolver.Callback, force bool) string {
	return v.resolver.CoreID(cb, force)
}

func (v *Instance) SetCoreID(id string) {
	v.resolver.SetCoreID(id)
}

func (v *Instance) SecondaryID(cb resolver.Callback, force bool) string {
	return v.resolver.SecondaryID(cb, force)
}

func (v *Instance) SetSecondaryID(id string) {
	v.resolver.SetSecondaryID(id)
}

func (v *Instance) LocationHint(cb resolver.Callback, force bool) string {
	return v.resolver.LocationHint(cb, force)
}

func (v *Instance) Blob(cb resolver.Callback, force bool) string {
	return v.resolver.Blob(cb, force)
}

func (v *Instance) OptOut(cb resolver.Callback, force bool) string {
	return v.resolver.OptOut(cb, force)
}

func (v *Instance) IsOptedOut(cb func(bool), kind string, force bool) (optedOut, known bool) {
	return v.resolver.IsOptedOut(cb, kind, force)
}

func (v *Instance) SetCustomerIDs(ids map[string]resolver.CustomerID) {
	v.resolver.SetCustomerIDs(ids)
}

func (v *Instance) CustomerIDs() map[string]resolver.CustomerID {
	return v.resolver.CustomerIDs()
}

// AppendVisitorIDsTo adds the cross-domain handoff parameter to target.
func (v *Instance) AppendVisitorIDsTo(target string) string {
	return v.resolver.AppendVisitorIDsTo(target)
}

func (v *Instance) IsClientSideCoreID() (clientSide, known bool) {
	return v.resolver.IsClientSideCoreID()
}

func (v *Instance) CallTimedOut(group resolver.Group) (timedOut, known bool) {
	return v.resolver.CallTimedOut(group)
}

// SupplementalDataID returns the hit-stitching ID consumer should attach to
// its next event.
func (v *Instance) SupplementalDataID(consumer string, noGenerate bool) string {
	return v.sdid.Get(consumer, noGenerate)
}

func (v *Instance) SDIDState() sdid.State {
	return v.sdid.Snapshot()
}

func (v *Instance) SyncByURL(req idsync.ManualSync) string {
	return v.syncs.SyncByURL(req)
}

func (v *Instance) SyncByDataSource(req idsync.ManualSync) string {
	return v.syncs.SyncByDataSource(req)
}

// Syncs exposes the sync engine for frame and page events.
func (v *Instance) Syncs() *idsync.Engine {
	return v.syncs
}

func (v *Instance) Store() *fieldstore.Store {
	return v.store
}
