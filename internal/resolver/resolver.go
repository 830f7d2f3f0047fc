package resolver

import (
	"context"
	"log/slog"
	"strings"

	"visitorid/internal/fieldstore"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/eventloop"
	"visitorid/internal/transport"
)

// Group is a field group: the set of fields one backend call resolves.
type Group string

const (
	GroupCore      Group = "MC"
	GroupSecondary Group = "A"
	GroupSegment   Group = "AAM"
)

// Callback receives the resolved value of a field.
type Callback func(value string)

// Fetcher issues backend calls for field groups.
type Fetcher interface {
	transport.Fetcher
	Cancel(group string)
}

// IDSource generates locally synthesized core IDs.
type IDSource interface {
	DecimalID() string
}

// SyncSink receives backend responses that may carry ID sync instructions.
type SyncSink interface {
	ProcessIDCallData(data map[string]any)
}

// fields are the typed persisted field names.
type fields struct {
	core, secondary, locationHint, blob, optOut, customerIDHash, org fieldstore.Field
}

func fieldsFrom(n config.FieldNames) fields {
	return fields{
		core:           fieldstore.Field(n.Core),
		secondary:      fieldstore.Field(n.Secondary),
		locationHint:   fieldstore.Field(n.LocationHint),
		blob:           fieldstore.Field(n.Blob),
		optOut:         fieldstore.Field(n.OptOut),
		customerIDHash: fieldstore.Field(n.CustomerIDHash),
		org:            fieldstore.Field(n.Org),
	}
}

// Resolver resolves the visitor's identity fields from the local store and
// the identity backends. At most one backend call per field group is in
// flight; callers waiting on a field are called back exactly once when its
// group resolves.
//
// A Resolver is confined to its scheduler goroutine.
type Resolver struct {
	visitor config.Visitor
	sync    config.Sync
	fields  fields

	store   *fieldstore.Store
	fetcher Fetcher
	ids     IDSource
	sched   eventloop.Scheduler
	syncs   SyncSink

	ctx     context.Context
	logger  *slog.Logger
	metrics *Metrics

	allow       func() bool
	allowedDone bool
	allowed     bool

	readDone     bool
	legacyCookie string

	pending   map[Group]bool
	callbacks map[fieldstore.Field][]Callback
	state     callState

	use1stPartyCoreServer bool

	customerIDs     map[string]CustomerID
	customerIDOrder []string
	hashChanged     bool
	newHash         string
}

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithSyncSink forwards every top-level backend response to sink unless
// syncs are disabled.
func WithSyncSink(sink SyncSink) Option {
	return func(r *Resolver) {
		r.syncs = sink
	}
}

// WithGate sets the consent check. It is evaluated once, on first use.
func WithGate(allow func() bool) Option {
	return func(r *Resolver) {
		r.allow = allow
	}
}

// WithLegacyAnalyticsCookie supplies the s_vi cookie of first-party data
// collection, used to seed the secondary ID when none is stored.
func WithLegacyAnalyticsCookie(value string) Option {
	return func(r *Resolver) {
		r.legacyCookie = value
	}
}

// WithContext sets the context backend calls are issued under.
func WithContext(ctx context.Context) Option {
	return func(r *Resolver) {
		r.ctx = ctx
	}
}

func New(cfg config.Config, store *fieldstore.Store, fetcher Fetcher, ids IDSource, sched eventloop.Scheduler, opts ...Option) *Resolver {
	r := &Resolver{
		visitor:     cfg.Visitor,
		sync:        cfg.Sync,
		fields:      fieldsFrom(cfg.Visitor.Fields),
		store:       store,
		fetcher:     fetcher,
		ids:         ids,
		sched:       sched,
		ctx:         context.Background(),
		logger:      slog.Default(),
		allow:       func() bool { return true },
		pending:     make(map[Group]bool),
		callbacks:   make(map[fieldstore.Field][]Callback),
		state:       newCallState(),
		customerIDs: make(map[string]CustomerID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allowed reports whether identity resolution is permitted for this visitor.
func (r *Resolver) Allowed() bool {
	if !r.allowedDone {
		r.allowedDone = true
		r.allowed = r.allow()
	}
	return r.allowed
}

// Store exposes the backing field store.
func (r *Resolver) Store() *fieldstore.Store {
	return r.store
}

// readVisitor runs once per resolver, after the store has loaded, and seeds
// the secondary ID from the legacy analytics cookie.
func (r *Resolver) readVisitor() {
	if r.readDone {
		return
	}
	r.readDone = true

	trackingServer := r.visitor.TrackingServer
	if r.visitor.LoadSSL {
		trackingServer = r.visitor.TrackingServerSecure
	}
	if _, ok := r.store.Get(r.fields.secondary, false); ok || trackingServer == "" || r.legacyCookie == "" {
		return
	}

	// [CS]v1|28B7854A85160711-40000182A01D8F44[CE]
	parts := strings.Split(r.legacyCookie, "|")
	if len(parts) < 2 || !strings.Contains(parts[0], "v1") {
		return
	}
	id, _, _ := strings.Cut(parts[1], "[")
	if validVisitorID(id) {
		r.store.Set(r.fields.secondary, id)
	}
}

func (r *Resolver) groupOf(field fieldstore.Field) Group {
	switch field {
	case r.fields.core, r.fields.optOut:
		return GroupCore
	case r.fields.locationHint, r.fields.blob:
		return GroupSegment
	case r.fields.secondary:
		return GroupSecondary
	}
	return ""
}

func (r *Resolver) groupFields(group Group) []fieldstore.Field {
	switch group {
	case GroupCore:
		return []fieldstore.Field{r.fields.core, r.fields.optOut}
	case GroupSegment:
		return []fieldstore.Field{r.fields.locationHint, r.fields.blob}
	case GroupSecondary:
		return []fieldstore.Field{r.fields.secondary}
	}
	return nil
}

// nonBlocking fields are served while expired and refreshed in the background.
func (r *Resolver) nonBlocking(field fieldstore.Field) bool {
	return field == r.fields.locationHint || field == r.fields.blob
}

// firstPartySecondaryCall reports whether field is the secondary ID served
// from the organization's own tracking server.
func (r *Resolver) firstPartySecondaryCall(field fieldstore.Field) bool {
	if field != r.fields.secondary {
		return false
	}
	server := r.visitor.TrackingServer
	if r.visitor.LoadSSL {
		server = r.visitor.TrackingServerSecure
	}
	if server == "" {
		return false
	}
	return !strings.Contains(server, "2o7.net") && !strings.Contains(server, "omtrdc.net")
}
