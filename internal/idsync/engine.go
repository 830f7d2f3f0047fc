// Package idsync delivers ID sync instructions from the identity backend to
// data providers, through a cross-origin sync frame or as pixels on the page.
package idsync

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"visitorid/internal/audit"
	"visitorid/internal/fieldstore"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/eventloop"
	"visitorid/internal/transport"
	"visitorid/pkg/platform/urlutil"
)

// State is the lifecycle of the sync frame.
type State int

const (
	StateNoFrame State = iota
	StateCreatingFrame
	StateFrameLoading
	StateFrameReady
)

func (s State) String() string {
	switch s {
	case StateNoFrame:
		return "no_frame"
	case StateCreatingFrame:
		return "creating_frame"
	case StateFrameLoading:
		return "frame_loading"
	case StateFrameReady:
		return "frame_ready"
	}
	return "unknown"
}

const (
	noSubdomain   = "nosubdomainreturned"
	framePrefix   = "destination_publishing_iframe_"
	daysBetweenID = 1
)

// Hooks replace or follow the engine's handling of an ID call response.
type Hooks struct {
	// OnIDCallResult, when set, receives responses instead of the engine.
	OnIDCallResult func(data map[string]any)
	// AfterIDCallResult runs after every response.
	AfterIDCallResult func(data map[string]any)
}

// AuditPublisher receives delivery events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type queued struct {
	text       string
	providerID string
}

// Engine queues sync instructions and drains them to the sync frame one
// message per tick. It is confined to its scheduler goroutine.
type Engine struct {
	cfg     config.Sync
	orgID   string
	nsid    string
	pageURL string
	loadSSL bool

	store       *fieldstore.Store
	syncs       fieldstore.Field
	syncsOnPage fieldstore.Field

	sched     eventloop.Scheduler
	frames    FrameHost
	pixels    PixelFirer
	publisher AuditPublisher
	hooks     Hooks
	caps      transport.Capabilities

	ctx     context.Context
	logger  *slog.Logger
	metrics *Metrics

	state       State
	frame       Frame
	frameFailed bool
	frameID     string
	url         string
	frameHost   string
	subdomain   string

	doAttach      bool
	windowLoaded  bool
	frameLoaded   bool
	cookieNotice  bool
	thirdParty    bool
	sending       bool
	throttleArmed bool
	interval      time.Duration

	waiting   []map[string]any
	processed int
	messages  []queued
	posted    []string
	received  []string
}

type Option func(*Engine)

func WithFrameHost(host FrameHost) Option {
	return func(e *Engine) {
		e.frames = host
	}
}

func WithPixelFirer(p PixelFirer) Option {
	return func(e *Engine) {
		e.pixels = p
	}
}

func WithPublisher(p AuditPublisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

func WithHooks(h Hooks) Option {
	return func(e *Engine) {
		e.hooks = h
	}
}

// WithCapabilities sets the browser capabilities. Without cross-frame
// messaging the legacy send intervals apply.
func WithCapabilities(c transport.Capabilities) Option {
	return func(e *Engine) {
		e.caps = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithContext(ctx context.Context) Option {
	return func(e *Engine) {
		e.ctx = ctx
	}
}

func NewEngine(visitor config.Visitor, cfg config.Sync, store *fieldstore.Store, sched eventloop.Scheduler, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		orgID:       visitor.OrgID,
		nsid:        strconv.Itoa(visitor.NamespaceID),
		pageURL:     visitor.PageURL,
		loadSSL:     visitor.LoadSSL,
		store:       store,
		syncs:       fieldstore.Field(visitor.Fields.Syncs),
		syncsOnPage: fieldstore.Field(visitor.Fields.SyncsOnPage),
		sched:       sched,
		caps:        transport.FullCapabilities,
		ctx:         context.Background(),
		logger:      slog.Default(),
		thirdParty:  true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.interval = cfg.MessageInterval
	if !e.caps.PostMessage {
		e.interval = cfg.LegacyMessageInterval
	}
	if !cfg.DisableSyncs && cfg.IframeSrc != "" {
		e.frameID = framePrefix + strconv.FormatInt(sched.Now().UnixMilli(), 10) + "_" + e.nsid
		e.frameHost = urlutil.Origin(cfg.IframeSrc)
		e.url = cfg.IframeSrc + e.frameSuffix()
	}
	return e
}

func (e *Engine) State() State {
	return e.state
}

// FrameURL is the sync frame source, empty until a subdomain is known.
func (e *Engine) FrameURL() string {
	return e.url
}

func (e *Engine) FrameID() string {
	return e.frameID
}

// Pending returns the messages waiting for the frame.
func (e *Engine) Pending() []string {
	out := make([]string, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.text
	}
	return out
}

// Posted returns the messages delivered to the frame so far.
func (e *Engine) Posted() []string {
	return append([]string(nil), e.posted...)
}

// CanSetThirdPartyCookies reports the frame's last capability reply.
func (e *Engine) CanSetThirdPartyCookies() (can, reported bool) {
	return e.thirdParty, e.cookieNotice
}

// Records returns the sync records of the frame (onPage false) or the page.
func (e *Engine) Records(onPage bool) []Record {
	field := e.syncs
	if onPage {
		field = e.syncsOnPage
	}
	v, _ := e.store.Get(field, false)
	return ParseRecords(v)
}

// CanMakeSyncIDCall reports whether a sync-specific ID call is due: forced,
// never made, or last made more than a day ago. Days are Day numbers.
func (e *Engine) CanMakeSyncIDCall(lastDay int64, known bool, today int64) bool {
	return e.cfg.ForceSyncIDCall || !known || lastDay == 0 || today-lastDay > daysBetweenID
}

func (e *Engine) frameSuffix() string {
	return "?d_nsid=" + e.nsid + "#" + urlutil.EncodeComponent(e.pageURL)
}

// frameURL builds the provider frame source for the current subdomain.
func (e *Engine) frameURL() string {
	if e.subdomain == "" {
		e.subdomain = noSubdomain
	}
	prefix := "http://fast."
	if e.loadSSL {
		prefix = "https://"
		if e.cfg.SSLUseAkamai {
			prefix = "https://fast."
		}
	}
	u := prefix + e.subdomain + ".demdex.net/dest5.html" + e.frameSuffix()
	e.frameHost = urlutil.Origin(u)
	e.frameID = framePrefix + e.subdomain + "_" + e.nsid
	return u
}

// ProcessIDCallData handles an identity backend response: it learns the
// frame subdomain, attaches the frame when there are syncs to deliver and
// queues the response's instructions.
func (e *Engine) ProcessIDCallData(data map[string]any) {
	if data == nil {
		return
	}
	sub := str(data["subdomain"])
	if e.url == "" || e.subdomain == "" || (sub != "" && e.subdomain == noSubdomain) {
		e.subdomain = sub
		if e.cfg.Subdomain != "" {
			e.subdomain = e.cfg.Subdomain
		}
		if e.cfg.IframeSrc == "" {
			e.url = e.frameURL()
		} else if e.subdomain == "" {
			e.subdomain = noSubdomain
		}
	}

	if hasInstructions(data) {
		e.doAttach = true
	}

	if e.readyToAttach() {
		if !e.cfg.AttachIframeOnWindowLoad {
			e.attachASAP()
		} else if e.windowLoaded {
			e.attach()
		}
	}

	if e.hooks.OnIDCallResult != nil {
		e.hooks.OnIDCallResult(data)
	} else {
		e.requestToProcess(data)
	}
	if e.hooks.AfterIDCallResult != nil {
		e.hooks.AfterIDCallResult(data)
	}
}

// WindowLoaded signals that the page finished loading.
func (e *Engine) WindowLoaded() {
	e.windowLoaded = true
	if e.readyToAttach() {
		e.attach()
	}
}

// FrameLoaded signals that the attached frame fired its load event.
func (e *Engine) FrameLoaded() {
	if e.state != StateFrameLoading {
		return
	}
	e.frameLoaded = true
	e.state = StateFrameReady
	e.requestToProcess(nil)
}

// ReceiveMessage handles a reply from the sync frame.
func (e *Engine) ReceiveMessage(message string) {
	reply, ok := ParseReply(message)
	if !ok {
		return
	}
	if reply.Kind == "canSetThirdPartyCookies" {
		e.thirdParty = len(reply.Fields) > 0 && reply.Fields[0] == "true"
		e.cookieNotice = true
		e.logger.Debug("sync frame cookie capability", "can_set", e.thirdParty)
		e.requestToProcess(nil)
	}
	e.received = append(e.received, message)
}

func (e *Engine) readyToAttach() bool {
	return !e.cfg.Disable3rdPartySyncing &&
		(e.doAttach || e.cfg.DoAttachIframe) &&
		e.subdomain != "" && e.subdomain != noSubdomain &&
		e.url != "" &&
		e.state == StateNoFrame && !e.frameFailed
}

func (e *Engine) attachASAP() {
	var try func()
	try = func() {
		if e.state != StateNoFrame || e.frameFailed {
			return
		}
		if e.frames == nil || e.frames.Ready() {
			e.attach()
			return
		}
		e.sched.AfterFunc(e.cfg.AttachRetryInterval, try)
	}
	try()
}

func (e *Engine) attach() {
	e.state = StateCreatingFrame
	if e.frames == nil {
		e.frameUnavailable(ErrNoFrameHost)
		return
	}
	frame, loaded, err := e.frames.Attach(e.frameID, e.url)
	if err != nil {
		e.frameUnavailable(err)
		return
	}
	e.frame = frame
	if !loaded {
		e.state = StateFrameLoading
		return
	}
	e.frameLoaded = true
	e.state = StateFrameReady
	e.requestToProcess(nil)
}

// frameUnavailable switches delivery to on-page pixels for good.
func (e *Engine) frameUnavailable(err error) {
	e.logger.Warn("sync frame unavailable, falling back to pixels", "frame_id", e.frameID, "error", err)
	e.state = StateNoFrame
	e.frameFailed = true
	e.thirdParty = false
	e.cookieNotice = true
	if len(e.messages) > 0 {
		e.logger.Info("dropping queued sync messages", "count", len(e.messages))
		e.messages = nil
	}
	e.requestToProcess(nil)
}

// requestToProcess queues payload and processes queued payloads once the
// frame can take them, then starts draining messages.
func (e *Engine) requestToProcess(payload map[string]any) {
	if payload != nil {
		e.waiting = append(e.waiting, payload)
		e.processSyncOnPage(payload)
	}

	for (e.cookieNotice || !e.caps.PostMessage || e.frameLoaded) && len(e.waiting) > 0 {
		next := e.waiting[0]
		e.waiting = e.waiting[1:]
		e.process(next)
	}

	if !e.cfg.DisableSyncs && e.frameLoaded && len(e.messages) > 0 && !e.sending {
		if !e.throttleArmed {
			e.throttleArmed = true
			e.sched.AfterFunc(e.cfg.ThrottleStart, func() {
				if e.caps.PostMessage {
					e.interval = e.cfg.MessageInterval
				} else {
					e.interval = e.cfg.ThrottledLegacyInterval
				}
			})
		}
		e.sending = true
		e.sendMessages()
	}
}

func (e *Engine) processSyncOnPage(payload map[string]any) {
	for _, in := range Instructions(payload) {
		if in.SyncOnPage {
			e.metrics.incInstruction("on_page")
			e.checkRecords(in, "", true)
		}
	}
}

func (e *Engine) process(payload map[string]any) {
	for _, in := range Instructions(payload) {
		switch {
		case in.SyncOnPage:
		case e.thirdParty:
			e.metrics.incInstruction("frame")
			e.addMessage(in.Message(), in.ProviderID)
		case in.FireURLSync:
			e.metrics.incInstruction("first_party")
			e.checkRecords(in, in.Message(), false)
		default:
			e.metrics.incInstruction("dropped")
		}
	}
	e.processed++
}

// checkRecords delivers in unless a live record says the provider was
// already synced.
func (e *Engine) checkRecords(in Instruction, message string, onPage bool) {
	field := e.syncs
	if onPage {
		field = e.syncsOnPage
	}
	today := Day(e.sched.Now())

	raw, _ := e.store.Get(field, false)
	records := ParseRecords(raw)
	if len(records) > 0 {
		var present, valid bool
		records, present, valid = Prune(records, in.ProviderID, today)
		if present && valid {
			return
		}
	}
	e.fire(onPage, in, message, records, field, today)
}

func (e *Engine) fire(onPage bool, in Instruction, message string, records []Record, field fieldstore.Field, today int64) {
	if onPage {
		if in.Tag == "img" {
			e.firePixels(in, field, today)
		}
		return
	}
	if e.frameFailed {
		e.firePixels(in, field, today)
		return
	}
	e.addMessage(message, in.ProviderID)
	e.track(records, in, field, today)
}

// firePixels requests every URL of in; each loaded pixel records the sync.
func (e *Engine) firePixels(in Instruction, field fieldstore.Field, today int64) {
	if e.pixels == nil {
		return
	}
	scheme := "http:"
	if e.loadSSL {
		scheme = "https:"
	}
	for _, u := range in.URLs {
		if strings.HasPrefix(u, "//") {
			u = scheme + u
		}
		e.metrics.incPixel(string(field))
		e.pixels.Fire(e.ctx, u, func() {
			raw, _ := e.store.Get(field, false)
			e.track(without(ParseRecords(raw), in.ProviderID), in, field, today)
			e.emit(audit.ActionPixelFired, audit.ChannelPage, in.ProviderID, u)
		})
	}
}

func (e *Engine) track(records []Record, in Instruction, field fieldstore.Field, today int64) {
	records = append(records, Record{ProviderID: in.ProviderID, ExpiryDay: expiryDay(today, in.TTLMinutes())})
	records = Trim(records, MaxRecordsLength)
	e.store.Set(field, FormatRecords(records))
}

func (e *Engine) addMessage(message, providerID string) {
	prefix := messagePrefix
	if e.cfg.EnableErrorReporting {
		prefix = debugMessagePrefix
	}
	e.messages = append(e.messages, queued{text: urlutil.EncodeComponent(prefix) + message, providerID: providerID})
	e.emit(audit.ActionMessageQueued, audit.ChannelFrame, providerID, "")
}

// sendMessages posts one message and schedules the next after the current
// interval.
func (e *Engine) sendMessages() {
	if len(e.messages) == 0 || e.frame == nil {
		e.sending = false
		return
	}
	next := e.messages[0]
	e.messages = e.messages[1:]
	if err := e.frame.Post(next.text, e.frameHost); err != nil {
		e.logger.Warn("failed to post sync message", "provider_id", next.providerID, "error", err)
	} else {
		e.posted = append(e.posted, next.text)
		e.metrics.incPosted()
		e.emit(audit.ActionMessagePosted, audit.ChannelFrame, next.providerID, "")
	}
	e.sched.AfterFunc(e.interval, e.sendMessages)
}

func (e *Engine) emit(action audit.Action, channel audit.Channel, providerID, detail string) {
	if e.publisher == nil {
		return
	}
	err := e.publisher.Emit(e.ctx, audit.Event{
		Timestamp:  e.sched.Now(),
		OrgID:      e.orgID,
		ProviderID: providerID,
		Action:     action,
		Channel:    channel,
		Detail:     detail,
	})
	if err != nil {
		e.logger.Debug("sync audit event dropped", "action", action, "error", err)
	}
}
