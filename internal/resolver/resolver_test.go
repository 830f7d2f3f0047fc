package resolver

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"visitorid/internal/fieldstore"
	"visitorid/internal/identity/idgen"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/eventloop"
	"visitorid/internal/transport"
	"visitorid/pkg/platform/urlutil"
)

const testOrg = "ABC@AdobeOrg"

type fakeCall struct {
	call transport.Call
	done transport.Completion
}

type fakeFetcher struct {
	calls     []fakeCall
	cancelled []string
}

func (f *fakeFetcher) Fetch(_ context.Context, call transport.Call, done transport.Completion) {
	f.calls = append(f.calls, fakeCall{call: call, done: done})
}

func (f *fakeFetcher) Cancel(group string) {
	f.cancelled = append(f.cancelled, group)
}

func (f *fakeFetcher) last() fakeCall {
	return f.calls[len(f.calls)-1]
}

type fakeSink struct {
	received []map[string]any
}

func (f *fakeSink) ProcessIDCallData(data map[string]any) {
	f.received = append(f.received, data)
}

type ResolverSuite struct {
	suite.Suite
	cfg       config.Config
	sched     *eventloop.Virtual
	persister *fieldstore.MemoryPersister
	store     *fieldstore.Store
	fetcher   *fakeFetcher
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

func (s *ResolverSuite) SetupTest() {
	s.cfg = config.Default(testOrg)
	s.sched = eventloop.NewVirtual(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	s.persister = fieldstore.NewMemoryPersister("")
	s.fetcher = &fakeFetcher{}
}

func (s *ResolverSuite) digest() int32 {
	return idgen.SettingsDigest(config.ProtocolVersion, s.cfg.Visitor.AudienceManagerServer, s.cfg.Visitor.AudienceManagerServerSecure)
}

// seed writes entries as the persisted blob the next resolver loads.
func (s *ResolverSuite) seed(entries ...fieldstore.Entry) {
	s.persister = fieldstore.NewMemoryPersister(fieldstore.Encode(s.digest(), entries))
}

func (s *ResolverSuite) newResolver(opts ...Option) *Resolver {
	s.store = fieldstore.New(s.persister, s.digest(),
		fieldstore.WithClock(s.sched.Now),
		fieldstore.WithSessionMarker(fieldstore.NewMemorySession(true)),
		fieldstore.WithResetOnDigestChange(fieldstore.Field(s.cfg.Visitor.Fields.CustomerIDHash)),
		fieldstore.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(s.cfg, s.store, s.fetcher, idgen.New(rand.NewPCG(7, 11)), s.sched, opts...)
}

func (s *ResolverSuite) stored(field string) string {
	v, _ := s.store.Get(fieldstore.Field(field), true)
	return v
}

type recorder struct {
	values []string
}

func (r *recorder) cb(v string) {
	r.values = append(r.values, v)
}

func (s *ResolverSuite) TestCoreIDFromBackend() {
	r := s.newResolver()
	rec := &recorder{}

	s.Equal("", r.CoreID(rec.cb, false))
	s.Require().Len(s.fetcher.calls, 1)
	call := s.fetcher.last().call
	s.Equal("MC", call.Group)
	s.Equal("d_cb", call.CallbackParam)
	s.Equal("https://dpm.demdex.net/id?d_visid_ver=1.10.0&d_fieldgroup=MC&d_rtbd=json&d_ver=2&d_orgid=ABC%40AdobeOrg&d_nsid=0", call.CORSURL)
	s.Empty(rec.values)

	s.fetcher.last().done.OnSuccess(map[string]any{"mid": "1234ABCD"})

	s.Equal([]string{"1234ABCD"}, rec.values)
	s.Equal("1234ABCD", s.stored("MCMID"))
	s.Contains(s.fetcher.cancelled, "MC")

	s.Run("second request is served locally", func() {
		again := &recorder{}
		s.Equal("1234ABCD", r.CoreID(again.cb, false))
		s.Len(s.fetcher.calls, 1)
		s.Empty(again.values)
	})

	s.Run("forced callback runs synchronously", func() {
		forced := &recorder{}
		s.Equal("1234ABCD", r.CoreID(forced.cb, true))
		s.Equal([]string{"1234ABCD"}, forced.values)
	})

	clientSide, known := r.IsClientSideCoreID()
	s.True(known)
	s.False(clientSide)
}

func (s *ResolverSuite) TestConcurrentWaitersShareOneCall() {
	r := s.newResolver()
	first, second := &recorder{}, &recorder{}

	r.CoreID(first.cb, false)
	r.CoreID(second.cb, false)
	s.Require().Len(s.fetcher.calls, 1)

	s.fetcher.last().done.OnSuccess(map[string]any{"d_mid": "77"})

	s.Equal([]string{"77"}, first.values)
	s.Equal([]string{"77"}, second.values)
}

func (s *ResolverSuite) TestCoreIDTimeoutSynthesizesID() {
	r := s.newResolver()
	rec := &recorder{}

	r.CoreID(rec.cb, false)
	s.fetcher.last().done.OnFailure(&transport.CallError{Category: transport.CategoryTimeout, Group: "MC"})

	s.Require().Len(rec.values, 1)
	s.Regexp(`^\d{38}$`, rec.values[0])
	s.Equal(rec.values[0], s.stored("MCMID"))

	timedOut, known := r.CallTimedOut(GroupCore)
	s.True(known)
	s.True(timedOut)
	clientSide, known := r.IsClientSideCoreID()
	s.True(known)
	s.True(clientSide)

	_, known = r.CallTimedOut(GroupSegment)
	s.False(known)
}

func (s *ResolverSuite) TestLateResponseAfterFallbackIsIgnored() {
	r := s.newResolver()
	r.CoreID(nil, false)
	pending := s.fetcher.last()

	pending.done.OnFailure(&transport.CallError{Category: transport.CategoryTimeout})
	generated := s.stored("MCMID")

	pending.done.OnSuccess(map[string]any{"d_mid": "99"})
	s.Equal(generated, s.stored("MCMID"))
}

func (s *ResolverSuite) TestNoBackendSettlesWithNone() {
	s.cfg.Visitor.AudienceManagerServer = ""
	r := s.newResolver()
	rec := &recorder{}

	s.Equal("", r.CoreID(rec.cb, false))
	s.Empty(s.fetcher.calls)
	s.Equal([]string{""}, rec.values)
	s.Equal(fieldstore.ValueNone, s.stored("MCMID"))

	later := &recorder{}
	s.Equal("", r.CoreID(later.cb, false))
	s.Equal([]string{""}, later.values, "confirmed absent IDs always call back")

	s.Run("dependent fields settle too", func() {
		hint := &recorder{}
		s.Equal("", r.LocationHint(hint.cb, false))
		s.Equal([]string{""}, hint.values)
	})
}

func (s *ResolverSuite) TestConsentDenied() {
	r := s.newResolver(WithGate(func() bool { return false }))
	rec := &recorder{}

	s.Equal("", r.CoreID(rec.cb, false))
	s.Empty(rec.values)

	s.Equal("", r.CoreID(rec.cb, true))
	s.Equal([]string{""}, rec.values)

	optedOut, known := r.IsOptedOut(nil, "", false)
	s.True(known)
	s.False(optedOut)
	s.Empty(s.fetcher.calls)
}

func (s *ResolverSuite) TestLocationHintWaitsForIDs() {
	r := s.newResolver()
	rec := &recorder{}

	s.Equal("", r.LocationHint(rec.cb, false))
	s.Require().Len(s.fetcher.calls, 1)
	s.Equal("MC", s.fetcher.last().call.Group)

	s.fetcher.last().done.OnSuccess(map[string]any{"d_mid": "111"})

	// Without a tracking server the secondary ID settles as absent and the
	// segment call follows.
	s.Require().Len(s.fetcher.calls, 2)
	seg := s.fetcher.last().call
	s.Equal("AAM", seg.Group)
	s.Contains(seg.CORSURL, "&d_mid=111")
	s.Equal(fieldstore.ValueNone, s.stored("MCAID"))
	s.Empty(rec.values)

	s.fetcher.last().done.OnSuccess(map[string]any{
		"d_region":    float64(9),
		"d_blob":      "blobby",
		"id_sync_ttl": float64(3600),
	})

	s.Equal([]string{"9"}, rec.values)
	s.Equal("blobby", s.stored("MCAAMB"))
	s.Equal("9", r.LocationHint(nil, false))
	s.Equal("blobby", r.Blob(nil, false))
	s.Len(s.fetcher.calls, 2)

	s.sched.Advance(3601 * time.Second)
	s.True(s.store.Expired("MCAAMLH"))
}

func (s *ResolverSuite) TestSegmentTimeoutReleasesWaiters() {
	s.seed(
		fieldstore.Entry{Field: "MCMID", Value: "111"},
		fieldstore.Entry{Field: "MCAID", Value: fieldstore.ValueNone},
	)
	r := s.newResolver()
	hint, blob := &recorder{}, &recorder{}

	r.LocationHint(hint.cb, false)
	r.Blob(blob.cb, false)
	s.Require().Len(s.fetcher.calls, 1)

	s.fetcher.last().done.OnFailure(&transport.CallError{Category: transport.CategoryTimeout})

	s.Equal([]string{""}, hint.values)
	s.Equal([]string{""}, blob.values)
	timedOut, known := r.CallTimedOut(GroupSegment)
	s.True(known)
	s.True(timedOut)
}

func (s *ResolverSuite) TestExpiredBlobServedWhileRefreshing() {
	s.seed(
		fieldstore.Entry{Field: "MCMID", Value: "111"},
		fieldstore.Entry{Field: "MCAID", Value: fieldstore.ValueNone},
		fieldstore.Entry{Field: "MCAAMB", Value: "old", Expiry: fieldstore.Expiry{At: s.sched.Now().Unix() - 100}},
	)
	r := s.newResolver()

	s.Equal("old", r.Blob(nil, false))
	s.Require().Len(s.fetcher.calls, 1)
	s.Contains(s.fetcher.last().call.CORSURL, "&d_blob=old")

	s.fetcher.last().done.OnSuccess(map[string]any{"d_blob": "new"})
	s.Equal("new", r.Blob(nil, false))
	s.Len(s.fetcher.calls, 1)
}

func (s *ResolverSuite) TestSecondaryIDFromTrackingServer() {
	s.cfg.Visitor.TrackingServer = "metrics.example.com"
	s.cfg.Visitor.TrackingServerSecure = "smetrics.example.com"
	s.seed(fieldstore.Entry{Field: "MCMID", Value: "111"})
	r := s.newResolver()
	rec := &recorder{}

	s.Equal("", r.SecondaryID(rec.cb, false))
	s.Require().Len(s.fetcher.calls, 1)
	call := s.fetcher.last().call
	s.Equal("A", call.Group)
	s.Equal("callback", call.CallbackParam)
	s.Equal("https://smetrics.example.com/id?d_visid_ver=1.10.0&d_fieldgroup=A&mcorgid=ABC%40AdobeOrg&mid=111", call.ScriptURL)

	s.fetcher.last().done.OnSuccess(map[string]any{"id": "2a3b"})

	s.Equal([]string{"2A3B"}, rec.values)
	s.True(s.store.Expired("MCAAMB"), "a new secondary ID invalidates segment data")
}

func (s *ResolverSuite) TestLegacyAnalyticsCookieSeedsSecondaryID() {
	s.cfg.Visitor.TrackingServer = "metrics.example.com"
	s.cfg.Visitor.TrackingServerSecure = "smetrics.example.com"
	s.seed(fieldstore.Entry{Field: "MCMID", Value: "111"})
	r := s.newResolver(WithLegacyAnalyticsCookie("[CS]v1|28B7854A85160711-40000182A01D8F44[CE]"))

	s.Equal("28B7854A85160711-40000182A01D8F44", r.SecondaryID(nil, false))
	s.Empty(s.fetcher.calls)
}

func (s *ResolverSuite) TestThirdPartyCallsDisabled() {
	s.cfg.Visitor.DisableThirdPartyCalls = true
	r := s.newResolver()
	rec := &recorder{}

	id := r.CoreID(rec.cb, false)
	s.Regexp(`^\d{38}$`, id)
	s.Equal([]string{id}, rec.values)
	s.Empty(s.fetcher.calls)

	secondary := &recorder{}
	s.Equal("", r.SecondaryID(secondary.cb, false))
	s.Equal([]string{""}, secondary.values)
	s.Empty(s.fetcher.calls)
}

func (s *ResolverSuite) TestOptOut() {
	s.seed(fieldstore.Entry{Field: "MCMID", Value: "111"})
	r := s.newResolver()
	var answers []bool

	optedOut, known := r.IsOptedOut(func(v bool) { answers = append(answers, v) }, "", false)
	s.False(known)
	s.False(optedOut)
	s.Require().Len(s.fetcher.calls, 1)
	s.Equal("MC", s.fetcher.last().call.Group)

	s.fetcher.last().done.OnSuccess(map[string]any{"d_optout": []any{"aa", "bb"}, "d_ottl": float64(100)})

	s.Equal([]bool{false}, answers)
	s.Equal("aa,bb", r.OptOut(nil, false))

	optedOut, known = r.IsOptedOut(nil, "bb", false)
	s.True(known)
	s.True(optedOut)

	s.sched.Advance(101 * time.Second)
	s.Equal("aa,bb", s.stored("MCOPTOUT"))
	s.True(s.store.Expired("MCOPTOUT"))
}

func (s *ResolverSuite) TestStoredOptOutIsKept() {
	s.seed(
		fieldstore.Entry{Field: "MCMID", Value: "111"},
		fieldstore.Entry{Field: "MCOPTOUT", Value: OptOutGlobal, Expiry: fieldstore.Expiry{At: s.sched.Now().Unix() + 600, Session: true}},
	)
	r := s.newResolver()

	r.Apply(GroupCore, Response{Data: map[string]any{"d_optout": []any{}}})

	s.Equal(OptOutGlobal, r.OptOut(nil, false))
}

func (s *ResolverSuite) TestCustomerIDsTriggerMapping() {
	s.seed(
		fieldstore.Entry{Field: "MCMID", Value: "111"},
		fieldstore.Entry{Field: "MCAID", Value: fieldstore.ValueNone},
	)
	r := s.newResolver()

	r.SetCustomerIDs(map[string]CustomerID{"CRM": {ID: "abc", AuthState: AuthStateAuthenticated}})
	s.Require().Len(s.fetcher.calls, 1)
	s.Equal("AAM", s.fetcher.last().call.Group)
	s.Contains(s.fetcher.last().call.CORSURL, "&d_cid_ic=CRM%01abc%011")

	s.fetcher.last().done.OnSuccess(map[string]any{"d_blob": "b"})
	s.Equal("-1407985779", s.stored("MCCIDH"))

	r.SetCustomerIDs(map[string]CustomerID{"CRM": {ID: "abc", AuthState: AuthStateAuthenticated}})
	s.Len(s.fetcher.calls, 1, "unchanged IDs are not remapped")

	s.Equal(map[string]CustomerID{"CRM": {ID: "abc", AuthState: AuthStateAuthenticated}}, r.CustomerIDs())
}

func (s *ResolverSuite) TestCustomerIDMappingErrorKeepsOldHash() {
	s.seed(
		fieldstore.Entry{Field: "MCMID", Value: "111"},
		fieldstore.Entry{Field: "MCAID", Value: fieldstore.ValueNone},
	)
	r := s.newResolver()

	r.SetCustomerIDs(map[string]CustomerID{"CRM": {ID: "abc"}})
	s.Require().Len(s.fetcher.calls, 1)
	s.fetcher.last().done.OnFailure(&transport.CallError{Category: transport.CategoryTransport})

	s.Equal("", s.stored("MCCIDH"))
}

func (s *ResolverSuite) TestManualSetKeepsStoredID() {
	s.seed(fieldstore.Entry{Field: "MCMID", Value: "111"})

	r := s.newResolver()
	r.SetCoreID("222")
	s.Equal("111", s.stored("MCMID"))

	s.cfg.Visitor.OverwriteCrossDomainIDs = true
	r = s.newResolver()
	r.SetCoreID("222")
	s.Equal("222", s.stored("MCMID"))
}

func (s *ResolverSuite) TestSyncInstructionsForwarded() {
	sink := &fakeSink{}
	r := s.newResolver(WithSyncSink(sink))

	r.CoreID(nil, false)
	payload := map[string]any{
		"d_mid":     "111",
		"d_region":  float64(6),
		"d_blob":    "bb",
		"subdomain": "dpm",
		"ibs":       []any{map[string]any{"id": "411", "url": []any{"https://sync.example/p"}}},
	}
	s.fetcher.last().done.OnSuccess(payload)

	s.Require().Len(sink.received, 1, "nested segment data is not processed twice")
	s.Equal("dpm", sink.received[0]["subdomain"])
	s.Equal("6", s.stored("MCAAMLH"))
	s.Equal("bb", s.stored("MCAAMB"))
}

func (s *ResolverSuite) TestSyncsDisabled() {
	s.cfg.Sync.DisableSyncs = true
	sink := &fakeSink{}
	r := s.newResolver(WithSyncSink(sink))

	r.CoreID(nil, false)
	s.fetcher.last().done.OnSuccess(map[string]any{"d_mid": "111", "ibs": []any{}})
	s.Empty(sink.received)
}

func (s *ResolverSuite) TestFirstPartyCoreServer() {
	s.cfg.Visitor.MarketingCloudServer = "metrics.example.com"
	s.cfg.Visitor.MarketingCloudServerSecure = "smetrics.example.com"
	r := s.newResolver()
	rec := &recorder{}

	r.CoreID(rec.cb, false)
	s.Require().Len(s.fetcher.calls, 1)
	s.Contains(s.fetcher.last().call.CORSURL, "&d_verify=1")

	// The segment endpoint could not verify; the first-party endpoint mints the ID.
	s.fetcher.last().done.OnSuccess(map[string]any{})
	s.Require().Len(s.fetcher.calls, 2)
	call := s.fetcher.last().call
	s.Equal("MC", call.Group)
	s.Equal("https://smetrics.example.com/id?d_visid_ver=1.10.0&d_fieldgroup=MC&mcorgid=ABC%40AdobeOrg", call.CORSURL)
	s.Empty(rec.values)

	s.fetcher.last().done.OnSuccess(map[string]any{"mid": "555", "id": "6AB"})
	s.Equal([]string{"555"}, rec.values)
	s.Equal("6AB", s.stored("MCAID"))
}

func (s *ResolverSuite) TestFirstPartyCoreServerAfterFailedOptOutLoad() {
	s.cfg.Visitor.MarketingCloudServer = "metrics.example.com"
	s.cfg.Visitor.MarketingCloudServerSecure = "smetrics.example.com"
	r := s.newResolver()
	core := &recorder{}
	optOut := &recorder{}

	r.OptOut(optOut.cb, false)
	s.Require().Len(s.fetcher.calls, 1)
	r.CoreID(core.cb, false)
	s.Len(s.fetcher.calls, 1, "core group is already in flight")

	s.fetcher.last().done.OnFailure(&transport.CallError{Category: transport.CategoryTimeout, Group: "MC"})

	s.Require().Len(s.fetcher.calls, 2)
	s.Contains(s.fetcher.last().call.CORSURL, "https://smetrics.example.com/id?")
	s.Empty(core.values, "core ID waits for the first-party server")
	s.Equal([]string{""}, optOut.values)

	s.fetcher.last().done.OnSuccess(map[string]any{"mid": "555"})
	s.Equal([]string{"555"}, core.values)
}

func (s *ResolverSuite) TestHandoffRoundTrip() {
	s.seed(fieldstore.Entry{Field: "MCMID", Value: "111"})
	r := s.newResolver()

	out := r.AppendVisitorIDsTo("https://b.example/landing?x=1#top")
	s.Contains(out, "https://b.example/landing?x=1&adobe_mc=")
	s.Contains(out, "#top")

	params := ParseVisitorIDsFrom(out)
	s.Equal("111", params["MCMID"])
	s.Equal(testOrg, params["MCORGID"])
	s.Equal(strconv.FormatInt(s.sched.Now().UnixMilli(), 10), params["TS"])
	s.NotContains(params, "MCAID")
}

func (s *ResolverSuite) TestPopulateFromURL() {
	handoff := func(age time.Duration, org string) string {
		value := "MCMID=222|MCAID=3ab|MCORGID=" + urlutil.EncodeComponent(org) +
			"|TS=" + strconv.FormatInt(s.sched.Now().Add(-age).UnixMilli(), 10)
		return "https://a.example/?" + HandoffParam + "=" + urlutil.EncodeComponent(value)
	}

	s.Run("fresh handoff is adopted", func() {
		s.persister = fieldstore.NewMemoryPersister("")
		r := s.newResolver()
		s.True(r.PopulateFromURL(handoff(time.Minute, testOrg)))
		s.Equal("222", s.stored("MCMID"))
		s.Equal("3AB", s.stored("MCAID"))
	})

	s.Run("stale handoff is ignored", func() {
		s.persister = fieldstore.NewMemoryPersister("")
		r := s.newResolver()
		s.False(r.PopulateFromURL(handoff(6*time.Minute, testOrg)))
		s.Equal("", s.stored("MCMID"))
	})

	s.Run("other org is ignored", func() {
		s.persister = fieldstore.NewMemoryPersister("")
		r := s.newResolver()
		s.False(r.PopulateFromURL(handoff(time.Minute, "XYZ@AdobeOrg")))
	})

	s.Run("no parameter", func() {
		r := s.newResolver()
		s.False(r.PopulateFromURL("https://a.example/?q=1"))
	})
}
