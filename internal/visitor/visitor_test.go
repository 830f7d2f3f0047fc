package visitor

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"visitorid/internal/fieldstore"
	"visitorid/internal/identity/idgen"
	"visitorid/internal/idsync"
	"visitorid/internal/platform/config"
	"visitorid/internal/platform/eventloop"
	"visitorid/internal/resolver"
	"visitorid/internal/sdid"
	"visitorid/internal/transport"
)

const testOrg = "ABC@AdobeOrg"

type fakeCall struct {
	call transport.Call
	done transport.Completion
}

// fakeFetcher records calls. With a scheduler and a payload it answers
// every call asynchronously on that scheduler.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []fakeCall
	sched   eventloop.Scheduler
	payload map[string]any
}

func (f *fakeFetcher) Fetch(_ context.Context, call transport.Call, done transport.Completion) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{call: call, done: done})
	f.mu.Unlock()
	if f.sched != nil && f.payload != nil {
		f.sched.Post(func() { done.OnSuccess(f.payload) })
	}
}

func (f *fakeFetcher) Cancel(string) {}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type InstanceSuite struct {
	suite.Suite
	cfg       config.Config
	sched     *eventloop.Virtual
	persister *fieldstore.MemoryPersister
	fetcher   *fakeFetcher
}

func TestInstanceSuite(t *testing.T) {
	suite.Run(t, new(InstanceSuite))
}

func (s *InstanceSuite) SetupTest() {
	s.cfg = config.Default(testOrg)
	s.sched = eventloop.NewVirtual(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	s.persister = fieldstore.NewMemoryPersister("")
	s.fetcher = &fakeFetcher{}
}

func (s *InstanceSuite) digest() int32 {
	return idgen.SettingsDigest(config.ProtocolVersion, s.cfg.Visitor.AudienceManagerServer, s.cfg.Visitor.AudienceManagerServerSecure)
}

func (s *InstanceSuite) seed(entries ...fieldstore.Entry) {
	s.persister = fieldstore.NewMemoryPersister(fieldstore.Encode(s.digest(), entries))
}

func (s *InstanceSuite) newInstance() *Instance {
	return New(context.Background(), s.cfg, Deps{
		Persister: s.persister,
		Session:   fieldstore.NewMemorySession(true),
		Fetcher:   s.fetcher,
		Sched:     s.sched,
		IDs:       idgen.New(rand.NewPCG(1, 2)),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (s *InstanceSuite) today() int64 {
	return idsync.Day(s.sched.Now())
}

func (s *InstanceSuite) TestStartRequestsCoreThenSegment() {
	v := s.newInstance()
	v.Start(nil)

	s.Require().Equal(1, s.fetcher.count())
	s.Equal(string(resolver.GroupCore), s.fetcher.calls[0].call.Group)
	ts, ok := v.Store().Get(fieldstore.Field(s.cfg.Visitor.Fields.IDCallTimestamp), false)
	s.True(ok)
	s.Equal(strconv.FormatInt(s.today(), 10), ts)

	s.fetcher.calls[0].done.OnSuccess(map[string]any{"d_mid": "1234"})
	s.Equal("1234", v.CoreID(nil, false))
	s.Require().Equal(2, s.fetcher.count())
	s.Equal(string(resolver.GroupSegment), s.fetcher.calls[1].call.Group)
}

func (s *InstanceSuite) TestSyncIDCallOncePerDay() {
	blob := fieldstore.Field(s.cfg.Visitor.Fields.Blob)
	future := s.sched.Now().Add(time.Hour).Unix()
	s.seed(
		fieldstore.Entry{Field: fieldstore.Field(s.cfg.Visitor.Fields.Core), Value: "1234"},
		fieldstore.Entry{Field: blob, Value: "b", Expiry: fieldstore.Expiry{At: future}},
		fieldstore.Entry{Field: fieldstore.Field(s.cfg.Visitor.Fields.IDCallTimestamp), Value: strconv.FormatInt(s.today(), 10)},
	)
	v := s.newInstance()
	v.Start(nil)
	s.False(v.Store().Expired(blob))

	s.seed(
		fieldstore.Entry{Field: fieldstore.Field(s.cfg.Visitor.Fields.Core), Value: "1234"},
		fieldstore.Entry{Field: blob, Value: "b", Expiry: fieldstore.Expiry{At: future}},
		fieldstore.Entry{Field: fieldstore.Field(s.cfg.Visitor.Fields.IDCallTimestamp), Value: strconv.FormatInt(s.today()-2, 10)},
	)
	v = s.newInstance()
	v.Start(nil)
	s.True(v.Store().Expired(blob), "sync ID call due forces a segment refresh")
}

func (s *InstanceSuite) TestMergeServerState() {
	v := s.newInstance()
	v.MergeServerState(ServerState{
		"other@AdobeOrg": {SDID: &sdid.State{Current: "IGNORED"}},
	})
	v.MergeServerState(ServerState{
		testOrg: {
			CustomerIDs: map[string]resolver.CustomerID{"crm": {ID: "abc", AuthState: resolver.AuthStateAuthenticated}},
			SDID:        &sdid.State{Current: "CUR", CurrentConsumed: map[string]bool{"A": true}},
		},
	})

	s.Equal("CUR", v.SupplementalDataID("B", false))
	s.NotEqual("CUR", v.SupplementalDataID("A", false))
	s.Equal("CUR", v.SDIDState().Last)
	s.Equal(map[string]resolver.CustomerID{"crm": {ID: "abc", AuthState: resolver.AuthStateAuthenticated}}, v.CustomerIDs())
}

func (s *InstanceSuite) TestManualSyncValidation() {
	v := s.newInstance()
	s.Equal(idsync.ErrEmptyDPID, v.SyncByURL(idsync.ManualSync{URL: "//x"}))
	s.Empty(v.Syncs().Pending())
}

func (s *InstanceSuite) TestConsentDeniedDegradesToEmpty() {
	v := New(context.Background(), s.cfg, Deps{
		Persister: s.persister,
		Fetcher:   s.fetcher,
		Sched:     s.sched,
		Allow:     func() bool { return false },
	})
	v.Start(nil)

	var got []string
	s.Empty(v.CoreID(func(id string) { got = append(got, id) }, true))
	s.Equal([]string{""}, got)
	s.Zero(s.fetcher.count())
}

// A reachable backend answers the core ID once; the second read is served
// from the store.
func TestEndToEndCoreID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loop := eventloop.New()
	go func() { _ = loop.Run(ctx) }()
	defer loop.Close()

	fetcher := &fakeFetcher{sched: loop, payload: map[string]any{"mid": "1234ABCD"}}
	persister := fieldstore.NewMemoryPersister("")

	var v *Instance
	require.NoError(t, loop.Do(ctx, func() {
		v = New(ctx, config.Default(testOrg), Deps{
			Persister: persister,
			Session:   fieldstore.NewMemorySession(true),
			Fetcher:   fetcher,
			Sched:     loop,
		})
	}))

	var calls int
	get := func(cb resolver.Callback) string {
		return v.CoreID(func(id string) {
			calls++
			cb(id)
		}, true)
	}

	id, err := Await(ctx, loop, get)
	require.NoError(t, err)
	require.Equal(t, "1234ABCD", id)
	require.Equal(t, 1, fetcher.count())

	id, err = Await(ctx, loop, get)
	require.NoError(t, err)
	require.Equal(t, "1234ABCD", id)
	require.Equal(t, 1, fetcher.count(), "second read must not call the backend")
	var seen int
	require.NoError(t, loop.Do(ctx, func() { seen = calls }))
	require.Equal(t, 2, seen, "forced callback fires on both reads")
	require.Contains(t, persister.Blob(), "MCMID|1234ABCD")
}

type inline struct{}

func (inline) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

func TestAwait(t *testing.T) {
	ctx := context.Background()

	v, err := Await(ctx, inline{}, func(resolver.Callback) string { return "cached" })
	require.NoError(t, err)
	require.Equal(t, "cached", v)

	v, err = Await(ctx, inline{}, func(cb resolver.Callback) string {
		cb("")
		return ""
	})
	require.NoError(t, err)
	require.Empty(t, v)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = Await(short, inline{}, func(resolver.Callback) string { return "" })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	all, err := AwaitAll(ctx, inline{},
		func(resolver.Callback) string { return "a" },
		func(cb resolver.Callback) string { cb("b"); return "" },
	)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, all)
}
