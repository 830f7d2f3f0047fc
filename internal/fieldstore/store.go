package fieldstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const defaultPersistTimeout = 2 * time.Second

type entry struct {
	value   string
	expiry  Expiry
	expired bool
}

// Store holds the visitor's identity fields. The blob is loaded lazily on
// first access and written back after every change; concurrent writers to
// the same persisted blob resolve last write wins.
type Store struct {
	mu sync.Mutex

	persister      Persister
	session        SessionMarker
	digest         int32
	resetOnChange  Field
	now            func() time.Time
	logger         *slog.Logger
	metrics        *Metrics
	persistTimeout time.Duration

	loaded bool
	fields map[Field]*entry
	order  []Field
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithSessionMarker(marker SessionMarker) Option {
	return func(s *Store) {
		s.session = marker
	}
}

// WithResetOnDigestChange names a field whose value is discarded when the
// blob was written under different settings.
func WithResetOnDigestChange(field Field) Option {
	return func(s *Store) {
		s.resetOnChange = field
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.persistTimeout = d
	}
}

// New constructs a Store backed by persister. digest fingerprints the
// current settings and is written as the first token of every blob.
func New(persister Persister, digest int32, opts ...Option) *Store {
	s := &Store{
		persister:      persister,
		digest:         digest,
		now:            time.Now,
		logger:         slog.Default(),
		persistTimeout: defaultPersistTimeout,
		session:        NewMemorySession(false),
		fields:         make(map[Field]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value of field. Expired values are returned only when
// includeExpired is set.
func (s *Store) Get(field Field, includeExpired bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	e, ok := s.fields[field]
	if !ok || e.value == "" {
		return "", false
	}
	if !includeExpired && s.isExpired(e) {
		return "", false
	}
	return e.value, true
}

// Expired reports whether field holds a value that is past its expiry.
func (s *Store) Expired(field Field) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	e, ok := s.fields[field]
	return ok && s.isExpired(e)
}

// Set stores value and persists the blob.
func (s *Store) Set(field Field, value string) {
	s.mu.Lock()
	s.ensureLoaded()
	s.entry(field).value = value
	blob := s.encode()
	s.mu.Unlock()

	s.save(blob)
}

// SetExpiry sets field to expire ttl from now. A negative ttl expires it
// immediately; any other ttl makes it valid again until the new deadline.
// Session-scoped expiry also writes the session marker.
func (s *Store) SetExpiry(field Field, ttl time.Duration, session bool) {
	s.mu.Lock()
	s.ensureLoaded()
	e := s.entry(field)
	e.expiry = Expiry{
		At:      s.now().Add(ttl).Unix(),
		Session: session,
	}
	e.expired = ttl < 0
	blob := s.encode()
	s.mu.Unlock()

	if session && !s.session.Present() {
		s.session.Mark()
	}
	s.save(blob)
}

// GetList returns a '*' separated field as a list.
func (s *Store) GetList(field Field, includeExpired bool) []string {
	value, ok := s.Get(field, includeExpired)
	if !ok {
		return nil
	}
	return strings.Split(value, "*")
}

func (s *Store) SetList(field Field, values []string) {
	s.Set(field, strings.Join(values, "*"))
}

// GetMap decodes a list field of alternating keys and values.
func (s *Store) GetMap(field Field, includeExpired bool) map[string]string {
	list := s.GetList(field, includeExpired)
	if list == nil {
		return nil
	}
	m := make(map[string]string, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		if i+1 < len(list) {
			m[list[i]] = list[i+1]
		} else {
			m[list[i]] = ""
		}
	}
	return m
}

// SetMap writes m as alternating keys and values in keys order.
func (s *Store) SetMap(field Field, keys []string, m map[string]string) {
	list := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		list = append(list, k, m[k])
	}
	s.SetList(field, list)
}

// Entries returns the current fields in insertion order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	out := make([]Entry, 0, len(s.order))
	for _, f := range s.order {
		e := s.fields[f]
		out = append(out, Entry{Field: f, Value: e.value, Expiry: e.expiry})
	}
	return out
}

// Blob returns the encoded form of the current fields.
func (s *Store) Blob() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.encode()
}

func (s *Store) entry(field Field) *entry {
	e, ok := s.fields[field]
	if !ok {
		e = &entry{}
		s.fields[field] = e
		s.order = append(s.order, field)
	}
	return e
}

func (s *Store) isExpired(e *entry) bool {
	if e.expired {
		return true
	}
	return e.expiry.At > 0 && s.now().Unix() > e.expiry.At
}

func (s *Store) encode() string {
	entries := make([]Entry, 0, len(s.order))
	for _, f := range s.order {
		e := s.fields[f]
		entries = append(entries, Entry{Field: f, Value: e.value, Expiry: e.expiry})
	}
	return Encode(s.digest, entries)
}

func (s *Store) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true

	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	blob, err := s.persister.Load(ctx)
	if err != nil {
		s.metrics.incFailure("load")
		s.logger.Warn("failed to load visitor blob", "error", err)
		return
	}
	s.metrics.incLoad()

	digest, entries := Decode(blob)
	changed := digest.Mismatches(s.digest)
	if changed {
		s.metrics.incDigestMismatch()
	}
	now := s.now()
	for _, d := range entries {
		if changed {
			if d.Field == s.resetOnChange {
				continue
			}
			if d.Expiry.At > 0 {
				d.Expiry.At = now.Unix() - 60
			}
		}
		e := s.entry(d.Field)
		e.value = d.Value
		e.expiry = d.Expiry
		if d.Expiry.At > 0 {
			e.expired = !now.Before(time.Unix(d.Expiry.At, 0)) ||
				(d.Expiry.Session && !s.session.Present())
		}
	}
}

func (s *Store) save(blob string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := s.persister.Save(ctx, blob); err != nil {
		s.metrics.incFailure("save")
		s.logger.Warn("failed to persist visitor blob", "error", err)
		return
	}
	s.metrics.incSave()
}
