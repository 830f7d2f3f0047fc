package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	listutil "visitorid/pkg/platform/strings"
)

// ProtocolVersion is sent to the identity backends as d_visid_ver and feeds
// the settings digest.
const ProtocolVersion = "1.10.0"

const (
	StoreBackendCookie   = "cookie"
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
)

// Config is the immutable configuration of a visitor identity deployment.
type Config struct {
	Server   Server
	Log      Log
	Visitor  Visitor
	Sync     Sync
	Store    Store
	Redis    RedisConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ResolveTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type Log struct {
	Level  string
	Format string
}

// Visitor configures identity resolution for one organization.
type Visitor struct {
	OrgID       string
	NamespaceID int
	PageURL     string
	LoadSSL     bool
	LoadTimeout time.Duration
	UseCORSOnly bool

	TrackingServer              string
	TrackingServerSecure        string
	MarketingCloudServer        string
	MarketingCloudServerSecure  string
	AudienceManagerServer       string
	AudienceManagerServerSecure string

	DisableThirdPartyCalls  bool
	OverwriteCrossDomainIDs bool
	ConsentRule             string

	CookieDomain   string
	CookieLifetime string

	Fields FieldNames
}

// FieldNames are the persisted names of the identity fields.
type FieldNames struct {
	Core            string
	Secondary       string
	LocationHint    string
	Blob            string
	OptOut          string
	CustomerIDHash  string
	Syncs           string
	SyncsOnPage     string
	IDCallTimestamp string
	Org             string
}

// Sync configures the cross-domain ID sync engine.
type Sync struct {
	DisableSyncs             bool
	Disable3rdPartySyncing   bool
	AttachIframeOnWindowLoad bool
	DoAttachIframe           bool
	SSLUseAkamai             bool
	IframeSrc                string
	Subdomain                string
	EnableErrorReporting     bool
	ForceSyncIDCall          bool

	MessageInterval         time.Duration
	LegacyMessageInterval   time.Duration
	ThrottledLegacyInterval time.Duration
	ThrottleStart           time.Duration
	AttachRetryInterval     time.Duration
}

// Store selects where visitor blobs are persisted.
type Store struct {
	Backend          string
	VisitorKeyCookie string
	TTL              time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// DefaultFieldNames returns the standard persisted field names.
func DefaultFieldNames() FieldNames {
	return FieldNames{
		Core:            "MCMID",
		Secondary:       "MCAID",
		LocationHint:    "MCAAMLH",
		Blob:            "MCAAMB",
		OptOut:          "MCOPTOUT",
		CustomerIDHash:  "MCCIDH",
		Syncs:           "MCSYNCS",
		SyncsOnPage:     "MCSYNCSOP",
		IDCallTimestamp: "MCIDTS",
		Org:             "MCORGID",
	}
}

// Default returns a configuration for org with every knob at its default.
func Default(org string) Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ResolveTimeout:  5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: Log{Level: "info", Format: "json"},
		Visitor: Visitor{
			OrgID:                 NormalizeOrgID(org),
			LoadSSL:               true,
			LoadTimeout:           30 * time.Second,
			MarketingCloudServer:  "dpm.demdex.net",
			AudienceManagerServer: "dpm.demdex.net",
			ConsentRule:           "cookiesEnabled",
			Fields:                DefaultFieldNames(),
		},
		Sync: Sync{
			MessageInterval:         15 * time.Millisecond,
			LegacyMessageInterval:   100 * time.Millisecond,
			ThrottledLegacyInterval: 150 * time.Millisecond,
			ThrottleStart:           30 * time.Second,
			AttachRetryInterval:     30 * time.Millisecond,
		},
		Store: Store{
			Backend:          StoreBackendCookie,
			VisitorKeyCookie: "visitorid_key",
			TTL:              2 * 365 * 24 * time.Hour,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Kafka: KafkaConfig{Topic: "visitorid.sync-deliveries"},
	}
}

// NormalizeOrgID appends the @AdobeOrg suffix to bare organization ids.
func NormalizeOrgID(org string) string {
	if org == "" || strings.Contains(org, "@") {
		return org
	}
	return org + "@AdobeOrg"
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Visitor.OrgID == "" {
		errs = append(errs, errors.New("visitor.org_id is required"))
	}
	if c.Visitor.LoadTimeout <= 0 {
		errs = append(errs, errors.New("visitor.load_timeout must be positive"))
	}
	switch c.Store.Backend {
	case StoreBackendCookie:
	case StoreBackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis store"))
		}
	case StoreBackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}

// Load builds a Config from v. Keys come from an optional config file, then
// VISITORID_* environment variables, over the defaults.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("VISITORID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Default(v.GetString("visitor.org_id"))
	setDefaults(v, cfg)

	cfg.Server = Server{
		Addr:            v.GetString("server.addr"),
		ResolveTimeout:  v.GetDuration("server.resolve_timeout"),
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
	}
	cfg.Log = Log{Level: v.GetString("log.level"), Format: v.GetString("log.format")}

	cfg.Visitor.NamespaceID = v.GetInt("visitor.namespace_id")
	cfg.Visitor.PageURL = v.GetString("visitor.page_url")
	cfg.Visitor.LoadSSL = v.GetBool("visitor.load_ssl")
	cfg.Visitor.LoadTimeout = v.GetDuration("visitor.load_timeout")
	cfg.Visitor.UseCORSOnly = v.GetBool("visitor.use_cors_only")
	cfg.Visitor.TrackingServer = v.GetString("visitor.tracking_server")
	cfg.Visitor.TrackingServerSecure = v.GetString("visitor.tracking_server_secure")
	cfg.Visitor.MarketingCloudServer = v.GetString("visitor.marketing_cloud_server")
	cfg.Visitor.MarketingCloudServerSecure = v.GetString("visitor.marketing_cloud_server_secure")
	cfg.Visitor.AudienceManagerServer = v.GetString("visitor.audience_manager_server")
	cfg.Visitor.AudienceManagerServerSecure = v.GetString("visitor.audience_manager_server_secure")
	cfg.Visitor.DisableThirdPartyCalls = v.GetBool("visitor.disable_third_party_calls")
	cfg.Visitor.OverwriteCrossDomainIDs = v.GetBool("visitor.overwrite_cross_domain_ids")
	cfg.Visitor.ConsentRule = v.GetString("visitor.consent_rule")
	cfg.Visitor.CookieDomain = v.GetString("visitor.cookie_domain")
	cfg.Visitor.CookieLifetime = v.GetString("visitor.cookie_lifetime")

	cfg.Sync.DisableSyncs = v.GetBool("sync.disable_syncs")
	cfg.Sync.Disable3rdPartySyncing = v.GetBool("sync.disable_third_party_syncing")
	cfg.Sync.AttachIframeOnWindowLoad = v.GetBool("sync.attach_iframe_on_window_load")
	cfg.Sync.DoAttachIframe = v.GetBool("sync.do_attach_iframe")
	cfg.Sync.SSLUseAkamai = v.GetBool("sync.ssl_use_akamai")
	cfg.Sync.IframeSrc = v.GetString("sync.iframe_src")
	cfg.Sync.Subdomain = v.GetString("sync.subdomain")
	cfg.Sync.EnableErrorReporting = v.GetBool("sync.enable_error_reporting")
	cfg.Sync.ForceSyncIDCall = v.GetBool("sync.force_sync_id_call")

	cfg.Store = Store{
		Backend:          v.GetString("store.backend"),
		VisitorKeyCookie: v.GetString("store.visitor_key_cookie"),
		TTL:              v.GetDuration("store.ttl"),
	}
	cfg.Redis.URL = v.GetString("redis.url")
	cfg.Postgres.DSN = v.GetString("postgres.dsn")
	cfg.Kafka = KafkaConfig{
		Brokers: splitList(v.GetStringSlice("kafka.brokers")),
		Topic:   v.GetString("kafka.topic"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList accepts both list values and a single comma separated string.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.Split(v, ",")...)
	}
	return listutil.DedupeAndTrim(out)
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.resolve_timeout", d.Server.ResolveTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("visitor.load_ssl", d.Visitor.LoadSSL)
	v.SetDefault("visitor.load_timeout", d.Visitor.LoadTimeout)
	v.SetDefault("visitor.marketing_cloud_server", d.Visitor.MarketingCloudServer)
	v.SetDefault("visitor.audience_manager_server", d.Visitor.AudienceManagerServer)
	v.SetDefault("visitor.consent_rule", d.Visitor.ConsentRule)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.visitor_key_cookie", d.Store.VisitorKeyCookie)
	v.SetDefault("store.ttl", d.Store.TTL)
	v.SetDefault("kafka.topic", d.Kafka.Topic)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"visitor.org_id", "visitor.namespace_id", "visitor.page_url", "visitor.use_cors_only",
		"visitor.tracking_server", "visitor.tracking_server_secure",
		"visitor.marketing_cloud_server_secure", "visitor.audience_manager_server_secure",
		"visitor.disable_third_party_calls", "visitor.overwrite_cross_domain_ids",
		"visitor.cookie_domain", "visitor.cookie_lifetime",
		"sync.disable_syncs", "sync.disable_third_party_syncing", "sync.attach_iframe_on_window_load",
		"sync.do_attach_iframe", "sync.ssl_use_akamai", "sync.iframe_src", "sync.subdomain",
		"sync.enable_error_reporting", "sync.force_sync_id_call",
		"redis.url", "postgres.dsn", "kafka.brokers",
	} {
		_ = v.BindEnv(key)
	}
}
