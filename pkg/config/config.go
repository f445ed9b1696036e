// Package config loads the layered YAML and environment configuration into typed settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/devinshawntripp/pbnsupplyscripts/pkg/db"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/lock"
	"github.com/devinshawntripp/pbnsupplyscripts/pkg/poller"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
)

// EnvPrefix marks environment variables that override configuration keys
const EnvPrefix = "EXPIRYWATCH_"

// Error is an invalid or missing setting. Nothing is looked up until the configuration is valid.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

type DB struct {
	Engine   string
	URI      string
	MaxConns int32
}

type Lookup struct {
	RDAP    bool
	Whois   bool
	Timeout time.Duration
}

type API struct {
	Listen          string
	BasePath        string
	BasePathAdmin   string
	TLS             bool
	TLSCert         string
	TLSKey          string
	AuthMethodAPI   string
	AuthUsersAPI    map[string]string
	AuthMethodAdmin string
	AuthUsersAdmin  map[string]string
	RPS             float64
}

type Lock struct {
	Enabled  bool
	RedisURL string
	Key      string
	TTL      time.Duration
}

type Events struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type Enrich struct {
	Timeout    time.Duration
	Snapshots  int
	WaybackURL string
}

// Config is the full, typed configuration
type Config struct {
	DB     DB
	Lookup Lookup
	Poller poller.Options
	API    API
	Lock   Lock
	Events Events
	Enrich Enrich
}

// Load layers the embedded defaults, the YAML file at path (skipped when empty) and the
// environment, in that order
func Load(defaults []byte, path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	// load the defaults first, so if the config file is missing some values, we can fall back to the defaults
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	if url := os.Getenv("DATABASE_URL"); url != "" && os.Getenv(EnvPrefix+"DB__URI") == "" && k.String("db.engine") == db.EnginePostgres {
		if err := k.Load(confmap.Provider(map[string]interface{}{"db.uri": url}, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to apply DATABASE_URL: %w", err)
		}
	}
	return k, nil
}

// envKey maps EXPIRYWATCH_POLLER__BATCH_SIZE to poller.batch_size
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// New reads the typed configuration out of k and validates it
func New(k *koanf.Koanf) (Config, error) {
	dbConf := k.Cut("db")
	lookupConf := k.Cut("lookup")
	pollerConf := k.Cut("poller")
	apiConf := k.Cut("api")
	lockConf := k.Cut("lock")
	eventsConf := k.Cut("events")
	enrichConf := k.Cut("enrich")

	c := Config{
		DB: DB{
			Engine:   dbConf.String("engine"),
			URI:      dbConf.String("uri"),
			MaxConns: int32(dbConf.Int("max_conns")),
		},
		Lookup: Lookup{
			RDAP:    lookupConf.Bool("rdap"),
			Whois:   lookupConf.Bool("whois"),
			Timeout: lookupConf.Duration("timeout"),
		},
		Poller: poller.Options{
			Workers:              pollerConf.Int("workers"),
			BatchSize:            pollerConf.Int("batch_size"),
			MinSpacing:           pollerConf.Duration("min_spacing"),
			Deadline:             pollerConf.Duration("deadline"),
			Freshness:            pollerConf.Duration("freshness"),
			Horizon:              pollerConf.Duration("horizon"),
			NearExpiryDays:       pollerConf.Int("near_expiry_days"),
			Direct:               pollerConf.Bool("direct"),
			ContinueOnStoreError: pollerConf.Bool("continue_on_store_error"),
		},
		API: API{
			Listen:          apiConf.String("listen"),
			BasePath:        apiConf.String("base_path_api"),
			BasePathAdmin:   apiConf.String("base_path_admin"),
			TLS:             apiConf.Bool("tls_enabled"),
			TLSCert:         apiConf.String("tls_cert"),
			TLSKey:          apiConf.String("tls_key"),
			AuthMethodAPI:   apiConf.String("auth_method_api"),
			AuthUsersAPI:    apiConf.StringMap("auth_users_api"),
			AuthMethodAdmin: apiConf.String("auth_method_admin"),
			AuthUsersAdmin:  apiConf.StringMap("auth_users_admin"),
			RPS:             apiConf.Float64("rps"),
		},
		Lock: Lock{
			Enabled:  lockConf.Bool("enabled"),
			RedisURL: lockConf.String("redis_url"),
			Key:      lockConf.String("key"),
			TTL:      lockConf.Duration("ttl"),
		},
		Events: Events{
			Enabled: eventsConf.Bool("enabled"),
			Brokers: stringList(eventsConf, "brokers"),
			Topic:   eventsConf.String("topic"),
		},
		Enrich: Enrich{
			Timeout:    enrichConf.Duration("timeout"),
			Snapshots:  enrichConf.Int("snapshots"),
			WaybackURL: enrichConf.String("wayback_url"),
		},
	}
	c.Poller.LookupTimeout = c.Lookup.Timeout
	return c, c.Validate()
}

// stringList accepts both YAML lists and comma separated environment values
func stringList(k *koanf.Koanf, key string) []string {
	var in []string
	if s, ok := k.Get(key).(string); ok {
		in = []string{s}
	} else {
		in = k.Strings(key)
	}
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error
	bad := func(key, reason string) { errs = append(errs, &Error{Key: key, Reason: reason}) }

	switch c.DB.Engine {
	case db.EnginePebble, db.EnginePostgres:
	default:
		bad("db.engine", fmt.Sprintf("unsupported engine %q", c.DB.Engine))
	}
	if c.DB.URI == "" {
		bad("db.uri", "must be set")
	}
	if c.DB.MaxConns < 0 {
		bad("db.max_conns", "must not be negative")
	}
	if !c.Lookup.RDAP && !c.Lookup.Whois {
		bad("lookup", "at least one of rdap and whois must be enabled")
	}
	if c.Lookup.Timeout <= 0 {
		bad("lookup.timeout", "must be positive")
	}
	if c.Poller.Workers < 1 {
		bad("poller.workers", "must be at least 1")
	}
	if c.Poller.BatchSize < 1 {
		bad("poller.batch_size", "must be at least 1")
	}
	if c.Poller.MinSpacing < 0 {
		bad("poller.min_spacing", "must not be negative")
	}
	if c.Poller.Deadline < 0 {
		bad("poller.deadline", "must not be negative")
	}
	if c.Poller.Freshness <= 0 {
		bad("poller.freshness", "must be positive")
	}
	if c.Poller.Horizon <= 0 {
		bad("poller.horizon", "must be positive")
	}
	if c.Poller.NearExpiryDays < 1 {
		bad("poller.near_expiry_days", "must be at least 1")
	}
	for key, method := range map[string]string{
		"api.auth_method_api":   c.API.AuthMethodAPI,
		"api.auth_method_admin": c.API.AuthMethodAdmin,
	} {
		if method != "none" && method != "basic" {
			bad(key, fmt.Sprintf("unknown auth method %q", method))
		}
	}
	if c.API.RPS <= 0 {
		bad("api.rps", "must be positive")
	}
	if c.API.TLS && (c.API.TLSCert == "" || c.API.TLSKey == "") {
		bad("api.tls_cert", "tls_cert and tls_key are required with tls_enabled")
	}
	if c.Lock.Enabled {
		if c.Lock.RedisURL == "" {
			bad("lock.redis_url", "must be set when the lock is enabled")
		}
		if c.Lock.TTL < lock.MinTTL {
			bad("lock.ttl", fmt.Sprintf("must be at least %s", lock.MinTTL))
		}
	}
	if c.Events.Enabled && (len(c.Events.Brokers) == 0 || c.Events.Topic == "") {
		bad("events", "brokers and topic are required when events are enabled")
	}
	if c.Enrich.Snapshots < 0 {
		bad("enrich.snapshots", "must not be negative")
	}
	return errors.Join(errs...)
}
