/*
Package config loads the settings of the cache service.

Settings are layered, later layers winning:
 1. Defaults from Default()
 2. An optional YAML file
 3. Environment variables prefixed with CLIENTCACHE_

Nested keys are separated by a double underscore in the environment:
CLIENTCACHE_CACHES__USERS__TTL=10m sets caches.users.ttl.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/eviction"
	"github.com/krisalay/client-cache/expiration"
	"github.com/krisalay/client-cache/facade"
	"github.com/krisalay/client-cache/logging"
	"github.com/krisalay/client-cache/writepolicy"
)

// EnvPrefix marks the environment variables Load reads.
const EnvPrefix = "CLIENTCACHE_"

type Config struct {
	Logging     logging.Config    `koanf:"logging"`
	Store       StoreConfig       `koanf:"store"`
	Caches      CachesConfig      `koanf:"caches"`
	Batch       BatchConfig       `koanf:"batch"`
	Connections ConnectionsConfig `koanf:"connections"`
	Facades     FacadesConfig     `koanf:"facades"`
	Janitor     JanitorConfig     `koanf:"janitor"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	HTTP        HTTPConfig        `koanf:"http"`
}

type StoreConfig struct {
	// Driver is memory or badger.
	Driver string `koanf:"driver" validate:"oneof=memory badger"`

	// Path is the badger data directory. Empty keeps badger in memory.
	Path string `koanf:"path"`

	Breaker BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	Enabled             bool          `koanf:"enabled"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures" validate:"required_if=Enabled true"`
	MaxRequests         uint32        `koanf:"max_requests"`
	Interval            time.Duration `koanf:"interval" validate:"gte=0"`
	Timeout             time.Duration `koanf:"timeout" validate:"gte=0"`
}

// CacheConfig sizes one facade cache.
type CacheConfig struct {
	TTL     time.Duration `koanf:"ttl" validate:"gt=0"`
	MaxSize int           `koanf:"max_size" validate:"gt=0"`

	// Policy picks the eviction order: write or access.
	Policy string `koanf:"policy" validate:"omitempty,oneof=write access"`

	// Expiration counts the TTL from the last write or the last read.
	Expiration string `koanf:"expiration" validate:"omitempty,oneof=write access"`
}

type CachesConfig struct {
	Users         CacheConfig `koanf:"users"`
	Groups        CacheConfig `koanf:"groups"`
	HotSpots      CacheConfig `koanf:"hotspots"`
	Posts         CacheConfig `koanf:"posts"`
	Notifications CacheConfig `koanf:"notifications"`
	Hashtags      CacheConfig `koanf:"hashtags"`
}

type BatchConfig struct {
	// WriteThrough sends every mutation to the store right away instead of batching.
	WriteThrough      bool          `koanf:"write_through"`
	Delay             time.Duration `koanf:"delay" validate:"gt=0"`
	MaxBatchSize      int           `koanf:"max_batch_size" validate:"gt=0,lte=500"`
	MaxParallelScopes int           `koanf:"max_parallel_scopes" validate:"gte=0"`
	FlushTimeout      time.Duration `koanf:"flush_timeout" validate:"gt=0"`
}

type ConnectionsConfig struct {
	Max             int           `koanf:"max" validate:"gt=0"`
	InactiveTimeout time.Duration `koanf:"inactive_timeout" validate:"gt=0"`
	SweepInterval   time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	SubscribeRate   float64       `koanf:"subscribe_rate" validate:"gte=0"`
	SubscribeBurst  int           `koanf:"subscribe_burst" validate:"gte=0"`
}

type FacadesConfig struct {
	// ChunkSize caps the ids in one "in" query.
	ChunkSize int `koanf:"chunk_size" validate:"gt=0,lte=10"`

	HotSpotsCeiling     int `koanf:"hotspots_ceiling" validate:"gte=0"`
	PostsFactor         int `koanf:"posts_factor" validate:"gte=0"`
	NotificationsFactor int `koanf:"notifications_factor" validate:"gte=0"`
}

type JanitorConfig struct {
	// Interval between eager purges of expired entries.
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Namespace string `koanf:"namespace" validate:"required_if=Enabled true"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr" validate:"required_if=Enabled true"`
}

func Default() Config {
	cache := func(c facade.CacheConfig) CacheConfig {
		return CacheConfig{TTL: c.TTL, MaxSize: c.MaxSize, Policy: string(eviction.WriteTime), Expiration: string(expiration.AfterWrite)}
	}
	conns := connmgr.DefaultConfig()
	batch := writepolicy.DefaultWriteBackConfig()

	return Config{
		Logging: logging.DefaultConfig(),
		Store: StoreConfig{
			Driver: "memory",
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				MaxRequests:         1,
				Timeout:             30 * time.Second,
			},
		},
		Caches: CachesConfig{
			Users:         cache(facade.DefaultUsersCache),
			Groups:        cache(facade.DefaultGroupsCache),
			HotSpots:      cache(facade.DefaultHotSpotsCache),
			Posts:         cache(facade.DefaultPostsCache),
			Notifications: cache(facade.DefaultNotificationsCache),
			Hashtags:      cache(facade.DefaultHashtagsCache),
		},
		Batch: BatchConfig{
			Delay:        batch.Delay,
			MaxBatchSize: batch.MaxBatchSize,
			FlushTimeout: batch.FlushTimeout,
		},
		Connections: ConnectionsConfig{
			Max:             conns.MaxConnections,
			InactiveTimeout: conns.InactiveTimeout,
			SweepInterval:   conns.SweepInterval,
		},
		Facades: FacadesConfig{
			ChunkSize:           facade.DefaultChunkSize,
			HotSpotsCeiling:     facade.DefaultHotSpotsWindow.Ceiling,
			PostsFactor:         facade.DefaultPostsWindow.Factor,
			NotificationsFactor: facade.DefaultNotificationsWindow.Factor,
		},
		Janitor: JanitorConfig{Interval: time.Minute},
		Metrics: MetricsConfig{Enabled: true, Namespace: "clientcache"},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:8090"},
	}
}

/*
Load builds the configuration from the defaults, the YAML file at path (skipped
when path is empty) and the environment, then validates it.
*/
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps CLIENTCACHE_BATCH__MAX_BATCH_SIZE to batch.max_batch_size.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, len(fields))
	for i, f := range fields {
		msgs[i] = fmt.Sprintf("%s failed %q", f.Namespace(), f.Tag())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Facade converts to the facade's cache settings.
func (c CacheConfig) Facade() facade.CacheConfig {
	return facade.CacheConfig{
		TTL:        c.TTL,
		MaxSize:    c.MaxSize,
		Eviction:   eviction.PolicyType(c.Policy),
		Expiration: expiration.StrategyType(c.Expiration),
	}
}

func (c ConnectionsConfig) Manager() connmgr.Config {
	return connmgr.Config{
		MaxConnections:  c.Max,
		InactiveTimeout: c.InactiveTimeout,
		SweepInterval:   c.SweepInterval,
		SubscribeRate:   c.SubscribeRate,
		SubscribeBurst:  c.SubscribeBurst,
	}
}

func (c BatchConfig) WriteBack() writepolicy.WriteBackConfig {
	return writepolicy.WriteBackConfig{
		Delay:             c.Delay,
		MaxBatchSize:      c.MaxBatchSize,
		MaxParallelScopes: c.MaxParallelScopes,
		FlushTimeout:      c.FlushTimeout,
	}
}

func (c BreakerConfig) Store() docstore.BreakerConfig {
	return docstore.BreakerConfig{
		Name:                "docstore",
		MaxRequests:         c.MaxRequests,
		Interval:            c.Interval,
		Timeout:             c.Timeout,
		ConsecutiveFailures: c.ConsecutiveFailures,
	}
}

func (c FacadesConfig) HotSpotsWindow() facade.Window {
	return facade.Window{Ceiling: c.HotSpotsCeiling}
}

func (c FacadesConfig) PostsWindow() facade.Window {
	return facade.Window{Factor: c.PostsFactor}
}

func (c FacadesConfig) NotificationsWindow() facade.Window {
	return facade.Window{Factor: c.NotificationsFactor}
}
