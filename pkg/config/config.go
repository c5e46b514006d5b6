// Package config holds the immutable worker configuration and its loader.
//
// A Config is built once per worker generation (at boot or on reload) and is
// read-only afterwards. Cache generation names, the TTL table, routing rules and
// the precache manifest all live here.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Logical cache names. Physical names are <prefix>-<logical>-<version>.
const (
	LogicalAppShell = "app"
	LogicalRuntime  = "runtime"
	LogicalImages   = "images"
	LogicalAPI      = "api"
)

// Storage backends.
const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendLevelDB = "leveldb"
)

// Config is the full worker configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
	Storage StorageConfig `koanf:"storage"`
	Cache   CacheConfig   `koanf:"cache"`
	Routing RoutingConfig `koanf:"routing"`
	Fetch   FetchConfig   `koanf:"fetch"`
}

// ServerConfig configures the HTTP front.
type ServerConfig struct {
	// Listen is the address the HTTP front binds to.
	Listen string `koanf:"listen"`

	// Origin is the base URL of the application being cached. Relative
	// precache URLs and incoming origin-form requests resolve against it.
	Origin string `koanf:"origin"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// StorageConfig selects and configures the cache storage backend.
type StorageConfig struct {
	Backend string        `koanf:"backend"`
	Redis   RedisConfig   `koanf:"redis"`
	LevelDB LevelDBConfig `koanf:"leveldb"`
}

// RedisConfig configures the Redis storage backend.
type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// LevelDBConfig configures the on-disk storage backend.
type LevelDBConfig struct {
	Path string `koanf:"path"`
}

// CacheConfig holds cache generation and policy settings.
type CacheConfig struct {
	// Prefix and Version form the physical cache names. Bumping Version
	// invalidates every previously cached generation on next activation.
	Prefix  string `koanf:"prefix"`
	Version string `koanf:"version"`

	// Precache lists the app shell paths fetched on install.
	Precache []string `koanf:"precache"`

	// ImageLimit caps the images cache during cleanup.
	ImageLimit int `koanf:"imageLimit"`

	// APITimeout bounds the network-first API strategy.
	APITimeout time.Duration `koanf:"apiTimeout"`

	// CleanupInterval is how often the cache-cleanup periodic sync fires.
	// Zero disables the ticker.
	CleanupInterval time.Duration `koanf:"cleanupInterval"`

	// SkipWaiting activates a newly installed generation immediately.
	SkipWaiting bool `koanf:"skipWaiting"`

	// PrecacheConcurrency bounds control-message precache batches.
	// Zero means unbounded.
	PrecacheConcurrency int `koanf:"precacheConcurrency"`

	TTL TTLConfig `koanf:"ttl"`
}

// TTLConfig maps resource classes to max-age in seconds.
type TTLConfig struct {
	Images int `koanf:"images"`
	API    int `koanf:"api"`
	Pages  int `koanf:"pages"`
	Static int `koanf:"static"`
}

// RoutingConfig holds the request classification rules.
type RoutingConfig struct {
	ImageHosts       []string `koanf:"imageHosts"`
	ImageExtensions  []string `koanf:"imageExtensions"`
	StaticPrefix     string   `koanf:"staticPrefix"`
	StaticExtensions []string `koanf:"staticExtensions"`
	APIPrefix        string   `koanf:"apiPrefix"`

	// Bypass lists path substrings that are never intercepted (dev tooling).
	Bypass []string `koanf:"bypass"`

	// OfflinePage is served to navigations when both cache and network fail.
	OfflinePage string `koanf:"offlinePage"`
}

// FetchConfig configures the network fetcher.
type FetchConfig struct {
	UserAgent string `koanf:"userAgent"`

	// Timeout is a transport guard on every outbound request. Zero disables it.
	Timeout time.Duration `koanf:"timeout"`

	// BackgroundLimit caps concurrent background cache refreshes.
	BackgroundLimit int `koanf:"backgroundLimit"`
}

// CacheNames are the physical names of one cache generation.
type CacheNames struct {
	AppShell string
	Runtime  string
	Images   string
	API      string
}

// All returns the four names in a stable order.
func (n CacheNames) All() []string {
	return []string{n.AppShell, n.Runtime, n.Images, n.API}
}

// Contains reports whether name belongs to this generation.
func (n CacheNames) Contains(name string) bool {
	for _, current := range n.All() {
		if current == name {
			return true
		}
	}
	return false
}

// PhysicalName builds <prefix>-<logical>-<version>.
func (c CacheConfig) PhysicalName(logical string) string {
	return fmt.Sprintf("%s-%s-%s", c.Prefix, logical, c.Version)
}

// Names returns the current generation's cache names.
func (c CacheConfig) Names() CacheNames {
	return CacheNames{
		AppShell: c.PhysicalName(LogicalAppShell),
		Runtime:  c.PhysicalName(LogicalRuntime),
		Images:   c.PhysicalName(LogicalImages),
		API:      c.PhysicalName(LogicalAPI),
	}
}

// Seconds converts a TTL table value.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "vihaar:sw",
			},
			LevelDB: LevelDBConfig{
				Path: "./data/cache",
			},
		},
		Cache: CacheConfig{
			Prefix:          "vihaar",
			Version:         "v3",
			Precache:        []string{"/", "/explore", "/profile", "/offline.html"},
			ImageLimit:      100,
			APITimeout:      3 * time.Second,
			CleanupInterval: 12 * time.Hour,
			SkipWaiting:     true,
			TTL: TTLConfig{
				Images: 60 * 60 * 24 * 30,
				API:    60 * 5,
				Pages:  60 * 60,
				Static: 60 * 60 * 24 * 365,
			},
		},
		Routing: RoutingConfig{
			ImageHosts:       []string{"images.unsplash.com", "lh3.googleusercontent.com", "img.youtube.com"},
			ImageExtensions:  []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".avif", ".svg"},
			StaticPrefix:     "/_next/static/",
			StaticExtensions: []string{".js", ".css", ".woff2", ".woff"},
			APIPrefix:        "/api/",
			Bypass:           []string{"_next/webpack"},
			OfflinePage:      "/offline.html",
		},
		Fetch: FetchConfig{
			UserAgent:       "vihaar-sw/1.0",
			Timeout:         30 * time.Second,
			BackgroundLimit: 32,
		},
	}
}

// Validate checks the invariants the worker relies on.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Origin) == "" {
		errs = append(errs, errors.New("config: server.origin is required"))
	} else if u, err := url.Parse(c.Server.Origin); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("config: server.origin %q must be an absolute http(s) URL", c.Server.Origin))
	}
	if c.Cache.Prefix == "" {
		errs = append(errs, errors.New("config: cache.prefix is required"))
	}
	if c.Cache.Version == "" {
		errs = append(errs, errors.New("config: cache.version is required"))
	}
	if c.Cache.APITimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: cache.apiTimeout must be > 0 (got %s)", c.Cache.APITimeout))
	}
	if c.Cache.ImageLimit < 0 {
		errs = append(errs, fmt.Errorf("config: cache.imageLimit must be >= 0 (got %d)", c.Cache.ImageLimit))
	}
	if c.Cache.PrecacheConcurrency < 0 {
		errs = append(errs, fmt.Errorf("config: cache.precacheConcurrency must be >= 0 (got %d)", c.Cache.PrecacheConcurrency))
	}
	if c.Fetch.BackgroundLimit < 0 {
		errs = append(errs, fmt.Errorf("config: fetch.backgroundLimit must be >= 0 (got %d)", c.Fetch.BackgroundLimit))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("config: storage.redis.address is required for the redis backend"))
		}
	case BackendLevelDB:
		if c.Storage.LevelDB.Path == "" {
			errs = append(errs, errors.New("config: storage.leveldb.path is required for the leveldb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unsupported storage.backend %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}

// OriginURL returns the parsed origin. Callers must have validated the config.
func (c Config) OriginURL() *url.URL {
	u, err := url.Parse(strings.TrimRight(c.Server.Origin, "/"))
	if err != nil {
		return &url.URL{}
	}
	return u
}

// Resolve resolves a possibly relative URL against the origin.
func (c Config) Resolve(ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", ref, err)
	}
	base := c.OriginURL()
	if base.Path == "" {
		base.Path = "/"
	}
	return base.ResolveReference(r).String(), nil
}
