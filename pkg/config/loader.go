package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment prefix used by cmd/vihaar-sw.
const DefaultEnvPrefix = "VIHAAR"

// canonicalKeys restores camelCase keys that env variables flatten to lower case.
var canonicalKeys = map[string]string{
	"cache.imagelimit":          "cache.imageLimit",
	"cache.apitimeout":          "cache.apiTimeout",
	"cache.cleanupinterval":     "cache.cleanupInterval",
	"cache.skipwaiting":         "cache.skipWaiting",
	"cache.precacheconcurrency": "cache.precacheConcurrency",
	"routing.imagehosts":        "routing.imageHosts",
	"routing.imageextensions":   "routing.imageExtensions",
	"routing.staticprefix":      "routing.staticPrefix",
	"routing.staticextensions":  "routing.staticExtensions",
	"routing.apiprefix":         "routing.apiPrefix",
	"routing.offlinepage":       "routing.offlinePage",
	"fetch.useragent":           "fetch.userAgent",
	"fetch.backgroundlimit":     "fetch.backgroundLimit",
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"cache.precache":           true,
	"routing.imageHosts":       true,
	"routing.imageExtensions":  true,
	"routing.staticExtensions": true,
	"routing.bypass":           true,
}

// Loader hydrates a Config with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader returns a loader reading the given YAML files in order.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the YAML files the loader reads.
func (l *Loader) Files() []string {
	return append([]string(nil), l.files...)
}

// Load builds and validates a Config snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(key, value string) (string, any) {
			// VIHAAR_CACHE__API_TIMEOUT -> cache.apitimeout -> cache.apiTimeout
			k := strings.TrimPrefix(key, l.envPrefix+"_")
			k = strings.ReplaceAll(k, "__", ".")
			k = strings.ToLower(strings.ReplaceAll(k, "_", ""))
			if mapped, ok := canonicalKeys[k]; ok {
				k = mapped
			}
			if listKeys[k] {
				parts := strings.Split(value, ",")
				out := make([]string, 0, len(parts))
				for _, p := range parts {
					if p = strings.TrimSpace(p); p != "" {
						out = append(out, p)
					}
				}
				return k, out
			}
			return k, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix+"_", ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts a Config into the nested map koanf's confmap expects.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": cfg.Server.Listen,
			"origin": cfg.Server.Origin,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"pretty": cfg.Logging.Pretty,
		},
		"storage": map[string]any{
			"backend": cfg.Storage.Backend,
			"redis": map[string]any{
				"address":  cfg.Storage.Redis.Address,
				"password": cfg.Storage.Redis.Password,
				"db":       cfg.Storage.Redis.DB,
				"prefix":   cfg.Storage.Redis.Prefix,
			},
			"leveldb": map[string]any{
				"path": cfg.Storage.LevelDB.Path,
			},
		},
		"cache": map[string]any{
			"prefix":              cfg.Cache.Prefix,
			"version":             cfg.Cache.Version,
			"precache":            cfg.Cache.Precache,
			"imageLimit":          cfg.Cache.ImageLimit,
			"apiTimeout":          cfg.Cache.APITimeout.String(),
			"cleanupInterval":     cfg.Cache.CleanupInterval.String(),
			"skipWaiting":         cfg.Cache.SkipWaiting,
			"precacheConcurrency": cfg.Cache.PrecacheConcurrency,
			"ttl": map[string]any{
				"images": cfg.Cache.TTL.Images,
				"api":    cfg.Cache.TTL.API,
				"pages":  cfg.Cache.TTL.Pages,
				"static": cfg.Cache.TTL.Static,
			},
		},
		"routing": map[string]any{
			"imageHosts":       cfg.Routing.ImageHosts,
			"imageExtensions":  cfg.Routing.ImageExtensions,
			"staticPrefix":     cfg.Routing.StaticPrefix,
			"staticExtensions": cfg.Routing.StaticExtensions,
			"apiPrefix":        cfg.Routing.APIPrefix,
			"bypass":           cfg.Routing.Bypass,
			"offlinePage":      cfg.Routing.OfflinePage,
		},
		"fetch": map[string]any{
			"userAgent":       cfg.Fetch.UserAgent,
			"timeout":         cfg.Fetch.Timeout.String(),
			"backgroundLimit": cfg.Fetch.BackgroundLimit,
		},
	}
}
