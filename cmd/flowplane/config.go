package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/flowplane/pkg/schema"
)

// Config holds all flowplane server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	APIAddr   string `json:"api_addr"`
	DBPath    string `json:"db_path"`
	RedisAddr string `json:"redis_addr"`
	LogLevel  string `json:"log_level"`

	CatalogPath   string `json:"catalog_path"`
	InvokerURL    string `json:"invoker_url"`
	InvokerAPIKey string `json:"invoker_api_key"`

	PoolSize int `json:"pool_size"`

	TickMs               int64  `json:"tick_ms"`
	LookaheadMs          int64  `json:"lookahead_ms"`
	MaxCatchupPerTick    int    `json:"max_catchup_per_tick"`
	DefaultOverlapPolicy string `json:"default_overlap_policy"`
	DefaultCatchupPolicy string `json:"default_catchup_policy"`
	DefaultJitterMs      int64  `json:"default_jitter_ms"`

	MaxRetryDelayMs        int64 `json:"max_retry_delay_ms"`
	IdempotencyCacheTTLSec int64 `json:"idempotency_cache_ttl_s"`
}

func defaultConfig() Config {
	return Config{
		APIAddr:              ":4200",
		DBPath:               filepath.Join(flowplaneDir(), "flowplane.db"),
		LogLevel:             "info",
		PoolSize:             16,
		TickMs:               1000,
		LookaheadMs:          60_000,
		MaxCatchupPerTick:    100,
		DefaultOverlapPolicy: string(schema.OverlapAllow),
		DefaultCatchupPolicy: string(schema.CatchupNone),
	}
}

func flowplaneDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowplane"
	}
	return filepath.Join(home, ".flowplane")
}

func settingsPath() string {
	return filepath.Join(flowplaneDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("FLOWPLANE_API_ADDR", &cfg.APIAddr)
	envString("FLOWPLANE_DB_PATH", &cfg.DBPath)
	envString("FLOWPLANE_REDIS_ADDR", &cfg.RedisAddr)
	envString("FLOWPLANE_LOG_LEVEL", &cfg.LogLevel)
	envString("FLOWPLANE_CATALOG_PATH", &cfg.CatalogPath)
	envString("FLOWPLANE_INVOKER_URL", &cfg.InvokerURL)
	envString("FLOWPLANE_INVOKER_API_KEY", &cfg.InvokerAPIKey)
	envInt("FLOWPLANE_POOL_SIZE", &cfg.PoolSize)

	envInt64("TICK_MS", &cfg.TickMs)
	envInt64("LOOKAHEAD_MS", &cfg.LookaheadMs)
	envInt("MAX_CATCHUP_PER_TICK", &cfg.MaxCatchupPerTick)
	envString("DEFAULT_OVERLAP_POLICY", &cfg.DefaultOverlapPolicy)
	envString("DEFAULT_CATCHUP_POLICY", &cfg.DefaultCatchupPolicy)
	envInt64("DEFAULT_JITTER_MS", &cfg.DefaultJitterMs)
	envInt64("MAX_RETRY_DELAY_MS", &cfg.MaxRetryDelayMs)
	envInt64("IDEMPOTENCY_CACHE_TTL_S", &cfg.IdempotencyCacheTTLSec)

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func (c Config) tickInterval() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c Config) lookahead() time.Duration {
	return time.Duration(c.LookaheadMs) * time.Millisecond
}

func (c Config) maxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayMs) * time.Millisecond
}

func (c Config) idempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyCacheTTLSec) * time.Second
}
