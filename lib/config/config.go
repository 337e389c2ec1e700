// Package config loads pull-path configuration from environment variables.
package config

import (
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds the settings the pull path needs from its environment.
// This is the "settings source" collaborator spec.md assumes is supplied
// externally; CLI flag parsing and any broader application config live
// outside this module.
type Config struct {
	// CacheRoot is the root directory of the content-addressed layer cache.
	CacheRoot string
	// CacheEnabled turns the cache store on or off.
	CacheEnabled bool
	// MaxCacheSize bounds the cache directory; enforcement is left to a
	// caller-driven GC pass, this module only reports the configured limit.
	MaxCacheSize datasize.ByteSize
	// MaxConcurrentDownloads bounds the Download Coordinator's concurrency
	// window. Clamped to [2, 12] per spec.md §4.3.
	MaxConcurrentDownloads int
	// RegistryHost is the default registry to pull from (e.g. "ghcr.io").
	RegistryHost string
	// ConvertAfterPull gates the optional post-reassembly disk-image
	// conversion step (spec.md §9 Open Questions #1).
	ConvertAfterPull bool
	// LogLevel is the default slog level ("debug", "info", "warn", "error").
	LogLevel string
}

// Load loads configuration from environment variables.
// Automatically loads a .env file if present (fails silently otherwise).
func Load() *Config {
	_ = godotenv.Load()

	var maxCacheSize datasize.ByteSize
	_ = maxCacheSize.UnmarshalText([]byte(getEnv("MAX_CACHE_SIZE", "50GB")))

	return &Config{
		CacheRoot:              getEnv("LUME_CACHE_ROOT", defaultCacheRoot()),
		CacheEnabled:           getEnvBool("LUME_CACHE_ENABLED", true),
		MaxCacheSize:           maxCacheSize,
		MaxConcurrentDownloads: clamp(getEnvInt("LUME_MAX_CONCURRENT_DOWNLOADS", 6), 2, 12),
		RegistryHost:           getEnv("LUME_REGISTRY_HOST", "ghcr.io"),
		ConvertAfterPull:       getEnvBool("LUME_CONVERT_AFTER_PULL", false),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}
}

func defaultCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lume/cache"
	}
	return home + "/.lume/cache"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
