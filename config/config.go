package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	API       APIConfig
	Store     StoreConfig
	Sync      SyncConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port        string
	Host        string
	Environment string
}

// APIConfig describes the remote attendance API the terminal syncs with.
type APIConfig struct {
	BaseURL        string
	CatalogPath    string
	AttendancePath string
	RequestTimeout time.Duration
	CatalogTimeout time.Duration
}

type StoreConfig struct {
	Path string
}

// SyncConfig carries the queue-drain and scheduling knobs.
type SyncConfig struct {
	MaxAttempts      int
	DrainInterval    time.Duration // periodic safety-net drain
	SettleDelay      time.Duration // wait after reconnect before draining
	StuckLockCeiling time.Duration // force-clear the processing lock past this
	ProbeInterval    time.Duration // connectivity check
	MetadataInterval time.Duration // employee/activity catalog refresh
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8125"),
			Host:        getEnv("HOST", "127.0.0.1"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		API: APIConfig{
			BaseURL:        getEnv("API_BASE_URL", ""),
			CatalogPath:    getEnv("API_CATALOG_PATH", "/api/initial-data"),
			AttendancePath: getEnv("API_ATTENDANCE_PATH", "/api/attendance"),
			RequestTimeout: parseDuration(getEnv("API_REQUEST_TIMEOUT", "10s"), 10*time.Second),
			CatalogTimeout: parseDuration(getEnv("API_CATALOG_TIMEOUT", "15s"), 15*time.Second),
		},
		Store: StoreConfig{
			Path: getEnv("STORE_PATH", "./timeclock.db"),
		},
		Sync: SyncConfig{
			MaxAttempts:      parseInt(getEnv("SYNC_MAX_ATTEMPTS", "3"), 3),
			DrainInterval:    parseDuration(getEnv("SYNC_DRAIN_INTERVAL", "60s"), 60*time.Second),
			SettleDelay:      parseDuration(getEnv("SYNC_SETTLE_DELAY", "2s"), 2*time.Second),
			StuckLockCeiling: parseDuration(getEnv("SYNC_STUCK_LOCK_CEILING", "5m"), 5*time.Minute),
			ProbeInterval:    parseDuration(getEnv("SYNC_PROBE_INTERVAL", "30s"), 30*time.Second),
			MetadataInterval: parseDuration(getEnv("SYNC_METADATA_INTERVAL", "1h"), time.Hour),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseStringSlice(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		},
		RateLimit: RateLimitConfig{
			Requests: parseInt(getEnv("RATE_LIMIT_REQUESTS", "100"), 100),
			Window:   parseDuration(getEnv("RATE_LIMIT_WINDOW", "60"), 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, defaultValue int) int {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	// Bare numbers are taken as seconds
	if i, err := strconv.Atoi(s); err == nil {
		return time.Duration(i) * time.Second
	}
	return defaultValue
}

func parseStringSlice(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// Validate checks settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("API_BASE_URL must be set")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH must be set")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	return nil
}
