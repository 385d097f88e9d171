package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const maxRequestsCeiling = 10000

var validLogLevels = map[string]bool{
	"DEBUG":    true,
	"INFO":     true,
	"WARNING":  true,
	"ERROR":    true,
	"CRITICAL": true,
}

// Config holds all application configuration
type Config struct {
	Host      string // Listen address
	Port      int    // HTTP port
	Debug     bool   // gin debug mode
	LogLevel  string // DEBUG, INFO, WARNING, ERROR, CRITICAL
	LogFormat string // "json" or "text"
	LogFile   string // optional log file, stdout only when empty

	DockerHost string // Docker daemon endpoint
	DBPath     string // SQLite database path (audit log)

	MaxRequestsPerMinute int      // global per-minute request budget for /api
	RefreshInterval      int      // seconds, handed to the frontend
	CORSOrigins          []string // allowed origins, "*" for any

	JWTSecret         string // JWT signing secret
	AdminUsername     string // login name when auth is enabled
	AdminPasswordHash string // bcrypt hash; auth is disabled when empty

	WatchEvents bool // subscribe to Docker events and push state changes
}

// Load reads configuration from an optional .env file and environment variables
// with sensible defaults. The result is validated.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Host:                 envOrDefault("HOST", "0.0.0.0"),
		Port:                 envInt("PORT", 5000),
		Debug:                strings.EqualFold(envOrDefault("DEBUG", "false"), "true"),
		LogLevel:             strings.ToUpper(envOrDefault("LOG_LEVEL", "INFO")),
		LogFormat:            logFormat(envOrDefault("LOG_FORMAT", "json")),
		LogFile:              os.Getenv("LOG_FILE"),
		DockerHost:           envOrDefault("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DBPath:               envOrDefault("DB_PATH", filepath.Join("data", "dockwatch.db")),
		MaxRequestsPerMinute: envInt("MAX_REQUESTS_PER_MINUTE", 1000),
		RefreshInterval:      envInt("REFRESH_INTERVAL", 30),
		CORSOrigins:          splitList(envOrDefault("CORS_ORIGINS", "*")),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AdminUsername:        envOrDefault("ADMIN_USERNAME", "admin"),
		AdminPasswordHash:    os.Getenv("ADMIN_PASSWORD_HASH"),
		WatchEvents:          !strings.EqualFold(envOrDefault("WATCH_EVENTS", "true"), "false"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		os.MkdirAll(dir, 0755)
	}
	if cfg.LogFile != "" {
		os.MkdirAll(filepath.Dir(cfg.LogFile), 0755)
	}

	return cfg, nil
}

// Validate checks value ranges. Out-of-range soft limits are corrected in place
// with a warning; hard violations return an error.
func (c *Config) Validate() error {
	if c.MaxRequestsPerMinute < 1 {
		return fmt.Errorf("MAX_REQUESTS_PER_MINUTE must be greater than 0, got %d", c.MaxRequestsPerMinute)
	}
	if c.MaxRequestsPerMinute > maxRequestsCeiling {
		slog.Warn("MAX_REQUESTS_PER_MINUTE capped", "requested", c.MaxRequestsPerMinute, "max", maxRequestsCeiling)
		c.MaxRequestsPerMinute = maxRequestsCeiling
	}

	if c.RefreshInterval < 1 {
		return fmt.Errorf("REFRESH_INTERVAL must be greater than 0, got %d", c.RefreshInterval)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	if !validLogLevels[c.LogLevel] {
		slog.Warn("invalid LOG_LEVEL, using INFO", "level", c.LogLevel)
		c.LogLevel = "INFO"
	}

	if c.AuthEnabled() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ADMIN_PASSWORD_HASH is set")
	}

	return nil
}

// AuthEnabled reports whether API access requires a token.
func (c *Config) AuthEnabled() bool {
	return c.AdminPasswordHash != ""
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// envInt returns the integer value of key. Unparseable values yield 0 so that
// Validate rejects them instead of silently using the default.
func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0
	}
	return n
}

func logFormat(v string) string {
	if strings.EqualFold(v, "json") {
		return "json"
	}
	return "text"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
