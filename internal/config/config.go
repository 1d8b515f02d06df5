package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"cpapsync/internal/analysis"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	ListenAddr string

	// DatabaseURL selects the PostgreSQL backend. When empty the service
	// keeps history and room state in memory.
	DatabaseURL string

	// RedisAddr enables publishing room updates to RedisStream.
	RedisAddr     string
	RedisPassword string
	RedisStream   string
	// RedisStreamMaxLen caps the stream length; zero disables trimming.
	RedisStreamMaxLen int64

	LogLevel  string
	LogFormat string

	// Bootstrap bearer tokens ("<prefix>.<secret>") for each client role.
	// When all three are empty, authentication is disabled.
	PatientAPIKey string
	MonitorAPIKey string
	AdminAPIKey   string

	Analysis analysis.Config

	// Accepted CPAP pressure range in cmH2O.
	MinPressure float64
	MaxPressure float64
}

// Load reads configuration from environment variables and applies
// defaults. Malformed numeric values fall back to the default.
func Load() *Config {
	cfg := &Config{
		ListenAddr:        getenv("CPAP_LISTEN_ADDR", ":5001"),
		DatabaseURL:       os.Getenv("CPAP_DATABASE_URL"),
		RedisAddr:         os.Getenv("CPAP_REDIS_ADDR"),
		RedisPassword:     os.Getenv("CPAP_REDIS_PASSWORD"),
		RedisStream:       getenv("CPAP_REDIS_STREAM", "cpap:rooms"),
		RedisStreamMaxLen: int64(getint("CPAP_REDIS_STREAM_MAXLEN", 10000)),
		LogLevel:          getenv("CPAP_LOG_LEVEL", "info"),
		LogFormat:         getenv("CPAP_LOG_FORMAT", "json"),
		PatientAPIKey:     os.Getenv("CPAP_PATIENT_API_KEY"),
		MonitorAPIKey:     os.Getenv("CPAP_MONITOR_API_KEY"),
		AdminAPIKey:       os.Getenv("CPAP_ADMIN_API_KEY"),
		Analysis:          analysis.DefaultConfig(),
		MinPressure:       getfloat("CPAP_MIN_PRESSURE", 4),
		MaxPressure:       getfloat("CPAP_MAX_PRESSURE", 25),
	}

	a := &cfg.Analysis
	a.Window = getint("CPAP_PEAK_WINDOW", a.Window)
	a.MinProminence = getfloat("CPAP_MIN_PROMINENCE", a.MinProminence)
	a.ProminenceFactor = getfloat("CPAP_PROMINENCE_FACTOR", a.ProminenceFactor)
	a.MinHeight = getfloat("CPAP_MIN_PEAK_HEIGHT", a.MinHeight)
	a.RefractoryInterval = getduration("CPAP_REFRACTORY", a.RefractoryInterval)
	a.ApneaGap = getduration("CPAP_APNEA_GAP", a.ApneaGap)

	return cfg
}

// BootstrapTokens maps each role to its configured token.
func (c *Config) BootstrapTokens() map[string]string {
	return map[string]string{
		"patient": c.PatientAPIKey,
		"monitor": c.MonitorAPIKey,
		"admin":   c.AdminAPIKey,
	}
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	if c.MinPressure <= 0 || c.MaxPressure < c.MinPressure {
		return fmt.Errorf("invalid pressure range %g-%g cmH2O", c.MinPressure, c.MaxPressure)
	}
	if c.RedisStreamMaxLen < 0 {
		return fmt.Errorf("CPAP_REDIS_STREAM_MAXLEN must be >= 0, got %d", c.RedisStreamMaxLen)
	}
	return c.Analysis.Validate()
}

// AuthEnabled reports whether at least one bootstrap token is configured.
func (c *Config) AuthEnabled() bool {
	return c.PatientAPIKey != "" || c.MonitorAPIKey != "" || c.AdminAPIKey != ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
