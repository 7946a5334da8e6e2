// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shield4u/crawl-worker/pkg/version"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxSessions  = 20
	maxMaxInFlight  = 100
	maxTimeout      = 10 * time.Minute
	maxLaunchTries  = 10
	minAPIKeyLength = 16
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless    bool
	BrowserPath string
	UserAgent   string

	// Session pool settings
	MaxSessions    int
	AcquireTimeout time.Duration
	SessionMaxUses int           // 0 disables the use budget
	SessionMaxAge  time.Duration // 0 disables the age budget
	LaunchRetries  int

	// Admission control
	MaxInFlight int

	// Job timeouts
	DefaultTimeout time.Duration // applied when the request carries none
	MaxTimeout     time.Duration // hard cap on any per-job timeout

	// Controller integration
	ControllerURL     string // empty disables heartbeat and result push
	HeartbeatInterval time.Duration

	// Crawl policy
	PolicyPath      string // path to external policy.yaml override file
	PolicyHotReload bool   // watch the policy file for changes

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// API key authentication
	APIKeyEnabled bool
	APIKey        string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost, set HOST=0.0.0.0 explicitly to
		// bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8137),

		// Browser
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),
		UserAgent:   getEnvString("USER_AGENT", version.UserAgent),

		// Pool
		MaxSessions:    getEnvInt("MAX_SESSIONS", 3),
		AcquireTimeout: getEnvDuration("ACQUIRE_TIMEOUT", 30*time.Second),
		SessionMaxUses: getEnvInt("SESSION_MAX_USES", 50),
		SessionMaxAge:  getEnvDuration("SESSION_MAX_AGE", 30*time.Minute),
		LaunchRetries:  getEnvInt("LAUNCH_RETRIES", 3),

		// Admission
		MaxInFlight: getEnvInt("MAX_IN_FLIGHT", 4),

		// Timeouts
		DefaultTimeout: getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		// Controller
		ControllerURL:     getEnvString("CONTROLLER_URL", ""),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),

		// Policy
		PolicyPath:      getEnvString("POLICY_PATH", ""),
		PolicyHotReload: getEnvBool("POLICY_HOT_RELOAD", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Metrics
		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9464),

		// Profiling - disabled by default
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		// API key authentication
		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),
	}
}

// Validate checks configuration values and logs warnings for invalid ones.
// Invalid values are corrected to sensible defaults rather than failing
// startup.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8137")
		c.Port = 8137
	}

	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("sessions", c.MaxSessions).Msg("Invalid max sessions, using 3")
		c.MaxSessions = 3
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().
			Int("sessions", c.MaxSessions).
			Int("max", maxMaxSessions).
			Msg("Max sessions too high, capping to maximum")
		c.MaxSessions = maxMaxSessions
	}

	const minAcquireTimeout = 1 * time.Second
	const maxAcquireTimeout = 5 * time.Minute
	if c.AcquireTimeout < minAcquireTimeout {
		log.Warn().
			Dur("timeout", c.AcquireTimeout).
			Dur("min", minAcquireTimeout).
			Msg("Acquire timeout too short, using minimum")
		c.AcquireTimeout = minAcquireTimeout
	} else if c.AcquireTimeout > maxAcquireTimeout {
		log.Warn().
			Dur("timeout", c.AcquireTimeout).
			Dur("max", maxAcquireTimeout).
			Msg("Acquire timeout too long, using maximum")
		c.AcquireTimeout = maxAcquireTimeout
	}

	if c.SessionMaxUses < 0 {
		log.Warn().Int("uses", c.SessionMaxUses).Msg("Invalid session use budget, using 50")
		c.SessionMaxUses = 50
	}
	if c.SessionMaxAge < 0 {
		log.Warn().Dur("age", c.SessionMaxAge).Msg("Invalid session age budget, using 30m")
		c.SessionMaxAge = 30 * time.Minute
	}

	if c.LaunchRetries < 1 {
		log.Warn().Int("retries", c.LaunchRetries).Msg("Invalid launch retries, using 3")
		c.LaunchRetries = 3
	} else if c.LaunchRetries > maxLaunchTries {
		log.Warn().
			Int("retries", c.LaunchRetries).
			Int("max", maxLaunchTries).
			Msg("Launch retries too high, capping to maximum")
		c.LaunchRetries = maxLaunchTries
	}

	if c.MaxInFlight < 1 {
		log.Warn().Int("in_flight", c.MaxInFlight).Msg("Invalid max in-flight, using 4")
		c.MaxInFlight = 4
	} else if c.MaxInFlight > maxMaxInFlight {
		log.Warn().
			Int("in_flight", c.MaxInFlight).
			Int("max", maxMaxInFlight).
			Msg("Max in-flight too high, capping to maximum")
		c.MaxInFlight = maxMaxInFlight
	}

	// MaxTimeout first so DefaultTimeout can be clamped against it.
	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("Max timeout too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().
			Dur("timeout", c.MaxTimeout).
			Dur("max", maxTimeout).
			Msg("Max timeout too high, capping to maximum")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("Default timeout too short, using 60s")
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxTimeout).
			Msg("Default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.ControllerURL != "" {
		if !strings.HasPrefix(c.ControllerURL, "http://") && !strings.HasPrefix(c.ControllerURL, "https://") {
			log.Error().
				Str("controller_url", c.ControllerURL).
				Msg("CONTROLLER_URL must be an http or https URL, disabling controller integration")
			c.ControllerURL = ""
		}
	}
	const minHeartbeat = 5 * time.Second
	const maxHeartbeat = 5 * time.Minute
	if c.HeartbeatInterval < minHeartbeat {
		log.Warn().
			Dur("interval", c.HeartbeatInterval).
			Dur("min", minHeartbeat).
			Msg("Heartbeat interval too short, using minimum")
		c.HeartbeatInterval = minHeartbeat
	} else if c.HeartbeatInterval > maxHeartbeat {
		log.Warn().
			Dur("interval", c.HeartbeatInterval).
			Dur("max", maxHeartbeat).
			Msg("Heartbeat interval too long, using maximum")
		c.HeartbeatInterval = maxHeartbeat
	}

	if c.PolicyPath != "" {
		if strings.Contains(c.PolicyPath, "..") {
			log.Error().
				Str("path", c.PolicyPath).
				Msg("PolicyPath contains path traversal sequence (..), ignoring")
			c.PolicyPath = ""
		} else if !strings.HasPrefix(c.PolicyPath, "/") {
			log.Warn().
				Str("path", c.PolicyPath).
				Msg("PolicyPath should be an absolute path")
		}
		if c.PolicyHotReload && c.PolicyPath != "" {
			if _, err := os.Stat(c.PolicyPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.PolicyPath).
					Msg("PolicyPath does not exist - hot-reload will watch for file creation")
			}
		}
	}
	if c.PolicyHotReload && c.PolicyPath == "" {
		log.Warn().Msg("POLICY_HOT_RELOAD enabled but POLICY_PATH not set - hot-reload disabled")
		c.PolicyHotReload = false
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	// Port conflict validation.
	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.PrometheusEnabled {
		if existing, exists := usedPorts[c.PrometheusPort]; exists {
			log.Error().
				Int("port", c.PrometheusPort).
				Str("conflicts_with", existing).
				Msg("PROMETHEUS_PORT conflicts with another port, disabling metrics server")
			c.PrometheusEnabled = false
		} else {
			usedPorts[c.PrometheusPort] = "PROMETHEUS_PORT"
		}
	}
	if c.PProfEnabled {
		if existing, exists := usedPorts[c.PProfPort]; exists {
			log.Error().
				Int("port", c.PProfPort).
				Str("conflicts_with", existing).
				Msg("PPROF_PORT conflicts with another port, disabling pprof")
			c.PProfEnabled = false
		}
	}

	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// Deployment manifests set timeouts as bare second counts
		// (REQUEST_TIMEOUT=30); unit suffixes also work.
		if secs, err := strconv.Atoi(value); err == nil {
			if secs > 0 {
				return time.Duration(secs) * time.Second
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
