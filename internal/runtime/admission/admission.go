// Package admission sheds session load before any provider work starts.
package admission

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision reasons, stable across releases for logs and wire payloads.
const (
	ReasonAdmitted      = "admitted"
	ReasonRateExhausted = "rate_exhausted"
	ReasonAtCapacity    = "at_capacity"
)

// Environment variables configuring the controller.
const (
	EnvSessionsPerSecond     = "VTP_ADMISSION_SESSIONS_PER_SECOND"
	EnvBurst                 = "VTP_ADMISSION_BURST"
	EnvMaxConcurrentSessions = "VTP_ADMISSION_MAX_CONCURRENT_SESSIONS"
)

// Defaults sized for a single runtime instance.
const (
	DefaultSessionsPerSecond     = 10.0
	DefaultBurst                 = 20
	DefaultMaxConcurrentSessions = 256
)

// Config bounds session starts.
type Config struct {
	// SessionsPerSecond is the sustained start rate.
	SessionsPerSecond float64
	// Burst is the token bucket depth.
	Burst int
	// MaxConcurrentSessions caps admitted sessions awaiting Release.
	MaxConcurrentSessions int
}

// ConfigFromEnv loads controller settings with defaults.
func ConfigFromEnv() Config {
	return Config{
		SessionsPerSecond:     envFloat(EnvSessionsPerSecond, DefaultSessionsPerSecond),
		Burst:                 envInt(EnvBurst, DefaultBurst),
		MaxConcurrentSessions: envInt(EnvMaxConcurrentSessions, DefaultMaxConcurrentSessions),
	}
}

// Decision is the admission outcome for one session start.
type Decision struct {
	Admit  bool
	Reason string
}

// Controller applies a token bucket and a concurrency gate to session
// starts. All methods are safe for concurrent use.
type Controller struct {
	limiter *rate.Limiter

	mu    sync.Mutex
	inUse int
	max   int
}

// New constructs a controller from validated config.
func New(cfg Config) (*Controller, error) {
	if cfg.SessionsPerSecond <= 0 {
		return nil, fmt.Errorf("sessions per second must be positive, got %v", cfg.SessionsPerSecond)
	}
	if cfg.Burst <= 0 {
		return nil, fmt.Errorf("burst must be positive, got %d", cfg.Burst)
	}
	if cfg.MaxConcurrentSessions <= 0 {
		return nil, fmt.Errorf("max concurrent sessions must be positive, got %d", cfg.MaxConcurrentSessions)
	}
	return &Controller{
		limiter: rate.NewLimiter(rate.Limit(cfg.SessionsPerSecond), cfg.Burst),
		max:     cfg.MaxConcurrentSessions,
	}, nil
}

// NewFromEnv constructs a controller from environment configuration.
func NewFromEnv() (*Controller, error) {
	return New(ConfigFromEnv())
}

// Decide admits or sheds a session start at now. Admission consumes one
// rate token and one concurrency slot; the caller must Release the slot
// when the session ends. The capacity gate is checked first so doomed
// starts never drain the bucket.
func (c *Controller) Decide(now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inUse >= c.max {
		return Decision{Reason: ReasonAtCapacity}
	}
	if !c.limiter.AllowN(now, 1) {
		return Decision{Reason: ReasonRateExhausted}
	}
	c.inUse++
	return Decision{Admit: true, Reason: ReasonAdmitted}
}

// Release frees one concurrency slot. Extra releases are ignored.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse > 0 {
		c.inUse--
	}
}

// InFlight reports admitted sessions awaiting release.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

func envFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
