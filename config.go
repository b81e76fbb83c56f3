package idemgate

import (
	"fmt"
	"strings"
	"time"
)

// WaitPolicy controls how a request behaves when it observes another
// in-flight execution for the same key.
type WaitPolicy string

const (
	// WaitPolicyWait polls until the running request reaches a terminal
	// state, then replays its response.
	WaitPolicyWait WaitPolicy = "wait"
	// WaitPolicyNoWait returns an in-progress conflict immediately.
	WaitPolicyNoWait WaitPolicy = "no-wait"
)

// Config is the configuration surface of the idempotency layer.
// Zero values are filled in by Validate; DefaultConfig returns a fully
// populated instance.
type Config struct {
	// EnabledMethods lists the HTTP methods subject to idempotency checks.
	EnabledMethods []string `json:"enabled_methods,omitempty"`
	// DefaultTTLSeconds is the record lifetime when the client sends no
	// Idempotency-TTL header (1-604800).
	DefaultTTLSeconds int `json:"default_ttl_seconds,omitempty"`
	// MinTTLSeconds and MaxTTLSeconds bound client-requested TTLs.
	MinTTLSeconds int `json:"min_ttl_seconds,omitempty"`
	MaxTTLSeconds int `json:"max_ttl_seconds,omitempty"`
	// WaitPolicy selects wait or no-wait handling of concurrent duplicates.
	WaitPolicy WaitPolicy `json:"wait_policy,omitempty"`
	// ExecutionTimeoutSeconds bounds handler execution and wait-policy
	// polling (1-300).
	ExecutionTimeoutSeconds int `json:"execution_timeout_seconds,omitempty"`
	// MaxBodyBytes caps the request body; 0 disables the cap.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
	// FingerprintHeaders are the header names folded into the fingerprint.
	FingerprintHeaders []string `json:"fingerprint_headers,omitempty"`
	// WaitPollIntervalMS is the wait-policy polling period.
	WaitPollIntervalMS int `json:"wait_poll_interval_ms,omitempty"`
	// CleanupIntervalSeconds is the expiry sweeper period.
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds,omitempty"`
	// InProgressStatusCode is emitted for in-progress rejections under
	// no-wait. Deployments preferring 503 semantics set it here.
	InProgressStatusCode int `json:"in_progress_status_code,omitempty"`
	// TimeoutStatusCode is emitted when wait-policy polling times out.
	TimeoutStatusCode int `json:"timeout_status_code,omitempty"`
	// DropSetCookie removes Set-Cookie (and related cache-validator
	// headers) from replayed responses.
	DropSetCookie bool `json:"drop_set_cookie,omitempty"`
}

// Defaults for the configuration surface.
const (
	DefaultTTLSeconds              = 86400
	DefaultExecutionTimeoutSeconds = 30
	DefaultMaxBodyBytes            = 1 << 20
	DefaultWaitPollIntervalMS      = 100
	DefaultCleanupIntervalSeconds  = 300
	maxTTLSecondsBound             = 604800
	maxExecutionTimeoutSeconds     = 300
)

var defaultEnabledMethods = []string{"POST", "PUT", "PATCH", "DELETE"}

var defaultFingerprintHeaders = []string{"content-type", "content-length"}

var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"CONNECT": true, "OPTIONS": true, "TRACE": true, "PATCH": true,
}

// DefaultConfig returns the configuration used when no overrides are given.
func DefaultConfig() Config {
	return Config{
		EnabledMethods:          append([]string(nil), defaultEnabledMethods...),
		DefaultTTLSeconds:       DefaultTTLSeconds,
		MinTTLSeconds:           1,
		MaxTTLSeconds:           maxTTLSecondsBound,
		WaitPolicy:              WaitPolicyWait,
		ExecutionTimeoutSeconds: DefaultExecutionTimeoutSeconds,
		MaxBodyBytes:            DefaultMaxBodyBytes,
		FingerprintHeaders:      append([]string(nil), defaultFingerprintHeaders...),
		WaitPollIntervalMS:      DefaultWaitPollIntervalMS,
		CleanupIntervalSeconds:  DefaultCleanupIntervalSeconds,
		InProgressStatusCode:    409,
		TimeoutStatusCode:       425,
	}
}

// Validate normalizes the config in place and checks its bounds.
func (c *Config) Validate() error {
	if len(c.EnabledMethods) == 0 {
		c.EnabledMethods = append([]string(nil), defaultEnabledMethods...)
	}
	for i, m := range c.EnabledMethods {
		upper := strings.ToUpper(strings.TrimSpace(m))
		if !validHTTPMethods[upper] {
			return fmt.Errorf("%w: unknown method %q", ErrNoEnabledMethods, m)
		}
		c.EnabledMethods[i] = upper
	}
	if c.DefaultTTLSeconds == 0 {
		c.DefaultTTLSeconds = DefaultTTLSeconds
	}
	if c.DefaultTTLSeconds < 1 || c.DefaultTTLSeconds > maxTTLSecondsBound {
		return ErrInvalidTTL
	}
	if c.MinTTLSeconds <= 0 {
		c.MinTTLSeconds = 1
	}
	if c.MaxTTLSeconds <= 0 {
		c.MaxTTLSeconds = maxTTLSecondsBound
	}
	if c.WaitPolicy == "" {
		c.WaitPolicy = WaitPolicyWait
	}
	if c.WaitPolicy != WaitPolicyWait && c.WaitPolicy != WaitPolicyNoWait {
		return ErrInvalidWaitPolicy
	}
	if c.ExecutionTimeoutSeconds == 0 {
		c.ExecutionTimeoutSeconds = DefaultExecutionTimeoutSeconds
	}
	if c.ExecutionTimeoutSeconds < 1 || c.ExecutionTimeoutSeconds > maxExecutionTimeoutSeconds {
		return ErrInvalidTimeout
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("idemgate: max body bytes must be non-negative")
	}
	if len(c.FingerprintHeaders) == 0 {
		c.FingerprintHeaders = append([]string(nil), defaultFingerprintHeaders...)
	}
	for i, h := range c.FingerprintHeaders {
		c.FingerprintHeaders[i] = strings.ToLower(strings.TrimSpace(h))
	}
	if c.WaitPollIntervalMS <= 0 {
		c.WaitPollIntervalMS = DefaultWaitPollIntervalMS
	}
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = DefaultCleanupIntervalSeconds
	}
	if c.InProgressStatusCode == 0 {
		c.InProgressStatusCode = 409
	}
	if c.TimeoutStatusCode == 0 {
		c.TimeoutStatusCode = 425
	}
	return nil
}

// MethodEnabled reports whether the method is subject to idempotency.
func (c *Config) MethodEnabled(method string) bool {
	upper := strings.ToUpper(method)
	for _, m := range c.EnabledMethods {
		if m == upper {
			return true
		}
	}
	return false
}

// DefaultTTL returns the record lifetime as a duration.
func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// ClampTTL bounds a client-requested TTL into [MinTTLSeconds, MaxTTLSeconds].
func (c *Config) ClampTTL(requested time.Duration) time.Duration {
	min := time.Duration(c.MinTTLSeconds) * time.Second
	max := time.Duration(c.MaxTTLSeconds) * time.Second
	if requested < min {
		return min
	}
	if requested > max {
		return max
	}
	return requested
}

// ExecutionTimeout returns the handler/wait deadline as a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

// WaitPollInterval returns the polling period as a duration.
func (c *Config) WaitPollInterval() time.Duration {
	return time.Duration(c.WaitPollIntervalMS) * time.Millisecond
}

// CleanupInterval returns the sweeper period as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}
