package idemgate

import (
	"net/http"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got %v", err)
	}
	if cfg.DefaultTTLSeconds != 86400 {
		t.Errorf("Expected 24h default TTL, got %d", cfg.DefaultTTLSeconds)
	}
	if cfg.WaitPolicy != WaitPolicyWait {
		t.Errorf("Expected wait policy by default, got %s", cfg.WaitPolicy)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("Expected 1 MiB body cap, got %d", cfg.MaxBodyBytes)
	}
	if cfg.InProgressStatusCode != 409 || cfg.TimeoutStatusCode != 425 {
		t.Error("Expected 409/425 default status codes")
	}
}

func TestConfigValidate_Normalization(t *testing.T) {
	cfg := Config{
		EnabledMethods:     []string{" post ", "Put"},
		FingerprintHeaders: []string{"Content-Type", "  X-API-Version "},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.EnabledMethods[0] != "POST" || cfg.EnabledMethods[1] != "PUT" {
		t.Errorf("Expected methods uppercased, got %v", cfg.EnabledMethods)
	}
	if cfg.FingerprintHeaders[0] != "content-type" || cfg.FingerprintHeaders[1] != "x-api-version" {
		t.Errorf("Expected fingerprint headers lowercased, got %v", cfg.FingerprintHeaders)
	}
	if cfg.DefaultTTLSeconds != DefaultTTLSeconds {
		t.Error("Expected zero TTL filled with the default")
	}
}

func TestConfigValidate_Bounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown method", func(c *Config) { c.EnabledMethods = []string{"FETCH"} }},
		{"ttl too large", func(c *Config) { c.DefaultTTLSeconds = 604801 }},
		{"ttl negative", func(c *Config) { c.DefaultTTLSeconds = -1 }},
		{"bad wait policy", func(c *Config) { c.WaitPolicy = "maybe" }},
		{"timeout too large", func(c *Config) { c.ExecutionTimeoutSeconds = 301 }},
		{"negative body cap", func(c *Config) { c.MaxBodyBytes = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}
}

func TestConfigMethodEnabled(t *testing.T) {
	cfg := DefaultConfig()
	_ = cfg.Validate()

	if !cfg.MethodEnabled("post") {
		t.Error("Expected method match to be case-insensitive")
	}
	if cfg.MethodEnabled("GET") {
		t.Error("Expected safe methods to pass through by default")
	}
}

func TestConfigClampTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTTLSeconds = 10
	cfg.MaxTTLSeconds = 100
	_ = cfg.Validate()

	if got := cfg.ClampTTL(5 * time.Second); got != 10*time.Second {
		t.Errorf("Expected clamp to minimum, got %s", got)
	}
	if got := cfg.ClampTTL(500 * time.Second); got != 100*time.Second {
		t.Errorf("Expected clamp to maximum, got %s", got)
	}
	if got := cfg.ClampTTL(50 * time.Second); got != 50*time.Second {
		t.Errorf("Expected in-range value untouched, got %s", got)
	}
}

func TestConfigRequestTTL(t *testing.T) {
	cfg := DefaultConfig()
	_ = cfg.Validate()

	h := http.Header{}
	if got := cfg.RequestTTL(h); got != 0 {
		t.Errorf("Expected zero for missing header, got %s", got)
	}

	h.Set("Idempotency-TTL", "3600")
	if got := cfg.RequestTTL(h); got != time.Hour {
		t.Errorf("Expected 1h, got %s", got)
	}

	h.Set("Idempotency-TTL", "not-a-number")
	if got := cfg.RequestTTL(h); got != 0 {
		t.Errorf("Expected unparseable values ignored, got %s", got)
	}

	h.Set("Idempotency-TTL", "999999999")
	if got := cfg.RequestTTL(h); got != time.Duration(cfg.MaxTTLSeconds)*time.Second {
		t.Errorf("Expected clamp to configured maximum, got %s", got)
	}
}

func TestExtractTraceID(t *testing.T) {
	h := http.Header{}
	if ExtractTraceID(h) != "" {
		t.Error("Expected empty trace id when no header present")
	}

	h.Set("Traceparent", "00-abc-def-01")
	if got := ExtractTraceID(h); got != "00-abc-def-01" {
		t.Errorf("Expected traceparent fallback, got %q", got)
	}

	h.Set("X-Trace-ID", "trace-7")
	if got := ExtractTraceID(h); got != "trace-7" {
		t.Errorf("Expected X-Trace-ID to win over traceparent, got %q", got)
	}

	h.Set("X-Request-ID", "req-1")
	if got := ExtractTraceID(h); got != "req-1" {
		t.Errorf("Expected X-Request-ID to win, got %q", got)
	}
}

func TestValidateKey(t *testing.T) {
	if err := ValidateKey("payment-123"); err != nil {
		t.Errorf("Expected plain key to validate, got %v", err)
	}
	if err := ValidateKey(""); err == nil {
		t.Error("Expected empty key to fail")
	}
	if err := ValidateKey("\r\n"); err == nil {
		t.Error("Expected CR/LF key to fail")
	}
	if err := ValidateKey("key-with-\x00-nul"); err == nil {
		t.Error("Expected control characters to fail")
	}
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateKey(string(long)); err == nil {
		t.Error("Expected 256-char key to fail")
	}
	if err := ValidateKey(string(long[:255])); err != nil {
		t.Errorf("Expected 255-char key to pass, got %v", err)
	}
}
