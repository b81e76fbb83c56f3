package idemgate

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	json "github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// configSchema validates config documents before they are decoded. Bounds
// match Config.Validate; the schema exists to reject junk early with a
// field-level message.
const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "enabled_methods": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 1
    },
    "default_ttl_seconds": {"type": "integer", "minimum": 1, "maximum": 604800},
    "min_ttl_seconds": {"type": "integer", "minimum": 1},
    "max_ttl_seconds": {"type": "integer", "minimum": 1, "maximum": 604800},
    "wait_policy": {"type": "string", "enum": ["wait", "no-wait"]},
    "execution_timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 300},
    "max_body_bytes": {"type": "integer", "minimum": 0},
    "fingerprint_headers": {
      "type": "array",
      "items": {"type": "string"}
    },
    "wait_poll_interval_ms": {"type": "integer", "minimum": 1},
    "cleanup_interval_seconds": {"type": "integer", "minimum": 1},
    "in_progress_status_code": {"type": "integer", "minimum": 100, "maximum": 599},
    "timeout_status_code": {"type": "integer", "minimum": 100, "maximum": 599},
    "drop_set_cookie": {"type": "boolean"}
  }
}`

// LoadConfigJSON parses a JSON config document, validates it against the
// schema, and overlays it on DefaultConfig.
func LoadConfigJSON(data []byte) (Config, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return Config{}, fmt.Errorf("idemgate: config validation: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return Config{}, fmt.Errorf("idemgate: invalid config: %s", strings.Join(msgs, "; "))
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("idemgate: decode config: %w", err)
	}
	explicit := map[string]json.RawMessage{}
	_ = json.Unmarshal(data, &explicit)

	if err := mergo.Merge(&cfg, DefaultConfig()); err != nil {
		return Config{}, fmt.Errorf("idemgate: merge config defaults: %w", err)
	}
	// An explicit zero disables the body cap; mergo cannot tell it apart
	// from an unset field.
	if _, ok := explicit["max_body_bytes"]; ok {
		var n int64
		if err := json.Unmarshal(explicit["max_body_bytes"], &n); err == nil {
			cfg.MaxBodyBytes = n
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads and parses a JSON config file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("idemgate: read config: %w", err)
	}
	return LoadConfigJSON(data)
}

// ConfigFromEnv builds a Config from IDEMPOTENCY_* environment variables,
// falling back to defaults for anything unset.
//
// Recognized variables: IDEMPOTENCY_ENABLED_METHODS (comma-separated),
// IDEMPOTENCY_DEFAULT_TTL_SECONDS, IDEMPOTENCY_WAIT_POLICY,
// IDEMPOTENCY_EXECUTION_TIMEOUT_SECONDS, IDEMPOTENCY_MAX_BODY_BYTES,
// IDEMPOTENCY_FINGERPRINT_HEADERS (comma-separated),
// IDEMPOTENCY_WAIT_POLL_INTERVAL_MS, IDEMPOTENCY_CLEANUP_INTERVAL_SECONDS.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("IDEMPOTENCY_ENABLED_METHODS"); v != "" {
		cfg.EnabledMethods = splitCSV(v)
	}
	if v := os.Getenv("IDEMPOTENCY_FINGERPRINT_HEADERS"); v != "" {
		cfg.FingerprintHeaders = splitCSV(v)
	}
	if v := os.Getenv("IDEMPOTENCY_WAIT_POLICY"); v != "" {
		cfg.WaitPolicy = WaitPolicy(strings.ToLower(strings.TrimSpace(v)))
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"IDEMPOTENCY_DEFAULT_TTL_SECONDS", &cfg.DefaultTTLSeconds},
		{"IDEMPOTENCY_EXECUTION_TIMEOUT_SECONDS", &cfg.ExecutionTimeoutSeconds},
		{"IDEMPOTENCY_WAIT_POLL_INTERVAL_MS", &cfg.WaitPollIntervalMS},
		{"IDEMPOTENCY_CLEANUP_INTERVAL_SECONDS", &cfg.CleanupIntervalSeconds},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("idemgate: %s: %w", iv.name, err)
		}
		*iv.dst = n
	}
	if v := os.Getenv("IDEMPOTENCY_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("idemgate: IDEMPOTENCY_MAX_BODY_BYTES: %w", err)
		}
		cfg.MaxBodyBytes = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
