package idemgate

import (
	"testing"
)

func TestLoadConfigJSON_OverlaysDefaults(t *testing.T) {
	cfg, err := LoadConfigJSON([]byte(`{
		"wait_policy": "no-wait",
		"default_ttl_seconds": 3600,
		"enabled_methods": ["POST", "PUT"]
	}`))
	if err != nil {
		t.Fatalf("LoadConfigJSON failed: %v", err)
	}
	if cfg.WaitPolicy != WaitPolicyNoWait {
		t.Errorf("Expected no-wait, got %s", cfg.WaitPolicy)
	}
	if cfg.DefaultTTLSeconds != 3600 {
		t.Errorf("Expected 3600, got %d", cfg.DefaultTTLSeconds)
	}
	if len(cfg.EnabledMethods) != 2 {
		t.Errorf("Expected 2 methods, got %v", cfg.EnabledMethods)
	}
	// Untouched fields keep their defaults.
	if cfg.ExecutionTimeoutSeconds != DefaultExecutionTimeoutSeconds {
		t.Errorf("Expected default timeout, got %d", cfg.ExecutionTimeoutSeconds)
	}
	if cfg.WaitPollIntervalMS != DefaultWaitPollIntervalMS {
		t.Errorf("Expected default poll interval, got %d", cfg.WaitPollIntervalMS)
	}
}

func TestLoadConfigJSON_RejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown field", `{"storage_adapter": "redis"}`},
		{"bad policy", `{"wait_policy": "eventually"}`},
		{"ttl out of range", `{"default_ttl_seconds": 9999999}`},
		{"wrong type", `{"max_body_bytes": "large"}`},
		{"not json", `wait_policy=no-wait`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfigJSON([]byte(tc.doc)); err == nil {
				t.Error("Expected rejection")
			}
		})
	}
}

func TestLoadConfigJSON_ExplicitZeroBodyCap(t *testing.T) {
	cfg, err := LoadConfigJSON([]byte(`{"max_body_bytes": 0}`))
	if err != nil {
		t.Fatalf("LoadConfigJSON failed: %v", err)
	}
	if cfg.MaxBodyBytes != 0 {
		t.Errorf("Expected explicit zero to disable the cap, got %d", cfg.MaxBodyBytes)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("IDEMPOTENCY_ENABLED_METHODS", "POST,PUT")
	t.Setenv("IDEMPOTENCY_DEFAULT_TTL_SECONDS", "3600")
	t.Setenv("IDEMPOTENCY_WAIT_POLICY", "no-wait")
	t.Setenv("IDEMPOTENCY_MAX_BODY_BYTES", "2048")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv failed: %v", err)
	}
	if len(cfg.EnabledMethods) != 2 || cfg.EnabledMethods[0] != "POST" {
		t.Errorf("Expected methods from env, got %v", cfg.EnabledMethods)
	}
	if cfg.DefaultTTLSeconds != 3600 {
		t.Errorf("Expected TTL from env, got %d", cfg.DefaultTTLSeconds)
	}
	if cfg.WaitPolicy != WaitPolicyNoWait {
		t.Errorf("Expected no-wait from env, got %s", cfg.WaitPolicy)
	}
	if cfg.MaxBodyBytes != 2048 {
		t.Errorf("Expected body cap from env, got %d", cfg.MaxBodyBytes)
	}
}

func TestConfigFromEnv_BadValues(t *testing.T) {
	t.Setenv("IDEMPOTENCY_DEFAULT_TTL_SECONDS", "soon")
	if _, err := ConfigFromEnv(); err == nil {
		t.Error("Expected unparseable env value to fail")
	}
}
