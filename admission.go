package idemgate

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Request headers recognized by the admission layer.
const (
	headerTTL         = "Idempotency-TTL"
	headerRequestID   = "X-Request-ID"
	headerTraceID     = "X-Trace-ID"
	headerTraceparent = "Traceparent"
)

// ExtractTraceID pulls a correlation id from the request, preferring
// X-Request-ID, then X-Trace-ID, then Traceparent.
func ExtractTraceID(h http.Header) string {
	for _, name := range []string{headerRequestID, headerTraceID, headerTraceparent} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// RequestTTL reads the optional Idempotency-TTL header and clamps it into
// the configured bounds. Absent or unparseable values yield zero, meaning
// the default TTL applies.
func (c *Config) RequestTTL(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get(headerTTL))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return c.ClampTTL(time.Duration(secs) * time.Second)
}

// NewAdmission fingerprints the normalized request and assembles the
// admission handed to the engine. The key must already be validated.
func NewAdmission(cfg *Config, key string, req *Request) Admission {
	return Admission{
		Key:         key,
		Fingerprint: Fingerprint(req.Method, req.Path, req.RawQuery, req.Headers, req.Body, cfg.FingerprintHeaders),
		TTL:         cfg.RequestTTL(req.Headers),
		TraceID:     ExtractTraceID(req.Headers),
	}
}
