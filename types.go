package idemgate

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// RequestState is the lifecycle state of an idempotency record.
// The absence of a record is the implicit NEW state.
type RequestState string

const (
	// StateRunning means a handler currently owns the key's lease.
	StateRunning RequestState = "RUNNING"
	// StateCompleted means the handler returned and its response is stored.
	StateCompleted RequestState = "COMPLETED"
	// StateFailed means the handler panicked, returned an error, or returned
	// no response, and a synthesized 500 response is stored.
	StateFailed RequestState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StoredResponse is a captured handler outcome.
//
// Headers are keyed by lowercased name; value order is preserved only
// within a name. The body is raw bytes in memory and base64 on the wire.
type StoredResponse struct {
	Status          int                 `json:"status"`
	Headers         map[string][]string `json:"headers"`
	Body            []byte              `json:"body_b64"`
	ExecutionTimeMS int64               `json:"execution_time_ms"`
}

// IdempotencyRecord is the unit stored under a key.
type IdempotencyRecord struct {
	Key         string
	Fingerprint string
	State       RequestState
	Response    *StoredResponse
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LeaseToken  string
	TraceID     string
}

// Expired reports whether the record is past its expiry at the given instant.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a copy safe to hand to callers while the store keeps
// mutating its own instance.
func (r *IdempotencyRecord) Clone() *IdempotencyRecord {
	cp := *r
	if r.Response != nil {
		resp := *r.Response
		cp.Response = &resp
	}
	return &cp
}

// LeaseResult is the outcome of an atomic reservation attempt.
// Acquired=true carries the lease token; Acquired=false carries the
// record that won.
type LeaseResult struct {
	Acquired   bool
	LeaseToken string
	Existing   *IdempotencyRecord
}

// recordWire is the persisted JSON shape for stores that serialize.
// Timestamps are RFC 3339 UTC; the body rides base64 inside response.
type recordWire struct {
	Key             string          `json:"key"`
	Fingerprint     string          `json:"fingerprint"`
	State           RequestState    `json:"state"`
	Response        *StoredResponse `json:"response,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ExecutionTimeMS int64           `json:"execution_time_ms,omitempty"`
	LeaseToken      string          `json:"lease_token,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
}

// MarshalRecord serializes a record into the persisted JSON shape.
func MarshalRecord(rec *IdempotencyRecord) ([]byte, error) {
	w := recordWire{
		Key:         rec.Key,
		Fingerprint: rec.Fingerprint,
		State:       rec.State,
		Response:    rec.Response,
		CreatedAt:   rec.CreatedAt.UTC(),
		ExpiresAt:   rec.ExpiresAt.UTC(),
		LeaseToken:  rec.LeaseToken,
		TraceID:     rec.TraceID,
	}
	if rec.Response != nil {
		w.ExecutionTimeMS = rec.Response.ExecutionTimeMS
	}
	return json.Marshal(w)
}

// UnmarshalRecord deserializes a record from the persisted JSON shape.
func UnmarshalRecord(data []byte) (*IdempotencyRecord, error) {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("idemgate: decode record: %w", err)
	}
	rec := &IdempotencyRecord{
		Key:         w.Key,
		Fingerprint: w.Fingerprint,
		State:       w.State,
		Response:    w.Response,
		CreatedAt:   w.CreatedAt,
		ExpiresAt:   w.ExpiresAt,
		LeaseToken:  w.LeaseToken,
		TraceID:     w.TraceID,
	}
	return rec, nil
}

// Request is the normalized request shape the framework adapters hand to
// the fingerprint function and the engine.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Headers  http.Header
	Body     []byte
}

// Response is the normalized response shape produced by handlers and by
// replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// NewStoredResponse converts a handler response into its stored form,
// lowercasing header names per the record contract.
func NewStoredResponse(resp *Response, executionTime time.Duration) *StoredResponse {
	headers := make(map[string][]string, len(resp.Headers))
	for name, values := range resp.Headers {
		headers[strings.ToLower(name)] = append([]string(nil), values...)
	}
	return &StoredResponse{
		Status:          resp.Status,
		Headers:         headers,
		Body:            append([]byte(nil), resp.Body...),
		ExecutionTimeMS: executionTime.Milliseconds(),
	}
}

// ValidateKey checks an idempotency key against the admission rules:
// 1-255 characters, printable ASCII, no CR/LF.
func ValidateKey(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	if len(key) > 255 {
		return fmt.Errorf("%w: exceeds 255 characters", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c < 0x20 || c > 0x7e {
			return fmt.Errorf("%w: non-printable character at position %d", ErrInvalidKey, i)
		}
	}
	return nil
}
