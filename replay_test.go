package idemgate

import (
	"bytes"
	"testing"
	"time"
)

func replayRecord(t *testing.T, headers map[string][]string) *IdempotencyRecord {
	t.Helper()
	now := time.Now().UTC()
	return &IdempotencyRecord{
		Key:         "payment-123",
		Fingerprint: fakeFingerprint("a"),
		State:       StateCompleted,
		Response: &StoredResponse{
			Status:          200,
			Headers:         headers,
			Body:            []byte(`{"result":"success"}`),
			ExecutionTimeMS: 42,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestReplayResponse_Basic(t *testing.T) {
	rec := replayRecord(t, map[string][]string{
		"content-type": {"application/json"},
	})

	resp, err := ReplayResponse(rec, "payment-123", false)
	if err != nil {
		t.Fatalf("ReplayResponse failed: %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("Expected status copied verbatim, got %d", resp.Status)
	}
	if !bytes.Equal(resp.Body, []byte(`{"result":"success"}`)) {
		t.Errorf("Expected body copied verbatim, got %s", resp.Body)
	}
	if resp.Headers.Get(HeaderIdempotentReplay) != "true" {
		t.Error("Expected Idempotent-Replay: true on replays")
	}
	if resp.Headers.Get(HeaderIdempotencyKey) != "payment-123" {
		t.Error("Expected Idempotency-Key annotation")
	}
}

func TestReplayResponse_FiltersVolatileHeaders(t *testing.T) {
	rec := replayRecord(t, map[string][]string{
		"content-type":      {"application/json"},
		"date":              {"Mon, 01 Jan 2024 00:00:00 GMT"},
		"server":            {"nginx/1.18.0"},
		"connection":        {"keep-alive"},
		"transfer-encoding": {"chunked"},
		"set-cookie":        {"session=abc"},
	})

	resp, err := ReplayResponse(rec, "payment-123", false)
	if err != nil {
		t.Fatalf("ReplayResponse failed: %v", err)
	}
	for _, dropped := range []string{"Date", "Server", "Connection", "Transfer-Encoding"} {
		if resp.Headers.Get(dropped) != "" {
			t.Errorf("Expected %s to be filtered from the replay", dropped)
		}
	}
	if resp.Headers.Get("Content-Type") != "application/json" {
		t.Error("Expected non-volatile headers to survive")
	}
	if resp.Headers.Get("Set-Cookie") == "" {
		t.Error("Expected Set-Cookie to survive without the drop policy")
	}
}

func TestReplayResponse_DropSetCookiePolicy(t *testing.T) {
	rec := replayRecord(t, map[string][]string{
		"set-cookie":    {"session=abc"},
		"etag":          {`"abc"`},
		"last-modified": {"Mon, 01 Jan 2024 00:00:00 GMT"},
		"content-type":  {"application/json"},
	})

	resp, err := ReplayResponse(rec, "payment-123", true)
	if err != nil {
		t.Fatalf("ReplayResponse failed: %v", err)
	}
	for _, dropped := range []string{"Set-Cookie", "Etag", "Last-Modified"} {
		if resp.Headers.Get(dropped) != "" {
			t.Errorf("Expected %s dropped under the cookie policy", dropped)
		}
	}
	if resp.Headers.Get("Content-Type") == "" {
		t.Error("Expected content-type to survive the cookie policy")
	}
}

func TestReplayResponse_Idempotent(t *testing.T) {
	rec := replayRecord(t, map[string][]string{"content-type": {"application/json"}})

	first, err := ReplayResponse(rec, "payment-123", false)
	if err != nil {
		t.Fatalf("ReplayResponse failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := ReplayResponse(rec, "payment-123", false)
		if err != nil {
			t.Fatalf("ReplayResponse failed on iteration %d: %v", i, err)
		}
		if again.Status != first.Status || !bytes.Equal(again.Body, first.Body) {
			t.Fatal("Expected byte-identical replays")
		}
	}
}

func TestReplayResponse_MultiValuedHeaders(t *testing.T) {
	rec := replayRecord(t, map[string][]string{
		"x-items": {"one", "two", "three"},
	})

	resp, err := ReplayResponse(rec, "payment-123", false)
	if err != nil {
		t.Fatalf("ReplayResponse failed: %v", err)
	}
	values := resp.Headers.Values("X-Items")
	if len(values) != 3 || values[0] != "one" || values[2] != "three" {
		t.Errorf("Expected multi-valued header order preserved, got %v", values)
	}
}

func TestReplayResponse_NoStoredResponse(t *testing.T) {
	rec := replayRecord(t, nil)
	rec.Response = nil
	if _, err := ReplayResponse(rec, "payment-123", false); err == nil {
		t.Error("Expected an error for a record with no stored response")
	}
}
