package badgerstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"

	idemgate "github.com/idempotency-foundation/idemgate/go"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func fp(seed string) string {
	return strings.Repeat(seed, 64)
}

func response(status int) *idemgate.StoredResponse {
	return &idemgate.StoredResponse{
		Status:          status,
		Headers:         map[string][]string{"content-type": {"application/json"}},
		Body:            []byte(`{"ok":true}`),
		ExecutionTimeMS: 7,
	}
}

func TestBadgerStore_LeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	lease, err := store.PutNewRunning(ctx, "k1", fp("a"), time.Minute, "trace-1")
	if err != nil {
		t.Fatalf("PutNewRunning failed: %v", err)
	}
	if !lease.Acquired || lease.LeaseToken == "" {
		t.Fatalf("Expected acquired lease, got %+v", lease)
	}

	rec, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil || rec.State != idemgate.StateRunning {
		t.Fatalf("Expected RUNNING record, got %+v", rec)
	}
	if rec.TraceID != "trace-1" {
		t.Errorf("Expected trace id round-tripped, got %q", rec.TraceID)
	}

	if err := store.Complete(ctx, lease.LeaseToken, response(201)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	rec, _ = store.Get(ctx, "k1")
	if rec.State != idemgate.StateCompleted || rec.Response.Status != 201 {
		t.Errorf("Expected COMPLETED 201, got %+v", rec)
	}
	if rec.LeaseToken != "" {
		t.Error("Expected lease token cleared")
	}
	if string(rec.Response.Body) != `{"ok":true}` {
		t.Errorf("Expected body round-tripped through base64, got %s", rec.Response.Body)
	}
}

func TestBadgerStore_SecondAcquisitionFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, _ = store.PutNewRunning(ctx, "k1", fp("a"), time.Minute, "")
	second, err := store.PutNewRunning(ctx, "k1", fp("a"), time.Minute, "")
	if err != nil {
		t.Fatalf("PutNewRunning failed: %v", err)
	}
	if second.Acquired {
		t.Error("Expected second acquisition to fail")
	}
	if second.Existing == nil || second.Existing.State != idemgate.StateRunning {
		t.Fatalf("Expected existing RUNNING record, got %+v", second.Existing)
	}
}

func TestBadgerStore_LeaseExclusivity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	lease, _ := store.PutNewRunning(ctx, "k1", fp("a"), time.Minute, "")

	if err := store.Complete(ctx, "bogus", response(200)); err != idemgate.ErrUnknownLease {
		t.Errorf("Expected ErrUnknownLease, got %v", err)
	}
	if err := store.Complete(ctx, lease.LeaseToken, response(200)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := store.Complete(ctx, lease.LeaseToken, response(200)); err != idemgate.ErrUnknownLease {
		t.Errorf("Expected ErrUnknownLease on retried completion, got %v", err)
	}
}

func TestBadgerStore_ExpiryAndShadowing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	store.now = func() time.Time { return now }

	stale, _ := store.PutNewRunning(ctx, "k1", fp("a"), time.Second, "")

	now = now.Add(2 * time.Second)

	if rec, _ := store.Get(ctx, "k1"); rec != nil {
		t.Error("Expected expired record unreachable")
	}

	fresh, err := store.PutNewRunning(ctx, "k1", fp("b"), time.Minute, "")
	if err != nil {
		t.Fatalf("PutNewRunning failed: %v", err)
	}
	if !fresh.Acquired {
		t.Fatal("Expected fresh lease after expiry")
	}

	if err := store.Complete(ctx, stale.LeaseToken, response(200)); err != idemgate.ErrUnknownLease {
		t.Errorf("Expected stale completion rejected, got %v", err)
	}

	rec, _ := store.Get(ctx, "k1")
	if rec.Fingerprint != fp("b") || rec.State != idemgate.StateRunning {
		t.Errorf("Expected the fresh record untouched, got %+v", rec)
	}
}

func TestBadgerStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	store.now = func() time.Time { return now }

	l1, _ := store.PutNewRunning(ctx, "old", fp("a"), time.Second, "")
	_ = store.Complete(ctx, l1.LeaseToken, response(200))
	_, _ = store.PutNewRunning(ctx, "live", fp("b"), time.Hour, "")

	removed, err := store.CleanupExpired(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	if rec, _ := store.Get(ctx, "live"); rec == nil {
		t.Error("Expected the live record to survive")
	}
	if rec, _ := store.Get(ctx, "old"); rec != nil {
		t.Error("Expected the expired record gone")
	}
}

func TestBadgerStore_PersistedShape(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	lease, _ := store.PutNewRunning(ctx, "k1", fp("a"), time.Minute, "trace-9")
	_ = store.Complete(ctx, lease.LeaseToken, response(200))

	var raw []byte
	err := store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recordPrefix + "k1"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("raw read failed: %v", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("Expected JSON record on disk: %v", err)
	}
	for _, field := range []string{"key", "fingerprint", "state", "response", "created_at", "expires_at"} {
		if _, ok := doc[field]; !ok {
			t.Errorf("Expected persisted field %q", field)
		}
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(doc["response"], &resp); err != nil {
		t.Fatalf("Expected response object: %v", err)
	}
	if _, ok := resp["body_b64"]; !ok {
		t.Error("Expected base64 body field in the persisted response")
	}
}
