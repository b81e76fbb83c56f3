// Package idemgate provides an idempotency enforcement layer for HTTP
// request handlers that perform side effects (payments, order creation,
// etc.).
//
// # Overview
//
// For any two requests carrying the same client-supplied Idempotency-Key
// within a configured time window, the downstream handler executes at most
// once. Later callers receive a replay of the stored response, or a 409
// conflict when the retried request's fingerprint differs from the
// original's.
//
// The package is built from five parts:
//
//   - Fingerprint: deterministic digest of the normalized request
//   - Store: keyed repository of idempotency records with atomic lease
//     acquisition (in-memory implementation included; Postgres and Badger
//     backends live under stores/)
//   - Replay: response reconstruction with volatile-header filtering
//   - Engine: the per-key state machine (NEW -> RUNNING -> COMPLETED/FAILED)
//   - Middleware adapters: net/http (http/), Gin (pkg/gin), Echo (pkg/echo)
//
// # Usage
//
// Basic usage with the default in-memory store:
//
//	store := idemgate.NewMemoryStore()
//	idem, err := idemhttp.New(store)
//	if err != nil {
//		log.Fatal(err)
//	}
//	handler := idem(mux)
//
// Custom configuration:
//
//	cfg := idemgate.DefaultConfig()
//	cfg.WaitPolicy = idemgate.WaitPolicyNoWait
//	cfg.DefaultTTLSeconds = 3600
//	idem, err := idemhttp.New(store, idemgate.WithConfig(cfg))
//
// Custom store backend (e.g. Postgres):
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	store := postgres.NewStore(pool)
//	idem, err := idemhttp.New(store)
//
// # Implementing Custom Stores
//
// Distributed deployments can implement the Store interface with a shared
// backend. The contract is documented on the interface; the essential
// property is that PutNewRunning is atomic with respect to concurrent
// calls on the same key, so exactly one caller acquires the lease.
package idemgate
