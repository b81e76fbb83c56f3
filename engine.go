package idemgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
)

// HandlerFunc executes the guarded side effect. It runs at most once per
// key within a live record window.
type HandlerFunc func(ctx context.Context) (*Response, error)

// Admission is a request the middleware has validated and fingerprinted.
type Admission struct {
	Key         string
	Fingerprint string
	// TTL is the clamped per-request record lifetime; zero means the
	// configured default.
	TTL     time.Duration
	TraceID string
}

// Result is the outcome of driving an admission through the state machine.
type Result struct {
	Response *Response
	// Replayed is true when the response came from a stored record rather
	// than a handler invocation.
	Replayed bool
	// ExecutionTimeMS is the handler execution time, original or recorded.
	ExecutionTimeMS int64
}

// Engine is the per-key state machine. It consumes store primitives, the
// fingerprint, and replay to decide the outcome of each admission:
// execute, replay, conflict, in-progress rejection, or timeout.
type Engine struct {
	store   Store
	cfg     Config
	log     hclog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewEngine builds a state machine over the given store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	s := settings{
		cfg: DefaultConfig(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if s.logger == nil {
		s.logger = hclog.NewNullLogger()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return &Engine{
		store:   store,
		cfg:     s.cfg,
		log:     s.logger.Named("idemgate"),
		metrics: s.metrics,
		now:     s.now,
	}, nil
}

// Config returns the validated configuration the engine runs with.
func (e *Engine) Config() Config { return e.cfg }

// Metrics returns the engine's metrics sink.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Execute drives one admission through the state machine.
//
// A *ConflictError is returned for fingerprint mismatches; wrapped
// ErrStoreFault for backend failures. Policy outcomes (in-progress
// rejection, wait timeout) are returned as synthesized responses, not
// errors, so callers deliver them like any other response.
func (e *Engine) Execute(ctx context.Context, adm Admission, handler HandlerFunc) (*Result, error) {
	ttl := adm.TTL
	if ttl <= 0 {
		ttl = e.cfg.DefaultTTL()
	}

	for {
		rec, err := e.store.Get(ctx, adm.Key)
		if err != nil {
			e.metrics.incrStoreFault()
			return nil, storeFault("get", err)
		}

		if rec == nil {
			lease, err := e.store.PutNewRunning(ctx, adm.Key, adm.Fingerprint, ttl, adm.TraceID)
			if err != nil {
				e.metrics.incrStoreFault()
				return nil, storeFault("put_new_running", err)
			}
			if lease.Acquired {
				e.log.Debug("lease acquired", "key", adm.Key, "trace_id", adm.TraceID)
				return e.runHandler(ctx, adm, lease.LeaseToken, handler)
			}
			// Race lost: treat the winner's record as if observed above.
			rec = lease.Existing
			if rec == nil {
				continue
			}
		}

		if rec.State.Terminal() {
			return e.replayTerminal(rec, adm)
		}

		// RUNNING. A mismatched concurrent request conflicts immediately
		// rather than waiting for an artifact it could never replay.
		if rec.Fingerprint != adm.Fingerprint {
			e.metrics.incrConflict()
			return nil, &ConflictError{
				Key:                adm.Key,
				StoredFingerprint:  rec.Fingerprint,
				RequestFingerprint: adm.Fingerprint,
			}
		}

		if e.cfg.WaitPolicy == WaitPolicyNoWait {
			e.metrics.incrInProgressRejection()
			return e.inProgressResult(rec, adm.Key), nil
		}

		res, reacquire, err := e.awaitCompletion(ctx, adm)
		if err != nil {
			return nil, err
		}
		if reacquire {
			// The RUNNING record expired mid-wait; the key is NEW again.
			continue
		}
		return res, nil
	}
}

// runHandler owns the lease: it invokes the handler once and records the
// terminal state before returning, even when the caller's context has
// been cancelled, so retries observe a deterministic outcome.
func (e *Engine) runHandler(ctx context.Context, adm Admission, leaseToken string, handler HandlerFunc) (*Result, error) {
	start := e.now()
	hctx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout())
	defer cancel()

	resp, err := e.invoke(hctx, handler)
	elapsed := e.now().Sub(start)

	storeCtx := context.WithoutCancel(ctx)

	if err != nil {
		e.metrics.incrHandlerFailure()
		e.log.Error("handler failed", "key", adm.Key, "trace_id", adm.TraceID, "error", err)

		failure := failureResponse(err)
		if ferr := e.store.Fail(storeCtx, leaseToken, NewStoredResponse(failure, elapsed)); ferr != nil {
			if !errors.Is(ferr, ErrWrongState) && !errors.Is(ferr, ErrUnknownLease) {
				e.metrics.incrStoreFault()
				return nil, storeFault("fail", ferr)
			}
			e.log.Warn("stale lease on failure transition", "key", adm.Key, "error", ferr)
		}
		annotateResponse(failure.Headers, adm.Key, false)
		return &Result{Response: failure, ExecutionTimeMS: elapsed.Milliseconds()}, nil
	}

	e.metrics.incrNewExecution()
	if cerr := e.store.Complete(storeCtx, leaseToken, NewStoredResponse(resp, elapsed)); cerr != nil {
		if !errors.Is(cerr, ErrWrongState) && !errors.Is(cerr, ErrUnknownLease) {
			e.metrics.incrStoreFault()
			return nil, storeFault("complete", cerr)
		}
		// The record was superseded mid-flight. The handler outcome is
		// still the right answer for this caller.
		e.log.Warn("stale lease on completion", "key", adm.Key, "error", cerr)
	}
	e.log.Debug("handler completed", "key", adm.Key, "status", resp.Status,
		"execution_time_ms", elapsed.Milliseconds())

	out := &Response{
		Status:  resp.Status,
		Headers: cloneHeader(resp.Headers),
		Body:    resp.Body,
	}
	annotateResponse(out.Headers, adm.Key, false)
	return &Result{Response: out, ExecutionTimeMS: elapsed.Milliseconds()}, nil
}

// invoke calls the handler, converting panics and nil responses into
// errors so they are captured as FAILED artifacts.
func (e *Engine) invoke(ctx context.Context, handler HandlerFunc) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	resp, err = handler(ctx)
	if err == nil && resp == nil {
		err = errors.New("handler returned no response")
	}
	return resp, err
}

// replayTerminal checks the fingerprint and replays a terminal record.
func (e *Engine) replayTerminal(rec *IdempotencyRecord, adm Admission) (*Result, error) {
	if rec.Fingerprint != adm.Fingerprint {
		e.metrics.incrConflict()
		return nil, &ConflictError{
			Key:                adm.Key,
			StoredFingerprint:  rec.Fingerprint,
			RequestFingerprint: adm.Fingerprint,
		}
	}
	resp, err := ReplayResponse(rec, adm.Key, e.cfg.DropSetCookie)
	if err != nil {
		return nil, err
	}
	e.metrics.incrReplay()
	e.log.Debug("response replayed", "key", adm.Key, "state", string(rec.State))
	var execMS int64
	if rec.Response != nil {
		execMS = rec.Response.ExecutionTimeMS
	}
	return &Result{Response: resp, Replayed: true, ExecutionTimeMS: execMS}, nil
}

// awaitCompletion polls the store until the RUNNING record reaches a
// terminal state, expires (reacquire=true), or the execution timeout
// elapses.
func (e *Engine) awaitCompletion(ctx context.Context, adm Admission) (res *Result, reacquire bool, err error) {
	deadline := time.NewTimer(e.cfg.ExecutionTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.WaitPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-deadline.C:
			e.metrics.incrWaitTimeout()
			e.log.Debug("wait timed out", "key", adm.Key)
			return e.timeoutResult(adm.Key), false, nil
		case <-ticker.C:
			rec, gerr := e.store.Get(ctx, adm.Key)
			if gerr != nil {
				e.metrics.incrStoreFault()
				return nil, false, storeFault("get", gerr)
			}
			if rec == nil {
				return nil, true, nil
			}
			if rec.State.Terminal() {
				res, err = e.replayTerminal(rec, adm)
				return res, false, err
			}
		}
	}
}

// inProgressResult synthesizes the no-wait rejection for a live RUNNING
// record. Retry-After hints the earlier of record expiry and a small
// policy constant.
func (e *Engine) inProgressResult(rec *IdempotencyRecord, key string) *Result {
	retryAfter := 5
	if until := int(rec.ExpiresAt.Sub(e.now()).Seconds()); until > 0 && until < retryAfter {
		retryAfter = until
	}
	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	headers.Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
	annotateResponse(headers, key, false)
	return &Result{Response: &Response{
		Status:  e.cfg.InProgressStatusCode,
		Headers: headers,
		Body:    []byte("request is currently being processed"),
	}}
}

// timeoutResult synthesizes the wait-policy timeout response. The RUNNING
// record is left untouched.
func (e *Engine) timeoutResult(key string) *Result {
	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	headers.Set(HeaderRetryAfter, "10")
	annotateResponse(headers, key, false)
	return &Result{Response: &Response{
		Status:  e.cfg.TimeoutStatusCode,
		Headers: headers,
		Body:    []byte("execution timeout - request still processing"),
	}}
}

func failureResponse(err error) *Response {
	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	return &Response{
		Status:  http.StatusInternalServerError,
		Headers: headers,
		Body:    []byte(fmt.Sprintf("Internal error: %v", err)),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		out[name] = append([]string(nil), values...)
	}
	return out
}
