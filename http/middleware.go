// Package http adapts the idemgate engine to net/http. The middleware
// follows the standard func(http.Handler) http.Handler shape and composes
// with any stdlib-compatible router (chi, gorilla, plain ServeMux).
package http

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	idemgate "github.com/idempotency-foundation/idemgate/go"
)

// New builds the middleware over a fresh engine. Options are the root
// package options (WithConfig, WithLogger, WithMetrics).
func New(store idemgate.Store, opts ...idemgate.Option) (func(http.Handler) http.Handler, error) {
	eng, err := idemgate.NewEngine(store, opts...)
	if err != nil {
		return nil, err
	}
	return Middleware(eng), nil
}

// Middleware wraps downstream handlers with idempotency enforcement
// driven by an existing engine.
//
// Admission order: method gate, key presence, key validation (422), body
// cap (413), fingerprint, state machine. Requests that fail admission are
// never fingerprinted and never written to the store.
func Middleware(eng *idemgate.Engine) func(http.Handler) http.Handler {
	cfg := eng.Config()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.MethodEnabled(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(idemgate.HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := idemgate.ValidateKey(key); err != nil {
				writeError(w, http.StatusUnprocessableEntity, "invalid idempotency key")
				return
			}

			body, tooLarge, err := bufferBody(r.Body, cfg.MaxBodyBytes)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to read request body")
				return
			}
			if tooLarge {
				writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds maximum size")
				return
			}

			req := &idemgate.Request{
				Method:   r.Method,
				Path:     r.URL.Path,
				RawQuery: r.URL.RawQuery,
				Headers:  r.Header,
				Body:     body,
			}
			adm := idemgate.NewAdmission(&cfg, key, req)

			handler := func(ctx context.Context) (*idemgate.Response, error) {
				rec := newResponseRecorder()
				clone := r.Clone(ctx)
				clone.Body = io.NopCloser(bytes.NewReader(body))
				clone.ContentLength = int64(len(body))
				next.ServeHTTP(rec, clone)
				return rec.response(), nil
			}

			result, err := eng.Execute(r.Context(), adm, handler)
			if err != nil {
				var conflict *idemgate.ConflictError
				if errors.As(err, &conflict) {
					h := w.Header()
					h.Set("Content-Type", "text/plain")
					h.Set(idemgate.HeaderIdempotencyKey, key)
					w.WriteHeader(http.StatusConflict)
					_, _ = w.Write([]byte("request conflict: fingerprint mismatch for idempotency key"))
					return
				}
				writeError(w, http.StatusInternalServerError, "idempotency processing failed")
				return
			}

			writeResponse(w, result.Response)
		})
	}
}

// bufferBody reads at most limit+1 bytes. tooLarge is reported as soon as
// the limit is crossed; the partial read is discarded.
func bufferBody(body io.ReadCloser, limit int64) (data []byte, tooLarge bool, err error) {
	if body == nil {
		return nil, false, nil
	}
	defer body.Close()

	if limit <= 0 {
		data, err = io.ReadAll(body)
		return data, false, err
	}

	data, err = io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return nil, true, nil
	}
	return data, false, nil
}

func writeResponse(w http.ResponseWriter, resp *idemgate.Response) {
	dst := w.Header()
	for name, values := range resp.Headers {
		dst[http.CanonicalHeaderKey(name)] = values
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}
