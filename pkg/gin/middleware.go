// Package gin provides the idemgate middleware for the Gin framework.
package gin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	idemgate "github.com/idempotency-foundation/idemgate/go"
)

// New builds the Gin middleware over a fresh engine.
func New(store idemgate.Store, opts ...idemgate.Option) (gin.HandlerFunc, error) {
	eng, err := idemgate.NewEngine(store, opts...)
	if err != nil {
		return nil, err
	}
	return Middleware(eng), nil
}

// Middleware enforces idempotency around the remaining Gin chain.
func Middleware(eng *idemgate.Engine) gin.HandlerFunc {
	cfg := eng.Config()

	return func(c *gin.Context) {
		if !cfg.MethodEnabled(c.Request.Method) {
			c.Next()
			return
		}

		key := c.GetHeader(idemgate.HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}

		if err := idemgate.ValidateKey(key); err != nil {
			c.String(http.StatusUnprocessableEntity, "invalid idempotency key")
			c.Abort()
			return
		}

		body, tooLarge, err := readBody(c.Request.Body, cfg.MaxBodyBytes)
		if err != nil {
			c.String(http.StatusInternalServerError, "failed to read request body")
			c.Abort()
			return
		}
		if tooLarge {
			c.String(http.StatusRequestEntityTooLarge, "request body exceeds maximum size")
			c.Abort()
			return
		}

		req := &idemgate.Request{
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			RawQuery: c.Request.URL.RawQuery,
			Headers:  c.Request.Header,
			Body:     body,
		}
		adm := idemgate.NewAdmission(&cfg, key, req)

		original := c.Writer
		handler := func(ctx context.Context) (*idemgate.Response, error) {
			capture := &captureWriter{ResponseWriter: original, header: make(http.Header), status: http.StatusOK}
			c.Writer = capture
			c.Request = c.Request.Clone(ctx)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
			c.Request.ContentLength = int64(len(body))
			c.Next()
			c.Writer = original
			return capture.response(), nil
		}

		result, err := eng.Execute(c.Request.Context(), adm, handler)
		c.Writer = original
		if err != nil {
			var conflict *idemgate.ConflictError
			if errors.As(err, &conflict) {
				c.Header(idemgate.HeaderIdempotencyKey, key)
				c.String(http.StatusConflict, "request conflict: fingerprint mismatch for idempotency key")
				c.Abort()
				return
			}
			c.String(http.StatusInternalServerError, "idempotency processing failed")
			c.Abort()
			return
		}

		dst := original.Header()
		for name, values := range result.Response.Headers {
			dst[http.CanonicalHeaderKey(name)] = values
		}
		original.WriteHeader(result.Response.Status)
		_, _ = original.Write(result.Response.Body)
		c.Abort()
	}
}

func readBody(body io.ReadCloser, limit int64) (data []byte, tooLarge bool, err error) {
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

// captureWriter satisfies gin.ResponseWriter while diverting everything
// the chain writes into a buffer.
type captureWriter struct {
	gin.ResponseWriter
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (w *captureWriter) Header() http.Header { return w.header }

func (w *captureWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
}

func (w *captureWriter) WriteHeaderNow() {}

func (w *captureWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(p)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *captureWriter) Status() int { return w.status }

func (w *captureWriter) Size() int { return w.body.Len() }

func (w *captureWriter) Written() bool { return w.wroteHeader }

func (w *captureWriter) response() *idemgate.Response {
	return &idemgate.Response{
		Status:  w.status,
		Headers: w.header,
		Body:    w.body.Bytes(),
	}
}
