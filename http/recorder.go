package http

import (
	"bytes"
	"net/http"

	idemgate "github.com/idempotency-foundation/idemgate/go"
)

// responseRecorder captures the downstream handler's output so the engine
// can store it before anything reaches the wire.
type responseRecorder struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

func (r *responseRecorder) response() *idemgate.Response {
	return &idemgate.Response{
		Status:  r.status,
		Headers: r.header,
		Body:    r.body.Bytes(),
	}
}

var _ http.ResponseWriter = (*responseRecorder)(nil)
