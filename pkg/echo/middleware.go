// Package echo provides the idemgate middleware for the Echo framework.
// It delegates to the net/http middleware through echo.WrapMiddleware, so
// the admission behavior is identical across adapters.
package echo

import (
	"github.com/labstack/echo/v4"

	idemgate "github.com/idempotency-foundation/idemgate/go"
	idemhttp "github.com/idempotency-foundation/idemgate/go/http"
)

// New builds the Echo middleware over a fresh engine.
func New(store idemgate.Store, opts ...idemgate.Option) (echo.MiddlewareFunc, error) {
	eng, err := idemgate.NewEngine(store, opts...)
	if err != nil {
		return nil, err
	}
	return Middleware(eng), nil
}

// Middleware enforces idempotency around the remaining Echo chain.
func Middleware(eng *idemgate.Engine) echo.MiddlewareFunc {
	return echo.WrapMiddleware(idemhttp.Middleware(eng))
}
