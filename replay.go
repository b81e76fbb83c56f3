package idemgate

import (
	"fmt"
	"net/http"
	"strings"
)

// Headers dropped from every replayed response. They are hop-by-hop or
// volatile and would differ between the original response and the replay.
var volatileHeaders = map[string]bool{
	"date":                true,
	"server":              true,
	"connection":          true,
	"transfer-encoding":   true,
	"keep-alive":          true,
	"trailer":             true,
	"upgrade":             true,
	"proxy-connection":    true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
}

// Additionally dropped under the DropSetCookie policy.
var cookieVolatileHeaders = map[string]bool{
	"set-cookie":    true,
	"age":           true,
	"expires":       true,
	"etag":          true,
	"last-modified": true,
}

// HeaderIdempotencyKey echoes the key on every mediated response.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplay marks responses served from a stored record.
const HeaderIdempotentReplay = "Idempotent-Replay"

// HeaderRetryAfter carries the retry hint on in-progress and timeout
// responses.
const HeaderRetryAfter = "Retry-After"

// ReplayResponse reconstructs the client-facing response from a terminal
// record: status and body verbatim, volatile headers filtered, replay
// annotations attached.
func ReplayResponse(rec *IdempotencyRecord, key string, dropSetCookie bool) (*Response, error) {
	if rec.Response == nil {
		return nil, fmt.Errorf("idemgate: record %q has no stored response", rec.Key)
	}
	stored := rec.Response

	headers := FilterResponseHeaders(stored.Headers, dropSetCookie)
	annotateResponse(headers, key, true)

	return &Response{
		Status:  stored.Status,
		Headers: headers,
		Body:    append([]byte(nil), stored.Body...),
	}, nil
}

// FilterResponseHeaders copies headers, dropping the volatile set and,
// when dropSetCookie is set, cookies and cache validators.
func FilterResponseHeaders(headers map[string][]string, dropSetCookie bool) http.Header {
	filtered := make(http.Header, len(headers))
	for name, values := range headers {
		lower := strings.ToLower(name)
		if volatileHeaders[lower] {
			continue
		}
		if dropSetCookie && cookieVolatileHeaders[lower] {
			continue
		}
		for _, v := range values {
			filtered.Add(name, v)
		}
	}
	return filtered
}

// annotateResponse attaches Idempotency-Key and, on replays, the replay
// marker. First executions carry only the key.
func annotateResponse(headers http.Header, key string, replay bool) {
	if replay {
		headers.Set(HeaderIdempotentReplay, "true")
	}
	headers.Set(HeaderIdempotencyKey, key)
}
