package idemgate

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Fingerprint computes the deterministic digest of a normalized request.
//
// The digest is assembled from canonical representations of the request
// components, joined by LF, and hashed with SHA-256:
//
//  1. Method: uppercase
//  2. Path: lowercase, single trailing slash stripped (except "/");
//     percent-encoding is preserved as-is
//  3. Query: parsed as application/x-www-form-urlencoded keeping blank
//     values and duplicate keys, sorted by (key, value), re-encoded
//  4. Headers: restricted to includeHeaders (case-insensitive), names
//     lowercased, values trimmed, serialized as a key-sorted JSON object
//  5. Body: SHA-256 hex of the raw bytes
//
// Permuting query parameters or header insertion order does not change
// the result. includeHeaders defaults to content-type and content-length
// when nil.
func Fingerprint(method, path, rawQuery string, headers http.Header, body []byte, includeHeaders []string) string {
	if includeHeaders == nil {
		includeHeaders = defaultFingerprintHeaders
	}

	canonicalMethod := strings.ToUpper(method)
	canonicalPath := canonicalizePath(path)
	canonicalQuery := canonicalizeQuery(rawQuery)
	canonicalHeaders := canonicalizeHeaders(headers, includeHeaders)

	bodyDigest := sha256.Sum256(body)

	components := []string{
		canonicalMethod,
		canonicalPath,
		canonicalQuery,
		canonicalHeaders,
		hex.EncodeToString(bodyDigest[:]),
	}
	sum := sha256.Sum256([]byte(strings.Join(components, "\n")))
	return hex.EncodeToString(sum[:])
}

func canonicalizePath(path string) string {
	if path == "" {
		return "/"
	}
	p := strings.ToLower(path)
	if p != "/" && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

type queryPair struct {
	key   string
	value string
}

// canonicalizeQuery parses, sorts by (key, value), and re-encodes. Blank
// values survive as "key=". Undecodable segments are kept verbatim so the
// fingerprint stays deterministic for malformed input.
func canonicalizeQuery(rawQuery string) string {
	if strings.TrimSpace(rawQuery) == "" {
		return ""
	}

	var pairs []queryPair
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		key, value, _ := strings.Cut(segment, "=")
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		pairs = append(pairs, queryPair{key: key, value: value})
	}
	if len(pairs) == 0 {
		return ""
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func canonicalizeHeaders(headers http.Header, includeHeaders []string) string {
	included := make(map[string]bool, len(includeHeaders))
	for _, name := range includeHeaders {
		included[strings.ToLower(name)] = true
	}

	canonical := make(map[string]string)
	for name, values := range headers {
		lower := strings.ToLower(name)
		if !included[lower] || len(values) == 0 {
			continue
		}
		canonical[lower] = strings.TrimSpace(values[0])
	}

	// json.Marshal emits map keys in sorted order, matching the contract.
	encoded, err := json.Marshal(canonical)
	if err != nil {
		// A map[string]string cannot fail to encode; keep the signature pure.
		return "{}"
	}
	return string(encoded)
}
