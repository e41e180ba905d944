package bastion

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CanonicalQuery rewrites a raw query string into a canonical form:
// parameters sorted by key then value, percent-escapes re-encoded with
// lowercase hex, and empty values preserved. Two URLs naming the same
// parameters in any order produce identical output.
func CanonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// Unparseable queries are keyed verbatim so they still cache
		// consistently with themselves.
		return lowerHexEscapes(rawQuery)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(lowerHexEscapes(url.QueryEscape(k)))
			b.WriteByte('=')
			b.WriteString(lowerHexEscapes(url.QueryEscape(v)))
		}
	}
	return b.String()
}

// lowerHexEscapes lowercases the hex digits of percent escapes without
// touching unescaped characters.
func lowerHexEscapes(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	b := []byte(s)
	for i := 0; i+2 < len(b); i++ {
		if b[i] == '%' {
			b[i+1] = lowerHexDigit(b[i+1])
			b[i+2] = lowerHexDigit(b[i+2])
			i += 2
		}
	}
	return string(b)
}

func lowerHexDigit(c byte) byte {
	if c >= 'A' && c <= 'F' {
		return c + ('a' - 'A')
	}
	return c
}

// CacheKey derives the stable two-part key for a request. The first part
// hashes the endpoint identity (method, authority, path); the second
// hashes the canonical query plus an optional caller scope such as a
// tenant or credential identity. Keys sharing an endpoint share a prefix,
// which is what endpoint-level invalidation deletes by.
func CacheKey(method, authority, path, rawQuery, scope string) string {
	endpoint := xxhash.New()
	endpoint.WriteString(strings.ToUpper(method))
	endpoint.WriteString("|")
	endpoint.WriteString(strings.ToLower(authority))
	endpoint.WriteString("|")
	endpoint.WriteString(path)

	params := xxhash.New()
	params.WriteString(CanonicalQuery(rawQuery))
	params.WriteString("|")
	params.WriteString(scope)

	return fmt.Sprintf("%016x.%016x", endpoint.Sum64(), params.Sum64())
}

// EndpointPrefix derives the key prefix shared by every variant of one
// endpoint, suitable for prefix deletion.
func EndpointPrefix(method, authority, path string) string {
	endpoint := xxhash.New()
	endpoint.WriteString(strings.ToUpper(method))
	endpoint.WriteString("|")
	endpoint.WriteString(strings.ToLower(authority))
	endpoint.WriteString("|")
	endpoint.WriteString(path)
	return fmt.Sprintf("%016x.", endpoint.Sum64())
}
