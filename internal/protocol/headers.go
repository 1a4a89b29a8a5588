package protocol

import (
	"net/http"
	"strings"
)

// hopByHop lists connection-scoped headers that must not traverse the
// tunnel in either direction (RFC 9110 §7.6.1).
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// IsHopByHop reports whether the header name is connection-scoped.
func IsHopByHop(name string) bool {
	_, ok := hopByHop[strings.ToLower(name)]
	return ok
}

// FromHTTPHeader flattens an http.Header into an ordered list,
// preserving duplicate values per key and dropping hop-by-hop headers,
// including any additionally named by the Connection header.
func FromHTTPHeader(h http.Header) Headers {
	extra := connectionTokens(h.Values("Connection"))

	out := make(Headers, 0, len(h))
	for key, values := range h {
		if IsHopByHop(key) {
			continue
		}
		if _, named := extra[strings.ToLower(key)]; named {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	return out
}

// ToHTTPHeader expands an ordered header list into an http.Header,
// again dropping hop-by-hop entries so a misbehaving peer cannot smuggle
// them back across the proxy.
func ToHTTPHeader(hs Headers) http.Header {
	out := make(http.Header, len(hs))

	extra := map[string]struct{}{}
	for _, kv := range hs {
		if strings.EqualFold(kv[0], "Connection") {
			for tok := range connectionTokens([]string{kv[1]}) {
				extra[tok] = struct{}{}
			}
		}
	}

	for _, kv := range hs {
		if IsHopByHop(kv[0]) {
			continue
		}
		if _, named := extra[strings.ToLower(kv[0])]; named {
			continue
		}
		out.Add(kv[0], kv[1])
	}
	return out
}

func connectionTokens(values []string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "" {
				tokens[tok] = struct{}{}
			}
		}
	}
	return tokens
}
