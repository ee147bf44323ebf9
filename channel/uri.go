// Package channel parses subscription channel URIs of the form
//
//	scheme:endpoint[?key=value&key=value]
//
// for example "nats:prices.eu.*" or "kafka:trades?brokers=k1:9092,k2:9092".
// The endpoint of a subscription channel may be a glob pattern where '.'
// separates segments: '*' matches within a segment and '**' across segments.
// A trailing '>' segment (NATS full wildcard) is treated as '**'.
package channel

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ParseError describes a channel URI that could not be parsed
type ParseError struct {
	URI    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid channel %q: %s", e.URI, e.Reason)
}

// URI is a parsed channel. It is immutable and safe to share.
type URI struct {
	raw      string
	scheme   string
	endpoint string
	params   map[string]string
	pattern  glob.Glob
}

func (u *URI) String() string   { return u.raw }
func (u *URI) Scheme() string   { return u.scheme }
func (u *URI) Endpoint() string { return u.endpoint }

// Param returns the value of a query parameter, or def when absent
func (u *URI) Param(key, def string) string {
	if v, ok := u.params[key]; ok {
		return v
	}
	return def
}

// ParamList splits a comma separated parameter, returning nil when absent
func (u *URI) ParamList(key string) []string {
	v, ok := u.params[key]
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsPattern reports whether the endpoint contains glob meta characters
func (u *URI) IsPattern() bool {
	return strings.ContainsAny(u.endpoint, "*?[{>")
}

// Matches reports whether a concrete source channel is covered by this
// (possibly wildcard) subscription channel
func (u *URI) Matches(source *URI) bool {
	if source == nil || u.scheme != source.scheme {
		return false
	}
	return u.pattern.Match(source.endpoint)
}

// Canonical renders the URI with parameters in key order
func (u *URI) Canonical() string {
	if len(u.params) == 0 {
		return u.scheme + ":" + u.endpoint
	}
	keys := make([]string, 0, len(u.params))
	for k := range u.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(u.scheme)
	b.WriteByte(':')
	b.WriteString(u.endpoint)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.params[k])
	}
	return b.String()
}

func parse(raw string) (*URI, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{URI: raw, Reason: "empty"}
	}

	scheme, rest, ok := strings.Cut(trimmed, ":")
	if !ok {
		return nil, &ParseError{URI: raw, Reason: "missing scheme separator ':'"}
	}
	scheme = strings.ToLower(scheme)
	if scheme == "" {
		return nil, &ParseError{URI: raw, Reason: "empty scheme"}
	}

	endpoint, query, _ := strings.Cut(rest, "?")
	if endpoint == "" {
		return nil, &ParseError{URI: raw, Reason: "empty endpoint"}
	}

	params := make(map[string]string)
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, &ParseError{URI: raw, Reason: err.Error()}
		}
		for k, v := range values {
			params[k] = v[len(v)-1]
		}
	}

	pattern, err := glob.Compile(globPattern(endpoint), '.')
	if err != nil {
		return nil, &ParseError{URI: raw, Reason: fmt.Sprintf("bad endpoint pattern: %v", err)}
	}

	return &URI{
		raw:      trimmed,
		scheme:   scheme,
		endpoint: endpoint,
		params:   params,
		pattern:  pattern,
	}, nil
}

func globPattern(endpoint string) string {
	if endpoint == ">" {
		return "**"
	}
	if strings.HasSuffix(endpoint, ".>") {
		return strings.TrimSuffix(endpoint, ">") + "**"
	}
	return endpoint
}
