// Package route holds the startup-resolved table that maps client-facing path
// prefixes to backend rules.
package route

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"edge-gateway/internal/config"
)

// BodyMode selects how a request body travels through the gateway.
type BodyMode int

const (
	// BodyBuffered reads the whole body into memory before forwarding.
	BodyBuffered BodyMode = iota
	// BodyStreaming passes the body through without buffering it.
	BodyStreaming
)

func (m BodyMode) String() string {
	if m == BodyStreaming {
		return "streaming"
	}
	return "buffered"
}

// ParseBodyMode parses a configured body mode.
func ParseBodyMode(s string) (BodyMode, error) {
	switch strings.ToLower(s) {
	case "", "buffered":
		return BodyBuffered, nil
	case "streaming":
		return BodyStreaming, nil
	}
	return BodyBuffered, fmt.Errorf("unknown body mode %q", s)
}

// ValueSource names where an injected header takes its value from.
type ValueSource string

const (
	// SourceJSONContentType sets application/json unless the request is multipart.
	SourceJSONContentType ValueSource = "json_content_type"
	// SourceUserID copies the user id of the validated token.
	SourceUserID ValueSource = "user_id"
	// SourceRequestID copies the gateway request id.
	SourceRequestID ValueSource = "request_id"
	// SourceStatic sets a fixed value.
	SourceStatic ValueSource = "static"
)

// HeaderInjector sets one header on the forwarded request.
type HeaderInjector struct {
	Name   string
	Source ValueSource
	Value  string // only used by SourceStatic
}

// Rule describes how requests under one prefix are forwarded.
type Rule struct {
	Prefix        string
	Backend       string
	BackendURL    *url.URL
	RequiresAuth  bool
	RewritePrefix string
	BodyMode      BodyMode
	Injectors     []HeaderInjector
}

// Matches reports whether path falls under the rule prefix on a segment boundary.
func (r *Rule) Matches(path string) bool {
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	rest := path[len(r.Prefix):]
	return rest == "" || rest[0] == '/'
}

// Rewrite replaces the client-facing prefix of path with the backend prefix.
// Paths outside the rule prefix are returned unchanged, so applying Rewrite
// to an already rewritten path is a no-op.
func (r *Rule) Rewrite(path string) string {
	if !r.Matches(path) {
		return path
	}
	return r.RewritePrefix + path[len(r.Prefix):]
}

// Table is an immutable set of rules matched longest prefix first.
type Table struct {
	rules []*Rule
}

// NewTable resolves the configured routes against the backend URLs.
func NewTable(cfg *config.Config) (*Table, error) {
	rules := make([]*Rule, 0, len(cfg.Routes))
	seen := make(map[string]bool, len(cfg.Routes))

	for _, rc := range cfg.Routes {
		prefix := strings.TrimSuffix(rc.Prefix, "/")
		if prefix == "" || prefix[0] != '/' {
			return nil, fmt.Errorf("route prefix must start with '/'; got %q", rc.Prefix)
		}
		if seen[prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", prefix)
		}
		seen[prefix] = true

		base, ok := cfg.Backends.ByName(rc.Backend)
		if !ok || base == "" {
			return nil, fmt.Errorf("route %s: backend %q is not configured", prefix, rc.Backend)
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("route %s: parse backend url: %w", prefix, err)
		}

		mode, err := ParseBodyMode(rc.BodyMode)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", prefix, err)
		}

		injectors, err := parseInjectors(rc.Inject)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", prefix, err)
		}

		rewrite := strings.TrimSuffix(rc.Rewrite, "/")
		if rewrite == "" {
			rewrite = prefix
		}

		rules = append(rules, &Rule{
			Prefix:        prefix,
			Backend:       rc.Backend,
			BackendURL:    u,
			RequiresAuth:  rc.Auth,
			RewritePrefix: rewrite,
			BodyMode:      mode,
			Injectors:     injectors,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})

	return &Table{rules: rules}, nil
}

func parseInjectors(in []config.InjectConfig) ([]HeaderInjector, error) {
	out := make([]HeaderInjector, 0, len(in))
	for _, ic := range in {
		if ic.Header == "" {
			return nil, fmt.Errorf("header injector without a header name")
		}
		src := ValueSource(strings.ToLower(ic.Source))
		switch src {
		case SourceJSONContentType, SourceUserID, SourceRequestID:
		case SourceStatic:
			if ic.Value == "" {
				return nil, fmt.Errorf("static header %s needs a value", ic.Header)
			}
		default:
			return nil, fmt.Errorf("header %s: unknown value source %q", ic.Header, ic.Source)
		}
		out = append(out, HeaderInjector{
			Name:   http.CanonicalHeaderKey(ic.Header),
			Source: src,
			Value:  ic.Value,
		})
	}
	return out, nil
}

// Match returns the rule with the longest prefix matching path.
func (t *Table) Match(path string) (*Rule, bool) {
	for _, r := range t.rules {
		if r.Matches(path) {
			return r, true
		}
	}
	return nil, false
}

// Rules returns the rules in match order.
func (t *Table) Rules() []*Rule {
	return append([]*Rule(nil), t.rules...)
}

// Prefixes returns the client-facing prefixes in match order.
func (t *Table) Prefixes() []string {
	out := make([]string, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.Prefix
	}
	return out
}
