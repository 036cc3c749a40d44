package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/tokengate/internal/config"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
)

type Route struct {
	ID      string
	Methods map[string]struct{} // empty means any method
	Prefix  string
	UpURL   *url.URL
	Timeout time.Duration

	Limit     *ratelimit.Policy           // nil falls back to the table default
	Overrides map[string]ratelimit.Policy // key ID -> policy
}

// Policy returns the policy that applies to keyID on this route.
func (rt *Route) Policy(keyID string, fallback ratelimit.Policy) ratelimit.Policy {
	if p, ok := rt.Overrides[keyID]; ok {
		return p
	}
	if rt.Limit != nil {
		return *rt.Limit
	}
	return fallback
}

type table struct {
	routes   []*Route
	fallback ratelimit.Policy
}

// Router matches requests against a route table that can be replaced while
// requests are in flight.
type Router struct {
	t atomic.Pointer[table]
}

func New() *Router {
	r := &Router{}
	r.t.Store(&table{})
	return r
}

// Replace installs a new route table.
func (r *Router) Replace(routes []*Route, fallback ratelimit.Policy) {
	r.t.Store(&table{routes: routes, fallback: fallback})
}

func (r *Router) Routes() []*Route {
	return r.t.Load().routes
}

// Fallback returns the policy used by routes without their own limit.
func (r *Router) Fallback() ratelimit.Policy {
	return r.t.Load().fallback
}

func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.t.Load().routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// FromConfig builds the route table and fallback policy described by cfg.
func FromConfig(cfg *config.Root) ([]*Route, ratelimit.Policy, error) {
	fallback, err := cfg.Limits.Default.Policy()
	if err != nil {
		return nil, ratelimit.Policy{}, fmt.Errorf("limits.default: %w", err)
	}

	routes := make([]*Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		up, err := url.Parse(rc.Upstream.URL)
		if err != nil {
			return nil, ratelimit.Policy{}, fmt.Errorf("route %s: upstream: %w", rc.ID, err)
		}
		rt := &Route{
			ID:        rc.ID,
			Methods:   make(map[string]struct{}, len(rc.Match.Methods)),
			Prefix:    rc.Match.PathPrefix,
			UpURL:     up,
			Timeout:   time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
			Overrides: make(map[string]ratelimit.Policy, len(rc.Limits.Overrides)),
		}
		for _, m := range rc.Match.Methods {
			rt.Methods[strings.ToUpper(m)] = struct{}{}
		}
		if !rc.Limits.Default.IsZero() {
			p, err := rc.Limits.Default.Policy()
			if err != nil {
				return nil, ratelimit.Policy{}, fmt.Errorf("route %s: %w", rc.ID, err)
			}
			rt.Limit = &p
		}
		for keyID, l := range rc.Limits.Overrides {
			p, err := l.Policy()
			if err != nil {
				return nil, ratelimit.Policy{}, fmt.Errorf("route %s: override %s: %w", rc.ID, keyID, err)
			}
			rt.Overrides[keyID] = p
		}
		routes = append(routes, rt)
	}
	return routes, fallback, nil
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
