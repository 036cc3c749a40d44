package gateway

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/tokengate/internal/auth"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
	"github.com/AlexKimmel/tokengate/internal/routing"
	"github.com/rs/zerolog/hlog"
)

// Hooks receive the outcome of every rate limit decision.
type Hooks struct {
	OnAdmitted func(routeID string)
	OnLimited  func(routeID string)
	OnError    func(routeID string)
}

var now = time.Now

func RateLimit(lim ratelimit.Limiter, rr *routing.Router, skipPaths map[string]struct{}, hooks Hooks) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			keyID, ok := auth.KeyIDFrom(r.Context())
			if !ok || keyID == "" {
				keyID = "anon"
			}

			// policy: per-key override > route default > global fallback
			p := rr.Fallback()
			routeID := "unknown"
			limKey := keyID
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				routeID = rt.ID
				limKey = rt.ID + ":" + keyID
				p = rt.Policy(keyID, p)
			}

			dec, err := lim.Allow(r.Context(), limKey, p, now())
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).
					Str("route", routeID).
					Str("key", keyID).
					Msg("rate limiter error")
				if hooks.OnError != nil {
					hooks.OnError(routeID)
				}
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			if dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetUnixSec, 10))
			}

			if !dec.Allowed {
				if hooks.OnLimited != nil {
					hooks.OnLimited(routeID)
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter(p), 10))
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			if hooks.OnAdmitted != nil {
				hooks.OnAdmitted(routeID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter returns the whole seconds until one token accrues under p.
func retryAfter(p ratelimit.Policy) int64 {
	if p.Disabled() {
		return 1
	}
	perToken := float64(p.Unit()) / float64(p.Rate)
	return max(int64(math.Ceil(perToken/float64(time.Second))), 1)
}
