// Package admin serves the operator endpoints: health, metrics and
// inspection or reset of rate limit buckets.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/AlexKimmel/tokengate/internal/obs"
	"github.com/AlexKimmel/tokengate/internal/ratelimit/memory"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Buckets is the part of the limiter store exposed to operators.
type Buckets interface {
	Reset(key string) int
	ResetAll() int
	Len() int
	Inspect(key string) []memory.Stats
}

type Options struct {
	Version     string
	MetricsPath string
	Gatherer    prometheus.Gatherer
	Logger      zerolog.Logger

	// OnReset is called after buckets were reset from the admin API.
	OnReset func(n int)
}

func NewRouter(b Buckets, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(obs.Logger(opts.Logger.With().Str("component", "admin").Logger()))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(opts.Version))
	})

	if opts.Gatherer != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/limits", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]int{"buckets": b.Len()})
		})

		r.Post("/reset", func(w http.ResponseWriter, req *http.Request) {
			n := b.ResetAll()
			hlog.FromRequest(req).Info().Int("buckets", n).Msg("all buckets reset")
			if opts.OnReset != nil {
				opts.OnReset(n)
			}
			writeJSON(w, http.StatusOK, map[string]int{"reset": n})
		})

		r.Get("/{key}", func(w http.ResponseWriter, req *http.Request) {
			key := chi.URLParam(req, "key")
			stats := b.Inspect(key)
			if len(stats) == 0 {
				writeError(w, http.StatusNotFound, "no_bucket", "no bucket for key")
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		r.Post("/{key}/reset", func(w http.ResponseWriter, req *http.Request) {
			key := chi.URLParam(req, "key")
			n := b.Reset(key)
			if n == 0 {
				writeError(w, http.StatusNotFound, "no_bucket", "no bucket for key")
				return
			}
			hlog.FromRequest(req).Info().Str("key", key).Int("buckets", n).Msg("buckets reset")
			if opts.OnReset != nil {
				opts.OnReset(n)
			}
			writeJSON(w, http.StatusOK, map[string]int{"reset": n})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
