package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexKimmel/tokengate/internal/admin"
	"github.com/AlexKimmel/tokengate/internal/auth"
	"github.com/AlexKimmel/tokengate/internal/config"
	"github.com/AlexKimmel/tokengate/internal/gateway"
	"github.com/AlexKimmel/tokengate/internal/obs"
	"github.com/AlexKimmel/tokengate/internal/proxy"
	"github.com/AlexKimmel/tokengate/internal/ratelimit/memory"
	"github.com/AlexKimmel/tokengate/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

var version = "v0.1.0"

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	flag.Parse()

	boot := obs.SetupLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("version", version).Msg("starting tokengate")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	// limiter + sweeper
	lim := memory.New()
	defer lim.Close()
	metrics.TrackBuckets(lim.Len)

	sweeper, err := memory.NewSweeper(lim, cfg.Limits.Sweep.Schedule, cfg.Limits.Sweep.Idle(), logger,
		func(n int) { metrics.SweptBuckets.Add(float64(n)) })
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper")
	}
	sweeper.Start()
	defer sweeper.Stop()

	// routes + auth
	rr := routing.New()
	routes, fallback, err := routing.FromConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("routes")
	}
	rr.Replace(routes, fallback)
	authStore := auth.NewStatic(cfg.Auth.Header, cfg.Auth.Pairs())

	handler := gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport()),
		obs.Logger(logger),
		gateway.RouteMatcher(rr),
		metrics.Middleware(),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(nil),
		gateway.RateLimit(lim, rr, nil, metrics.Hooks()),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	adminSrv := &http.Server{
		Addr: cfg.Admin.Addr,
		Handler: admin.NewRouter(lim, admin.Options{
			Version:     version,
			MetricsPath: cfg.Observability.PrometheusPath,
			Gatherer:    reg,
			Logger:      logger,
			OnReset:     func(n int) { metrics.LimiterResets.WithLabelValues("admin").Add(float64(n)) },
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher := &config.Watcher{
		Path:   *configPath,
		Logger: logger,
		OnChange: func(next *config.Root) {
			applyConfig(logger, cfg, next, rr, authStore, lim, metrics)
		},
		OnError: func(error) { metrics.ConfigReloads.WithLabelValues("error").Inc() },
	}
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			logger.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	// start
	for _, s := range []*http.Server{srv, adminSrv} {
		go func(s *http.Server) {
			logger.Info().Str("addr", s.Addr).Msg("listening")
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Err(err).Str("addr", s.Addr).Msg("server error")
			}
		}(s)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range []*http.Server{srv, adminSrv} {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("addr", s.Addr).Msg("graceful shutdown failed")
		}
	}
	logger.Info().Msg("bye")
}

// applyConfig swaps in the parts of a reloaded config that can change
// without a restart.
func applyConfig(
	logger zerolog.Logger,
	current, next *config.Root,
	rr *routing.Router,
	authStore *auth.Store,
	lim *memory.Limiter,
	metrics *obs.Metrics,
) {
	routes, fallback, err := routing.FromConfig(next)
	if err != nil {
		logger.Error().Err(err).Msg("reloaded routes rejected")
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return
	}
	rr.Replace(routes, fallback)
	authStore.Replace(next.Auth.Pairs())

	if next.Limits.ResetOnReload {
		n := lim.ResetAll()
		metrics.LimiterResets.WithLabelValues("reload").Add(float64(n))
		logger.Info().Int("buckets", n).Msg("buckets reset after reload")
	}
	if next.Server.Addr != current.Server.Addr || next.Admin.Addr != current.Admin.Addr || next.Auth.Header != current.Auth.Header {
		logger.Warn().Msg("listen addresses and auth header changes need a restart")
	}
	metrics.ConfigReloads.WithLabelValues("ok").Inc()
}
