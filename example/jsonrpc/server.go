package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mnehpets/rpcsite/auth"
	"github.com/mnehpets/rpcsite/config"
	"github.com/mnehpets/rpcsite/endpoint"
	"github.com/mnehpets/rpcsite/jsonrpc"
	"github.com/mnehpets/rpcsite/middleware"
)

// newHandler assembles the Site, its processor chain and the metrics
// endpoint. reg receives both the RPC and the runtime collectors.
func newHandler(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (http.Handler, *jsonrpc.Site, error) {
	site := jsonrpc.NewSite(
		jsonrpc.WithLogger(logger),
		jsonrpc.WithMetrics(reg),
		jsonrpc.WithAuthenticator(auth.Principal),
		jsonrpc.WithName(cfg.Name),
		jsonrpc.WithServiceURL(cfg.ServiceURL),
		jsonrpc.WithDescribe(cfg.Describe),
		jsonrpc.WithMaxBatch(cfg.MaxBatch),
		jsonrpc.WithConcurrency(cfg.Concurrency),
	)
	for _, m := range demoMethods() {
		if err := site.Register(m); err != nil {
			return nil, nil, err
		}
	}

	procs := []endpoint.Processor{
		middleware.RequestIDProcessor{Trust: true},
	}

	var headerOpts []middleware.HeadersOption
	if len(cfg.CORS.AllowedOrigins) > 0 {
		headerOpts = append(headerOpts, middleware.WithCORS(middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
			ExposedHeaders:   []string{middleware.RequestIDHeader},
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}
	procs = append(procs, middleware.NewHeadersProcessor(headerOpts...))

	if cfg.RateLimit.PerSecond > 0 {
		procs = append(procs, middleware.NewRateLimitProcessor(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}

	keys, err := cfg.SessionKeys()
	if err != nil {
		return nil, nil, err
	}
	if keys != nil {
		opts := []middleware.SessionOption{
			middleware.WithCookieName(cfg.Session.CookieName),
			middleware.WithMaxAge(cfg.Session.MaxAge),
			middleware.WithExtendThreshold(cfg.Session.MaxAge / 4),
			middleware.WithCookiePath(cfg.Path),
			middleware.WithSessionLogger(logger),
		}
		if cfg.Session.Insecure {
			opts = append(opts, middleware.WithInsecureCookie())
		}
		sessions, err := middleware.NewSessionProcessor(cfg.Session.KeyID, keys, opts...)
		if err != nil {
			return nil, nil, err
		}
		procs = append(procs, sessions)

		accts, err := auth.NewAccounts(cfg.Users)
		if err != nil {
			return nil, nil, err
		}
		for _, m := range auth.SessionMethods(accts) {
			if err := site.Register(m); err != nil {
				return nil, nil, err
			}
		}
	}

	if len(cfg.Bearer.Providers) > 0 {
		providers := auth.NewRegistry()
		for _, p := range cfg.Bearer.Providers {
			var opts []auth.OIDCProviderOption
			if p.SkipIssuerCheck {
				opts = append(opts, auth.WithSkipIssuerCheck())
			}
			if err := providers.RegisterOIDCProvider(ctx, p.ID, p.Issuer, p.ClientID, opts...); err != nil {
				return nil, nil, err
			}
		}
		bopts := []auth.BearerOption{auth.WithBearerLogger(logger)}
		if cfg.Bearer.Required {
			bopts = append(bopts, auth.Required())
		}
		procs = append(procs, auth.NewBearerProcessor(providers, bopts...))
	}

	site.Registry().Freeze()

	mux := http.NewServeMux()
	base := cfg.Path
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	mux.Handle(base+"{method...}", endpoint.Handler(site.Endpoint, procs...))

	if cfg.Metrics.Enabled {
		for _, c := range []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := reg.Register(c); err != nil {
				return nil, nil, fmt.Errorf("metrics: %w", err)
			}
		}
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux, site, nil
}
