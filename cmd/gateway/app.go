package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rpcguard/gateway/config"
	"rpcguard/gateway/extensions"
	"rpcguard/gateway/jsonrpc"
	"rpcguard/gateway/methods"
	"rpcguard/gateway/middleware"
	"rpcguard/gateway/pipeline"
	"rpcguard/gateway/routes"
	"rpcguard/gateway/txenvelope"
	"rpcguard/gateway/upstream"
	telemetry "rpcguard/observability/otel"
)

// buildRegistry constructs every extension in dependency order and seals the
// registry. Any failure aborts startup.
func buildRegistry(ctx context.Context, cfg config.Config) (*extensions.Registry, error) {
	reg := extensions.NewRegistry()
	if _, err := extensions.Build(ctx, reg, cfg.Upstream, extensions.NewUpstream); err != nil {
		return nil, err
	}
	if _, err := extensions.Build(ctx, reg, cfg.Whitelist, extensions.NewWhitelist); err != nil {
		return nil, err
	}
	decoderCfg := txenvelope.DecoderConfig{
		MaxRawBytes: cfg.Limits.MaxRawTxBytes,
		CacheSize:   cfg.Limits.TxCacheSize,
	}
	if _, err := extensions.Build(ctx, reg, decoderCfg, extensions.NewTxDecoder); err != nil {
		return nil, err
	}
	if _, err := extensions.Build(ctx, reg, cfg.MethodLimits, extensions.NewMethodLimits); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}

// buildHandler assembles the pipeline, JSON-RPC transports and HTTP router.
func buildHandler(ctx context.Context, cfg config.Config, logger *slog.Logger) (http.Handler, error) {
	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := extensions.Get[*upstream.Client](reg)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
		Registry:      promRegistry,
	}, logger)

	var scopes *methods.ScopeBuilder
	if cfg.Auth.Enabled && len(cfg.Auth.MethodScopes) > 0 {
		scopes = methods.NewScopeBuilder(cfg.Auth.MethodScopes, logger)
	}

	builders := make([]pipeline.Builder, 0, 5)
	if cfg.Observability.Metrics {
		metricsStage, err := methods.NewMetricsBuilder(cfg.Observability.MetricsPrefix, promRegistry)
		if err != nil {
			return nil, fmt.Errorf("metrics stage: %w", err)
		}
		for _, limit := range cfg.MethodLimits {
			metricsStage.WithMethods(limit.Method)
		}
		if scopes != nil {
			metricsStage.WithMethods(scopes.Methods()...)
		}
		builders = append(builders, metricsStage)
	}
	builders = append(builders, methods.RateLimitBuilder{})
	if scopes != nil {
		builders = append(builders, scopes)
	}
	builders = append(builders,
		methods.NewWhitelistBuilder(logger),
		methods.NewUpstreamBuilder(logger),
	)
	pipe := pipeline.New(reg, logger, builders...)

	server := jsonrpc.NewServer(pipe, jsonrpc.Options{
		MaxBodyBytes: cfg.Limits.MaxBodyBytes,
		MaxBatchSize: cfg.Limits.MaxBatchSize,
		Logger:       logger,
	})

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.Enabled,
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, logger)

	rateLimits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, entry := range cfg.RateLimits {
		rateLimits[entry.ID] = middleware.RateLimit{
			RequestsPerMinute: entry.RequestsPerMinute,
			Burst:             entry.Burst,
		}
	}

	router, err := routes.New(routes.Config{
		RPC:            server,
		WebSocket:      server.WebSocket(cfg.CORS.AllowedOrigins),
		Ready:          upstreamReady(client),
		Authenticator:  auth,
		RequiredScopes: cfg.Auth.RequiredScopes,
		RateLimiter:    middleware.NewRateLimiter(rateLimits, logger),
		Observability:  obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configure routes: %w", err)
	}
	if cfg.Observability.Tracing {
		return otelhttp.NewHandler(router, cfg.Observability.ServiceName), nil
	}
	return router, nil
}

// telemetryConfig maps the observability section onto the exporter setup.
// env is the deployment environment used when the file does not name one.
func telemetryConfig(cfg config.Config, env string) telemetry.Config {
	obs := cfg.Observability
	out := telemetry.Config{
		ServiceName: obs.ServiceName,
		Environment: obs.Environment,
		Attributes:  obs.ResourceAttributes,
		Endpoint:    obs.OTLPEndpoint,
		Insecure:    obs.OTLPInsecure,
		Headers:     obs.OTLPHeaders,
		Metrics:     obs.Metrics,
		Traces:      obs.Tracing,
		SampleRatio: obs.TraceSampleRatio,
	}
	if out.Environment == "" {
		out.Environment = env
	}
	if endpoint, err := cfg.UpstreamURL(); err == nil {
		out.UpstreamHost = endpoint.Host
	}
	return out
}

func upstreamReady(client *upstream.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := client.Call(ctx, "eth_chainId", nil)
		return err
	}
}
