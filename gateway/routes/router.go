package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rpcguard/gateway/middleware"
)

const (
	RateLimitRPC       = "rpc"
	RateLimitWebSocket = "ws"

	readinessTimeout = 3 * time.Second
)

// Config lists the handlers and HTTP middlewares mounted by New. RPC is
// required; every other field is optional.
type Config struct {
	RPC            http.Handler
	WebSocket      http.Handler
	Ready          func(context.Context) error
	Authenticator  *middleware.Authenticator
	RequiredScopes []string
	RateLimiter    *middleware.RateLimiter
	Observability  *middleware.Observability
	CORS           middleware.CORSConfig
}

func New(cfg Config) (http.Handler, error) {
	if cfg.RPC == nil {
		return nil, errors.New("rpc handler required")
	}
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := cfg.Ready(ctx); err != nil {
				http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mount := func(path, route string, handler http.Handler) {
		r.Group(func(gr chi.Router) {
			if obs != nil {
				gr.Use(obs.Middleware(route))
			}
			if cfg.RateLimiter != nil {
				gr.Use(cfg.RateLimiter.Middleware(route))
			}
			if cfg.Authenticator != nil {
				gr.Use(cfg.Authenticator.Middleware(cfg.RequiredScopes...))
			}
			gr.Handle(path, handler)
		})
	}

	mount("/", RateLimitRPC, cfg.RPC)
	mount("/rpc", RateLimitRPC, cfg.RPC)
	if cfg.WebSocket != nil {
		mount("/ws", RateLimitWebSocket, cfg.WebSocket)
	}

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r, nil
}
