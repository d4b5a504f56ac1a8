package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"rpcguard/gateway/extensions"
	"rpcguard/gateway/middleware"
	"rpcguard/gateway/pipeline"
)

// ScopeBuilder gates methods on the scopes of the caller's bearer token.
// Methods without an entry skip the stage.
type ScopeBuilder struct {
	required map[string][]string
	logger   *slog.Logger
}

func NewScopeBuilder(required map[string][]string, logger *slog.Logger) *ScopeBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScopeBuilder{required: required, logger: logger.With("middleware", "scopes")}
}

// Methods lists the gated method names.
func (b *ScopeBuilder) Methods() []string {
	out := make([]string, 0, len(b.required))
	for name := range b.required {
		out = append(out, name)
	}
	return out
}

func (b *ScopeBuilder) Build(_ context.Context, method pipeline.RPCMethod, _ *extensions.Registry) (pipeline.Middleware, error) {
	required := b.required[method.Method]
	if len(required) == 0 {
		return nil, nil
	}
	return &scopeGate{required: required, logger: b.logger}, nil
}

type scopeGate struct {
	required []string
	logger   *slog.Logger
}

func (s *scopeGate) Name() string { return "scopes" }

func (s *scopeGate) Call(ctx context.Context, req pipeline.Request, rc *pipeline.Context, next pipeline.NextFunc) (json.RawMessage, error) {
	id, ok := middleware.IdentityFrom(ctx)
	if !ok || !id.Allows(s.required) {
		s.logger.Info("rpc refused", "method", req.Method, "requestId", rc.ID, "subject", id.Subject, "required", s.required)
		return nil, pipeline.NewError(pipeline.CodeUnauthorized, "insufficient scope").WithData(s.required)
	}
	return next(ctx, req, rc)
}
