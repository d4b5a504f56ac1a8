package methods

import (
	"context"
	"encoding/json"

	"rpcguard/gateway/extensions"
	"rpcguard/gateway/pipeline"
)

// RateLimitBuilder applies the shared per-method token buckets from
// *extensions.MethodLimits. Methods without a bucket skip the stage.
type RateLimitBuilder struct{}

func (RateLimitBuilder) Build(_ context.Context, method pipeline.RPCMethod, reg *extensions.Registry) (pipeline.Middleware, error) {
	limits, ok := extensions.Lookup[*extensions.MethodLimits](reg)
	if !ok {
		return nil, nil
	}
	limiter := limits.For(method.Method)
	if limiter == nil {
		return nil, nil
	}
	return &rateLimit{allow: limiter.Allow}, nil
}

type rateLimit struct {
	allow func() bool
}

func (r *rateLimit) Name() string { return "ratelimit" }

func (r *rateLimit) Call(ctx context.Context, req pipeline.Request, rc *pipeline.Context, next pipeline.NextFunc) (json.RawMessage, error) {
	if !r.allow() {
		return nil, pipeline.NewError(pipeline.CodeRateLimited, "rate limit exceeded").WithData(req.Method)
	}
	return next(ctx, req, rc)
}
