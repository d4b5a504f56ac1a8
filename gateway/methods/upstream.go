package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"rpcguard/gateway/extensions"
	"rpcguard/gateway/pipeline"
	"rpcguard/gateway/upstream"
)

// Caller is the node client used by the terminal stage.
type Caller interface {
	Call(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error)
}

// UpstreamBuilder ends every chain by forwarding the request to the node
// registered as *upstream.Client.
type UpstreamBuilder struct {
	logger *slog.Logger
	caller Caller
}

func NewUpstreamBuilder(logger *slog.Logger) *UpstreamBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstreamBuilder{logger: logger.With("middleware", "upstream")}
}

// WithCaller overrides the registry lookup with a fixed caller.
func (b *UpstreamBuilder) WithCaller(c Caller) *UpstreamBuilder {
	b.caller = c
	return b
}

func (b *UpstreamBuilder) Build(_ context.Context, _ pipeline.RPCMethod, reg *extensions.Registry) (pipeline.Middleware, error) {
	if b.caller != nil {
		return &forward{caller: b.caller, logger: b.logger}, nil
	}
	client, err := extensions.Get[*upstream.Client](reg)
	if err != nil {
		return nil, err
	}
	return &forward{caller: client, logger: b.logger}, nil
}

type forward struct {
	caller Caller
	logger *slog.Logger
}

func (f *forward) Name() string { return "upstream" }

func (f *forward) Call(ctx context.Context, req pipeline.Request, rc *pipeline.Context, _ pipeline.NextFunc) (json.RawMessage, error) {
	result, err := f.caller.Call(ctx, req.Method, req.Params)
	if err == nil {
		return result, nil
	}
	var remote *upstream.RemoteError
	if errors.As(err, &remote) {
		out := pipeline.NewError(remote.Code, remote.Message)
		if len(remote.Data) > 0 {
			out = out.WithData(remote.Data)
		}
		return nil, out
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	f.logger.Warn("upstream call failed", "method", req.Method, "requestId", rc.ID, "error", err)
	return nil, pipeline.NewError(pipeline.CodeUpstreamError, "upstream error")
}
