// Package pipeline implements the per-request middleware chain that sits
// between the JSON-RPC transport and the upstream node.
//
// For every request the chain is rebuilt from the configured builders: each
// builder inspects the method and the extension registry and either returns a
// middleware instance for this request or nil to stay out of the way. The
// instances then run in builder order with explicit continuation. A middleware
// that returns without calling next ends the request; nothing after it runs.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rpcguard/gateway/extensions"
)

const tracerName = "rpcguard/pipeline"

// RPCMethod describes the method a chain is being built for.
type RPCMethod struct {
	Method string
}

// Request is a single JSON-RPC call as seen by middleware.
type Request struct {
	ID     json.RawMessage
	Method string
	Params []json.RawMessage
}

// NextFunc continues the chain with the remaining middleware.
type NextFunc func(ctx context.Context, req Request, rc *Context) (json.RawMessage, error)

type Middleware interface {
	Name() string
	Call(ctx context.Context, req Request, rc *Context, next NextFunc) (json.RawMessage, error)
}

// Builder creates the middleware instance for one request. Returning a nil
// Middleware means the builder does not apply to the method.
type Builder interface {
	Build(ctx context.Context, method RPCMethod, reg *extensions.Registry) (Middleware, error)
}

type BuilderFunc func(ctx context.Context, method RPCMethod, reg *extensions.Registry) (Middleware, error)

func (f BuilderFunc) Build(ctx context.Context, method RPCMethod, reg *extensions.Registry) (Middleware, error) {
	return f(ctx, method, reg)
}

type Pipeline struct {
	builders []Builder
	registry *extensions.Registry
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New seals reg and returns a pipeline running builders in the given order.
func New(reg *extensions.Registry, logger *slog.Logger, builders ...Builder) *Pipeline {
	if reg == nil {
		reg = extensions.NewRegistry()
	}
	reg.Seal()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		builders: append([]Builder(nil), builders...),
		registry: reg,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With("component", "pipeline"),
	}
}

func (p *Pipeline) Registry() *extensions.Registry { return p.registry }

// Chain builds the middleware active for method.
func (p *Pipeline) Chain(ctx context.Context, method string) ([]Middleware, error) {
	desc := RPCMethod{Method: method}
	chain := make([]Middleware, 0, len(p.builders))
	for i, builder := range p.builders {
		mw, err := builder.Build(ctx, desc, p.registry)
		if err != nil {
			return nil, fmt.Errorf("build middleware %d for %s: %w", i, method, err)
		}
		if mw != nil {
			chain = append(chain, mw)
		}
	}
	return chain, nil
}

// Handle runs req through a freshly built chain with a new request context.
func (p *Pipeline) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	return p.Serve(ctx, req, NewContext())
}

// Serve is Handle with a caller supplied request context.
func (p *Pipeline) Serve(ctx context.Context, req Request, rc *Context) (json.RawMessage, error) {
	if rc == nil {
		rc = NewContext()
	}
	chain, err := p.Chain(ctx, req.Method)
	if err != nil {
		p.logger.Error("middleware build failed", "method", req.Method, "requestId", rc.ID, "error", err)
		return nil, NewError(CodeInternalError, "internal error")
	}
	return p.run(ctx, chain, 0, req, rc)
}

func (p *Pipeline) run(ctx context.Context, chain []Middleware, idx int, req Request, rc *Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if idx >= len(chain) {
		return nil, NewError(CodeMethodNotFound, fmt.Sprintf("the method %s does not exist/is not available", req.Method))
	}
	mw := chain[idx]
	next := func(ctx context.Context, req Request, rc *Context) (json.RawMessage, error) {
		return p.run(ctx, chain, idx+1, req, rc)
	}

	ctx, span := p.tracer.Start(ctx, mw.Name(), trace.WithAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.request_id", rc.ID),
	))
	defer span.End()
	result, err := mw.Call(ctx, req, rc, next)
	if err != nil {
		span.SetAttributes(attribute.Int("rpc.error_code", ErrorCode(err)))
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}
