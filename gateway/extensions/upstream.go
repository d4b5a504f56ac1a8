package extensions

import (
	"context"

	"rpcguard/gateway/upstream"
)

// NewUpstream is the extension factory for the node client.
func NewUpstream(_ context.Context, cfg upstream.Config, _ *Registry) (*upstream.Client, error) {
	return upstream.New(cfg)
}
