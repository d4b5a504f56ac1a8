package methods

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcguard/gateway/extensions"
	"rpcguard/gateway/middleware"
	"rpcguard/gateway/pipeline"
	"rpcguard/gateway/rules"
	"rpcguard/gateway/upstream"
)

func newStack(t *testing.T, node *fakeNode, limits []extensions.MethodLimit) (*pipeline.Pipeline, *MetricsBuilder) {
	t.Helper()
	reg := extensions.NewRegistry()
	_, err := extensions.Build(context.Background(), reg, extensions.WhitelistConfig{
		EthCall: []rules.Config{{From: addrA}},
	}, extensions.NewWhitelist)
	require.NoError(t, err)
	if limits != nil {
		_, err = extensions.Build(context.Background(), reg, limits, extensions.NewMethodLimits)
		require.NoError(t, err)
	}
	metrics, err := NewMetricsBuilder("test", prometheus.NewRegistry())
	require.NoError(t, err)
	p := pipeline.New(reg, nil,
		metrics,
		RateLimitBuilder{},
		NewWhitelistBuilder(nil),
		NewUpstreamBuilder(nil).WithCaller(node),
	)
	return p, metrics
}

func TestMetricsObserveShortCircuits(t *testing.T) {
	node := &fakeNode{}
	p, metrics := newStack(t, node, nil)

	_, err := p.Handle(context.Background(), call("eth_call", params(t, map[string]any{"from": addrB})))
	requireCode(t, err, CodeAddressIsBanned)
	_, err = p.Handle(context.Background(), call("eth_call", params(t, map[string]any{"from": addrA})))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("eth_call", "-33000")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("eth_call", "0")))
	assert.Equal(t, 1, node.count())
}

func TestMetricsBoundMethodLabels(t *testing.T) {
	node := &fakeNode{err: pipeline.NewError(pipeline.CodeUpstreamError, "boom")}
	p, metrics := newStack(t, node, nil)
	metrics.WithMethods("custom_method")

	for i := 0; i < 3; i++ {
		_, err := p.Handle(context.Background(), call(fmt.Sprintf("junk_%d", i), nil))
		requireCode(t, err, pipeline.CodeUpstreamError)
	}
	_, err := p.Handle(context.Background(), call("custom_method", nil))
	requireCode(t, err, pipeline.CodeUpstreamError)
	_, err = p.Handle(context.Background(), call("eth_blockNumber", nil))
	requireCode(t, err, pipeline.CodeUpstreamError)

	code := fmt.Sprint(pipeline.CodeUpstreamError)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.calls.WithLabelValues(otherMethod, code)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("custom_method", code)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.calls.WithLabelValues("eth_blockNumber", code)))
	assert.Equal(t, 3, testutil.CollectAndCount(metrics.calls))
}

func TestRateLimitStage(t *testing.T) {
	node := &fakeNode{}
	p, _ := newStack(t, node, []extensions.MethodLimit{{Method: "eth_chainId", RatePerSecond: 0.001, Burst: 2}})

	for i := 0; i < 2; i++ {
		_, err := p.Handle(context.Background(), call("eth_chainId", nil))
		require.NoError(t, err)
	}
	_, err := p.Handle(context.Background(), call("eth_chainId", nil))
	requireCode(t, err, pipeline.CodeRateLimited)
	assert.Equal(t, 2, node.count())

	chain, err := p.Chain(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	for _, mw := range chain {
		assert.NotEqual(t, "ratelimit", mw.Name())
	}
}

func TestWhitelistRunsBeforeUpstream(t *testing.T) {
	p, _ := newStack(t, &fakeNode{}, nil)
	chain, err := p.Chain(context.Background(), "eth_call")
	require.NoError(t, err)
	names := make([]string, 0, len(chain))
	for _, mw := range chain {
		names = append(names, mw.Name())
	}
	assert.Equal(t, []string{"metrics", "whitelist", "upstream"}, names)
}

func TestUpstreamErrorsAreRelayed(t *testing.T) {
	node := &fakeNode{err: &upstream.RemoteError{Code: -32000, Message: "execution reverted", Data: json.RawMessage(`"0x08c379a0"`)}}
	p, _ := newStack(t, node, nil)
	_, err := p.Handle(context.Background(), call("eth_blockNumber", nil))
	var rpcErr *pipeline.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "execution reverted", rpcErr.Message)
	assert.Equal(t, json.RawMessage(`"0x08c379a0"`), rpcErr.Data)

	node.err = fmt.Errorf("%w: connection refused", upstream.ErrUnavailable)
	_, err = p.Handle(context.Background(), call("eth_blockNumber", nil))
	requireCode(t, err, pipeline.CodeUpstreamError)
}

func TestUpstreamBuilderRequiresClient(t *testing.T) {
	p := pipeline.New(extensions.NewRegistry(), nil, NewUpstreamBuilder(nil))
	_, err := p.Handle(context.Background(), call("eth_blockNumber", nil))
	requireCode(t, err, pipeline.CodeInternalError)
}

func TestScopeStageGatesWriteMethods(t *testing.T) {
	node := &fakeNode{}
	scopes := NewScopeBuilder(map[string][]string{
		"eth_sendRawTransaction": {"rpc:write"},
		"eth_sendTransaction":    {"rpc:write", "rpc:sign"},
	}, nil)
	p := pipeline.New(extensions.NewRegistry(), nil, scopes, NewUpstreamBuilder(nil).WithCaller(node))

	reader := middleware.WithIdentity(context.Background(), middleware.Identity{Subject: "dashboard", Scopes: []string{"rpc:read"}})
	writer := middleware.WithIdentity(context.Background(), middleware.Identity{Subject: "wallet", Scopes: []string{"rpc:read", "rpc:write"}})

	_, err := p.Handle(reader, call("eth_blockNumber", nil))
	require.NoError(t, err, "ungated methods pass for any caller")

	_, err = p.Handle(reader, call("eth_sendRawTransaction", params(t, "0x00")))
	requireCode(t, err, pipeline.CodeUnauthorized)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, "0x00")))
	requireCode(t, err, pipeline.CodeUnauthorized)

	_, err = p.Handle(writer, call("eth_sendRawTransaction", params(t, "0x00")))
	require.NoError(t, err)
	_, err = p.Handle(writer, call("eth_sendTransaction", params(t, map[string]any{"from": addrA})))
	requireCode(t, err, pipeline.CodeUnauthorized)

	assert.Equal(t, 2, node.count())
	assert.ElementsMatch(t, []string{"eth_sendRawTransaction", "eth_sendTransaction"}, scopes.Methods())
}

func TestScopeStageRunsBeforeWhitelist(t *testing.T) {
	reg := extensions.NewRegistry()
	_, err := extensions.Build(context.Background(), reg, extensions.WhitelistConfig{
		EthCall: []rules.Config{{From: addrA}},
	}, extensions.NewWhitelist)
	require.NoError(t, err)
	p := pipeline.New(reg, nil,
		NewScopeBuilder(map[string][]string{"eth_call": {"rpc:read"}}, nil),
		NewWhitelistBuilder(nil),
		NewUpstreamBuilder(nil).WithCaller(&fakeNode{}),
	)

	_, err = p.Handle(context.Background(), call("eth_call", params(t, map[string]any{"from": addrB})))
	requireCode(t, err, pipeline.CodeUnauthorized)

	chain, err := p.Chain(context.Background(), "eth_call")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "scopes", chain[0].Name())
}
