package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =skip,tenant=rpc")
	assert.Equal(t, map[string]string{"api-key": "abc", "tenant": "rpc"}, headers)
	assert.Empty(t, ParseHeaders(""))
}

func TestWithEnvOverridesConfiguredExporter(t *testing.T) {
	base := Config{
		ServiceName: "rpcguard",
		Endpoint:    "configured:4318",
		Insecure:    true,
		Headers:     map[string]string{"tenant": "rpc", "x-token": "config"},
		SampleRatio: 0.5,
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-token=1")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg := base.WithEnv()
	assert.Equal(t, "collector:4318", cfg.Endpoint)
	assert.Equal(t, map[string]string{"tenant": "rpc", "x-token": "1"}, cfg.Headers)
	assert.False(t, cfg.Insecure)
	assert.InDelta(t, 0.25, cfg.SampleRatio, 1e-9)
	assert.Contains(t, cfg.sampler().Description(), "TraceIDRatioBased")
	assert.Contains(t, Config{}.sampler().Description(), "AlwaysOnSampler")
	assert.Equal(t, "config", base.Headers["x-token"], "configured headers are not mutated")
}

func TestWithEnvKeepsConfigWhenUnset(t *testing.T) {
	for _, key := range []string{"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_HEADERS", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_TRACES_SAMPLER_ARG"} {
		t.Setenv(key, "")
	}
	base := Config{Endpoint: "configured:4318", Insecure: true, SampleRatio: 0.1}
	assert.Equal(t, base, base.WithEnv())
}

func TestResourceCarriesGatewayAttributes(t *testing.T) {
	res, err := Config{
		ServiceName:    "rpcguard",
		ServiceVersion: "v1.2.3",
		Environment:    "prod",
		UpstreamHost:   "node.internal:8545",
		Attributes:     map[string]string{"deployment.region": "eu-west-1", " ": "dropped"},
	}.Resource()
	require.NoError(t, err)

	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:           "rpcguard",
		semconv.ServiceVersionKey:        "v1.2.3",
		semconv.DeploymentEnvironmentKey: "prod",
		UpstreamHostKey:                  "node.internal:8545",
		"deployment.region":              "eu-west-1",
	} {
		got, ok := set.Value(key)
		require.True(t, ok, "missing %s", key)
		assert.Equal(t, want, got.AsString())
	}
	_, ok := set.Value(" ")
	assert.False(t, ok)
}

func TestResourceDefaultsVersion(t *testing.T) {
	res, err := Config{ServiceName: "rpcguard"}.Resource()
	require.NoError(t, err)
	got, ok := res.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.NotEmpty(t, got.AsString())
}

func TestInitValidation(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "rpcguard"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestTraceProviderBuildsWithoutCollector(t *testing.T) {
	cfg := Config{ServiceName: "rpcguard", Endpoint: "127.0.0.1:1", Insecure: true, SampleRatio: 0.5}
	res, err := cfg.Resource()
	require.NoError(t, err)
	tp, err := newTraceProvider(context.Background(), cfg, res)
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}
