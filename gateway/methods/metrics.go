package methods

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rpcguard/gateway/extensions"
	"rpcguard/gateway/pipeline"
)

// otherMethod labels every method outside the known set.
const otherMethod = "other"

var standardMethods = []string{
	"eth_accounts", "eth_blobBaseFee", "eth_blockNumber", "eth_call", "eth_chainId",
	"eth_coinbase", "eth_createAccessList", "eth_estimateGas", "eth_feeHistory",
	"eth_gasPrice", "eth_getBalance", "eth_getBlockByHash", "eth_getBlockByNumber",
	"eth_getBlockReceipts", "eth_getBlockTransactionCountByHash",
	"eth_getBlockTransactionCountByNumber", "eth_getCode", "eth_getFilterChanges",
	"eth_getFilterLogs", "eth_getLogs", "eth_getProof", "eth_getStorageAt",
	"eth_getTransactionByBlockHashAndIndex", "eth_getTransactionByBlockNumberAndIndex",
	"eth_getTransactionByHash", "eth_getTransactionCount", "eth_getTransactionReceipt",
	"eth_getUncleByBlockHashAndIndex", "eth_getUncleByBlockNumberAndIndex",
	"eth_getUncleCountByBlockHash", "eth_getUncleCountByBlockNumber",
	"eth_maxPriorityFeePerGas", "eth_newBlockFilter", "eth_newFilter",
	"eth_newPendingTransactionFilter", "eth_sendRawTransaction", "eth_sendTransaction",
	"eth_sign", "eth_signTransaction", "eth_signTypedData_v4", "eth_simulateV1",
	"eth_subscribe", "eth_syncing", "eth_uninstallFilter", "eth_unsubscribe",
	"net_listening", "net_peerCount", "net_version",
	"web3_clientVersion", "web3_sha3",
	"txpool_content", "txpool_inspect", "txpool_status",
	"debug_traceCall", "debug_traceTransaction", "debug_traceBlockByHash",
	"debug_traceBlockByNumber",
}

// MetricsBuilder records per-method call counts by outcome code and latency.
// It runs first so it observes every short-circuit.
type MetricsBuilder struct {
	calls     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	known     map[string]struct{}
}

func NewMetricsBuilder(namespace string, reg prometheus.Registerer) (*MetricsBuilder, error) {
	if namespace == "" {
		namespace = "rpcguard"
	}
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_calls_total",
		Help:      "JSON-RPC calls handled by the pipeline, by method and result code.",
	}, []string{"method", "code"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_call_duration_seconds",
		Help:      "Duration of JSON-RPC calls through the pipeline.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	if reg != nil {
		for _, c := range []prometheus.Collector{calls, durations} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	known := make(map[string]struct{}, len(standardMethods))
	for _, name := range standardMethods {
		known[name] = struct{}{}
	}
	return &MetricsBuilder{calls: calls, durations: durations, known: known}, nil
}

// WithMethods adds method names that get their own label. Call it before the
// pipeline serves requests.
func (b *MetricsBuilder) WithMethods(names ...string) *MetricsBuilder {
	for _, name := range names {
		if name != "" {
			b.known[name] = struct{}{}
		}
	}
	return b
}

func (b *MetricsBuilder) label(method string) string {
	if _, ok := b.known[method]; ok {
		return method
	}
	return otherMethod
}

func (b *MetricsBuilder) Build(context.Context, pipeline.RPCMethod, *extensions.Registry) (pipeline.Middleware, error) {
	return &metrics{builder: b}, nil
}

type metrics struct {
	builder *MetricsBuilder
}

func (m *metrics) Name() string { return "metrics" }

func (m *metrics) Call(ctx context.Context, req pipeline.Request, rc *pipeline.Context, next pipeline.NextFunc) (json.RawMessage, error) {
	start := time.Now()
	result, err := next(ctx, req, rc)
	method := m.builder.label(req.Method)
	m.builder.calls.WithLabelValues(method, strconv.Itoa(pipeline.ErrorCode(err))).Inc()
	m.builder.durations.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return result, err
}
