package methods

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcguard/gateway/extensions"
	"rpcguard/gateway/pipeline"
	"rpcguard/gateway/rules"
	"rpcguard/gateway/txenvelope"
)

const (
	addrA = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	addrB = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	addrC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

type fakeNode struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeNode) Call(_ context.Context, method string, _ []json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`"0x1"`), nil
}

func (f *fakeNode) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newGuarded(t *testing.T, cfg *extensions.WhitelistConfig, node *fakeNode, extra ...pipeline.Builder) *pipeline.Pipeline {
	t.Helper()
	reg := extensions.NewRegistry()
	if cfg != nil {
		_, err := extensions.Build(context.Background(), reg, *cfg, extensions.NewWhitelist)
		require.NoError(t, err)
	}
	builders := append([]pipeline.Builder{NewWhitelistBuilder(nil)}, extra...)
	builders = append(builders, NewUpstreamBuilder(nil).WithCaller(node))
	return pipeline.New(reg, nil, builders...)
}

func params(t *testing.T, values ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		out = append(out, raw)
	}
	return out
}

func call(method string, p []json.RawMessage) pipeline.Request {
	return pipeline.Request{ID: json.RawMessage(`1`), Method: method, Params: p}
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	var rpcErr *pipeline.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, code, rpcErr.Code, rpcErr.Message)
}

func signRaw(t *testing.T, key *ecdsa.PrivateKey, to *common.Address) string {
	t.Helper()
	chainID := big.NewInt(1)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID: chainID, Nonce: 1, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2), Gas: 100000, To: to,
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return hexutil.Encode(raw)
}

func TestCallSenderMatchesRuleWithoutRecipient(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{
		EthCall: []rules.Config{{From: addrA}},
	}, node)

	for _, from := range []string{strings.ToLower(addrA), addrA} {
		res, err := p.Handle(context.Background(), call("eth_call", params(t, map[string]any{"from": from, "data": "0x"}, "latest")))
		require.NoError(t, err)
		assert.JSONEq(t, `"0x1"`, string(res))
	}
	assert.Equal(t, 2, node.count())
}

func TestCallToUnlistedRecipientIsBanned(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{
		EthCall: []rules.Config{{From: addrA, To: addrB}},
	}, node)

	_, err := p.Handle(context.Background(), call("eth_call", params(t, map[string]any{"from": addrA, "to": addrC})))
	requireCode(t, err, CodeAddressIsBanned)
	assert.Zero(t, node.count(), "banned calls must not reach the node")

	_, err = p.Handle(context.Background(), call("eth_call", params(t, map[string]any{"from": addrA, "to": strings.ToLower(addrB)})))
	require.NoError(t, err)
}

func TestEmptyRawListAllowsAnySigner(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{RawTx: []rules.Config{}}, node)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress(addrC)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, signRaw(t, key, &to))))
	require.NoError(t, err)
	assert.Equal(t, 1, node.count())
}

func TestMalformedRawTransactionIsIllegal(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{RawTx: []rules.Config{{From: addrA}}}, node)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	valid := signRaw(t, key, nil)

	for name, payload := range map[string]string{
		"non-hex":      "0xzzzz",
		"no-prefix":    strings.TrimPrefix(valid, "0x"),
		"truncated":    valid[:len(valid)/2],
		"empty":        "0x",
		"unknown-type": "0x05c0",
		"zero-type":    "0x00",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, payload)))
			requireCode(t, err, CodeIllegalTransaction)
		})
	}
	assert.Zero(t, node.count())
}

func TestCallWithoutUsableSenderIsUnknown(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{EthCall: []rules.Config{{}}}, node)

	cases := map[string][]json.RawMessage{
		"no-from":      params(t, map[string]any{"to": addrB}),
		"null-from":    params(t, map[string]any{"from": nil}),
		"bad-from":     params(t, map[string]any{"from": "0x1234"}),
		"numeric-from": params(t, map[string]any{"from": 12}),
		"bad-to":       params(t, map[string]any{"from": addrA, "to": "create"}),
		"not-object":   params(t, "0xdeadbeef"),
		"no-params":    nil,
	}
	for name, p0 := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Handle(context.Background(), call("eth_call", p0))
			requireCode(t, err, CodeUnknownAddress)
		})
	}
	assert.Zero(t, node.count())
}

func TestCallObjectKeysMatchCaseInsensitively(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{
		Tx: []rules.Config{{From: addrA, To: addrB}},
	}, node)

	_, err := p.Handle(context.Background(), call("eth_sendTransaction", params(t, map[string]any{"From": addrA, "To": addrB})))
	require.NoError(t, err)

	_, err = p.Handle(context.Background(), call("eth_sendTransaction", params(t, map[string]any{"From": addrA, "To": addrC})))
	requireCode(t, err, CodeAddressIsBanned)

	_, err = p.Handle(context.Background(), call("eth_sendTransaction", params(t, map[string]any{"FROM": addrC, "to": addrB})))
	requireCode(t, err, CodeAddressIsBanned)
	assert.Equal(t, 1, node.count())
}

func TestCallObjectWithDuplicateKeysIsRejected(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{
		Tx: []rules.Config{{From: addrA, To: addrB}},
	}, node)

	cases := map[string]map[string]any{
		"recipient": {"from": addrA, "to": addrB, "TO": addrC},
		"sender":    {"from": addrA, "From": addrC, "to": addrB},
		"null-twin": {"from": addrA, "to": addrB, "To": nil},
	}
	for name, obj := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Handle(context.Background(), call("eth_sendTransaction", params(t, obj)))
			requireCode(t, err, CodeUnknownAddress)
		})
	}
	assert.Zero(t, node.count(), "ambiguous call objects must not reach the node")
}

func TestRawTransactionSignerIsChecked(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress(addrB)

	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{
		RawTx: []rules.Config{{From: signer.Hex(), To: addrB}, {From: signer.Hex(), To: "create"}},
	}, node)

	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, signRaw(t, key, &to))))
	require.NoError(t, err)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, signRaw(t, key, nil))))
	require.NoError(t, err)

	other := common.HexToAddress(addrC)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, signRaw(t, key, &other))))
	requireCode(t, err, CodeAddressIsBanned)

	intruder, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, signRaw(t, intruder, &to))))
	requireCode(t, err, CodeAddressIsBanned)
	assert.Equal(t, 2, node.count())
}

func TestRawTransactionParamErrors(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{RawTx: []rules.Config{{}}}, node)

	_, err := p.Handle(context.Background(), call("eth_sendRawTransaction", nil))
	requireCode(t, err, CodeUnknownAddress)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, map[string]any{"raw": "0x"})))
	requireCode(t, err, CodeUnknownAddress)

	unsigned, err := types.NewTx(&types.DynamicFeeTx{
		ChainID: big.NewInt(1), GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(1), Gas: 21000,
	}).MarshalBinary()
	require.NoError(t, err)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, hexutil.Encode(unsigned))))
	requireCode(t, err, CodeIllegalTransactionSignature)
	assert.Zero(t, node.count())
}

func TestSendTransactionNullRecipientIsCreate(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{
		Tx: []rules.Config{{From: addrA, To: "Create"}},
	}, node)

	_, err := p.Handle(context.Background(), call("eth_sendTransaction", params(t, map[string]any{"from": addrA, "to": nil, "data": "0x6000"})))
	require.NoError(t, err)
	_, err = p.Handle(context.Background(), call("eth_sendTransaction", params(t, map[string]any{"from": addrA, "to": addrB})))
	requireCode(t, err, CodeAddressIsBanned)
}

func TestWhitelistListsAreIsolatedByMethod(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, &extensions.WhitelistConfig{
		EthCall: []rules.Config{{From: addrA}},
	}, node)

	// eth_sendTransaction has no rules, so a call list never leaks into it.
	_, err := p.Handle(context.Background(), call("eth_sendTransaction", params(t, map[string]any{"from": addrB})))
	require.NoError(t, err)

	chain, err := p.Chain(context.Background(), "eth_getBalance")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "upstream", chain[0].Name())
}

func TestMissingWhitelistExtensionAllowsAll(t *testing.T) {
	node := &fakeNode{}
	p := newGuarded(t, nil, node)
	_, err := p.Handle(context.Background(), call("eth_call", params(t, map[string]any{"to": addrB})))
	require.NoError(t, err)
	assert.Equal(t, 1, node.count())
}

func TestPartiesAreStoredInRequestContext(t *testing.T) {
	var seen Parties
	var view txenvelope.View
	capture := pipeline.BuilderFunc(func(context.Context, pipeline.RPCMethod, *extensions.Registry) (pipeline.Middleware, error) {
		return captureStage(func(rc *pipeline.Context) {
			seen, _ = pipeline.Value[Parties](rc)
			view, _ = pipeline.Value[txenvelope.View](rc)
		}), nil
	})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	p := newGuarded(t, &extensions.WhitelistConfig{RawTx: []rules.Config{{From: signer.Hex()}}}, &fakeNode{}, capture)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, signRaw(t, key, nil))))
	require.NoError(t, err)
	assert.Equal(t, signer, seen.From)
	assert.True(t, seen.To.IsCreate())
	assert.Equal(t, txenvelope.KindDynamicFee, view.Kind)
}

func TestRegisteredDecoderIsUsed(t *testing.T) {
	reg := extensions.NewRegistry()
	_, err := extensions.Build(context.Background(), reg, extensions.WhitelistConfig{RawTx: []rules.Config{{}}}, extensions.NewWhitelist)
	require.NoError(t, err)
	_, err = extensions.Build(context.Background(), reg, txenvelope.DecoderConfig{MaxRawBytes: 8}, extensions.NewTxDecoder)
	require.NoError(t, err)
	p := pipeline.New(reg, nil, NewWhitelistBuilder(nil), NewUpstreamBuilder(nil).WithCaller(&fakeNode{}))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = p.Handle(context.Background(), call("eth_sendRawTransaction", params(t, signRaw(t, key, nil))))
	requireCode(t, err, CodeIllegalTransaction)
}

type captureStage func(rc *pipeline.Context)

func (p captureStage) Name() string { return "capture" }

func (p captureStage) Call(ctx context.Context, req pipeline.Request, rc *pipeline.Context, next pipeline.NextFunc) (json.RawMessage, error) {
	p(rc)
	return next(ctx, req, rc)
}
