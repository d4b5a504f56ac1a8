// Package methods holds the pipeline stages the gateway runs for individual
// RPC methods.
package methods

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"rpcguard/gateway/extensions"
	"rpcguard/gateway/pipeline"
	"rpcguard/gateway/rules"
	"rpcguard/gateway/txenvelope"
)

// Access control error codes.
const (
	CodeAddressIsBanned             = -33000
	CodeUnknownAddress              = -33001
	CodeIllegalTransaction          = -33002
	CodeIllegalTransactionSignature = -33003
)

// Parties records the addresses the whitelist extracted for a request. It is
// stored in the request context for later stages.
type Parties struct {
	From common.Address
	To   rules.Recipient
}

// WhitelistBuilder instantiates the address access-control stage for
// eth_call, eth_sendRawTransaction and eth_sendTransaction.
type WhitelistBuilder struct {
	logger  *slog.Logger
	decoder *txenvelope.Decoder
}

func NewWhitelistBuilder(logger *slog.Logger) *WhitelistBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhitelistBuilder{
		logger:  logger.With("middleware", "whitelist"),
		decoder: txenvelope.NewUncachedDecoder(0),
	}
}

// Build returns nil for methods the whitelist does not govern. A registry
// without a *extensions.Whitelist behaves like one with empty lists.
func (b *WhitelistBuilder) Build(_ context.Context, method pipeline.RPCMethod, reg *extensions.Registry) (pipeline.Middleware, error) {
	family := extensions.FamilyOf(method.Method)
	if family == extensions.FamilyNone {
		return nil, nil
	}
	wl, _ := extensions.Lookup[*extensions.Whitelist](reg)
	mw := &whitelist{
		family: family,
		rules:  wl.Rules(family),
		logger: b.logger,
	}
	if family == extensions.FamilyRawTx {
		mw.decoder = b.decoder
		if dec, ok := extensions.Lookup[*txenvelope.Decoder](reg); ok && dec != nil {
			mw.decoder = dec
		}
	}
	return mw, nil
}

type whitelist struct {
	family  extensions.Family
	rules   rules.List
	decoder *txenvelope.Decoder
	logger  *slog.Logger
}

func (w *whitelist) Name() string { return "whitelist" }

func (w *whitelist) Call(ctx context.Context, req pipeline.Request, rc *pipeline.Context, next pipeline.NextFunc) (json.RawMessage, error) {
	if len(w.rules) == 0 {
		return next(ctx, req, rc)
	}
	parties, err := w.extract(ctx, req, rc)
	if err != nil {
		w.reject(req, rc, err, nil)
		return nil, err
	}
	pipeline.SetValue(rc, parties)
	if !w.rules.Allows(parties.From, parties.To) {
		err := pipeline.NewError(CodeAddressIsBanned, "the address related to the rpc is banned")
		w.reject(req, rc, err, &parties)
		return nil, err
	}
	return next(ctx, req, rc)
}

func (w *whitelist) reject(req pipeline.Request, rc *pipeline.Context, err error, parties *Parties) {
	var rpcErr *pipeline.Error
	if !errors.As(err, &rpcErr) {
		return
	}
	attrs := []any{"method", req.Method, "code", rpcErr.Code, "requestId", rc.ID}
	if parties != nil {
		attrs = append(attrs, "from", parties.From.Hex(), "to", parties.To.String())
	}
	w.logger.Info("rpc call rejected", attrs...)
}

func (w *whitelist) extract(ctx context.Context, req pipeline.Request, rc *pipeline.Context) (Parties, error) {
	if w.family == extensions.FamilyRawTx {
		return w.extractRaw(ctx, req, rc)
	}
	return extractFromTo(req.Params)
}

// extractFromTo reads the sender and recipient from the call object passed as
// the first parameter of eth_call and eth_sendTransaction. Keys match
// case-insensitively, like the node's own decoding, and an object naming a
// field under two spellings is rejected.
func extractFromTo(params []json.RawMessage) (Parties, error) {
	if len(params) == 0 {
		return Parties{}, pipeline.NewError(CodeUnknownAddress, "could not get the first param from rpc parameters")
	}
	var call map[string]json.RawMessage
	if err := json.Unmarshal(params[0], &call); err != nil || call == nil {
		return Parties{}, pipeline.NewError(CodeUnknownAddress, "the first rpc parameter is not a call object")
	}
	rawFrom, err := callField(call, "from")
	if err != nil {
		return Parties{}, err
	}
	if rawFrom == nil {
		return Parties{}, pipeline.NewError(CodeUnknownAddress, "could not get `from` from rpc parameters")
	}
	from, err := parseAddressParam(rawFrom)
	if err != nil {
		return Parties{}, pipeline.NewError(CodeUnknownAddress, "could not parse `from` from rpc parameters")
	}
	rawTo, err := callField(call, "to")
	if err != nil {
		return Parties{}, err
	}
	to := rules.ContractCreation()
	if rawTo != nil {
		addr, err := parseAddressParam(rawTo)
		if err != nil {
			return Parties{}, pipeline.NewError(CodeUnknownAddress, "could not parse `to` from rpc parameters")
		}
		to = rules.CallTo(addr)
	}
	return Parties{From: from, To: to}, nil
}

// callField returns the value stored under name in any letter case, or nil
// when the key is absent or null.
func callField(call map[string]json.RawMessage, name string) (json.RawMessage, error) {
	var (
		found string
		value json.RawMessage
	)
	for key, raw := range call {
		if !strings.EqualFold(key, name) {
			continue
		}
		if found != "" {
			return nil, pipeline.NewError(CodeUnknownAddress, "ambiguous `"+name+"` in rpc parameters")
		}
		found, value = key, raw
	}
	if value == nil || isNull(value) {
		return nil, nil
	}
	return value, nil
}

func (w *whitelist) extractRaw(ctx context.Context, req pipeline.Request, rc *pipeline.Context) (Parties, error) {
	if len(req.Params) == 0 {
		return Parties{}, pipeline.NewError(CodeUnknownAddress, "could not get the first param from rpc parameters")
	}
	var payload string
	if err := json.Unmarshal(req.Params[0], &payload); err != nil {
		return Parties{}, pipeline.NewError(CodeUnknownAddress, "the raw transaction param must be a hex string")
	}
	view, err := w.decoder.DecodeHex(ctx, payload)
	switch {
	case err == nil:
	case errors.Is(err, txenvelope.ErrIllegalSignature):
		return Parties{}, pipeline.NewError(CodeIllegalTransactionSignature, "could not recover signer from tx").WithData(err.Error())
	case errors.Is(err, txenvelope.ErrIllegalTransaction):
		return Parties{}, pipeline.NewError(CodeIllegalTransaction, "could not decode the raw transaction").WithData(err.Error())
	default:
		return Parties{}, err
	}
	pipeline.SetValue(rc, view)
	return Parties{From: view.Sender, To: view.Recipient}, nil
}

func parseAddressParam(raw json.RawMessage) (common.Address, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return common.Address{}, err
	}
	return rules.ParseAddress(s)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
