// Package txenvelope decodes signed EIP-2718 transaction envelopes submitted
// through eth_sendRawTransaction and recovers their true sender.
//
// Only the envelope formats listed in Kind are accepted. Any other type
// discriminant is reported as ErrIllegalTransaction rather than being passed
// through, because an access-control decision can only be made for a sender
// that was actually recovered.
package txenvelope

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"rpcguard/gateway/rules"
)

var (
	// ErrIllegalTransaction reports bytes that do not form a supported envelope.
	ErrIllegalTransaction = errors.New("illegal transaction")
	// ErrIllegalSignature reports an envelope whose signature does not recover a sender.
	ErrIllegalSignature = errors.New("illegal transaction signature")
)

// Kind enumerates the supported envelope formats.
type Kind uint8

const (
	KindLegacy Kind = iota
	KindAccessList
	KindDynamicFee
	KindBlob
	KindSetCode
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindAccessList:
		return "access-list"
	case KindDynamicFee:
		return "dynamic-fee"
	case KindBlob:
		return "blob"
	case KindSetCode:
		return "set-code"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Classify inspects the leading byte of an encoded envelope. Legacy
// transactions are bare RLP lists; typed envelopes start with their type byte.
func Classify(raw []byte) (Kind, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: empty payload", ErrIllegalTransaction)
	}
	switch b := raw[0]; {
	case b >= 0xc0:
		return KindLegacy, nil
	case b == types.AccessListTxType:
		return KindAccessList, nil
	case b == types.DynamicFeeTxType:
		return KindDynamicFee, nil
	case b == types.BlobTxType:
		return KindBlob, nil
	case b == types.SetCodeTxType:
		return KindSetCode, nil
	default:
		return 0, fmt.Errorf("%w: unsupported envelope type 0x%02x", ErrIllegalTransaction, b)
	}
}

// Decode classifies and decodes a binary envelope.
func Decode(raw []byte) (tx *types.Transaction, kind Kind, err error) {
	kind, err = Classify(raw)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx, err = nil, fmt.Errorf("%w: %s envelope: %v", ErrIllegalTransaction, kind, r)
		}
	}()
	tx = new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, kind, fmt.Errorf("%w: %s envelope: %v", ErrIllegalTransaction, kind, err)
	}
	if got := kindOf(tx.Type()); got != kind {
		return nil, kind, fmt.Errorf("%w: envelope type mismatch", ErrIllegalTransaction)
	}
	return tx, kind, nil
}

func kindOf(txType uint8) Kind {
	switch txType {
	case types.LegacyTxType:
		return KindLegacy
	case types.AccessListTxType:
		return KindAccessList
	case types.DynamicFeeTxType:
		return KindDynamicFee
	case types.BlobTxType:
		return KindBlob
	case types.SetCodeTxType:
		return KindSetCode
	default:
		return Kind(0xff)
	}
}

// SignerFor picks the signer whose signing hash matches the envelope. Unprotected
// legacy transactions use the pre-EIP-155 hash.
func SignerFor(tx *types.Transaction) (types.Signer, error) {
	if tx.Type() == types.LegacyTxType && !tx.Protected() {
		return types.HomesteadSigner{}, nil
	}
	chainID := tx.ChainId()
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid chain id %v", ErrIllegalSignature, chainID)
	}
	return types.LatestSignerForChainID(chainID), nil
}

// Recover returns the address that signed tx.
func Recover(tx *types.Transaction) (from common.Address, err error) {
	signer, err := SignerFor(tx)
	if err != nil {
		return common.Address{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			from, err = common.Address{}, fmt.Errorf("%w: %v", ErrIllegalSignature, r)
		}
	}()
	from, err = types.Sender(signer, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrIllegalSignature, err)
	}
	return from, nil
}

// View is the part of a decoded transaction the gateway makes decisions on.
type View struct {
	Kind      Kind
	Hash      common.Hash
	ChainID   uint64
	Sender    common.Address
	Recipient rules.Recipient
	HasBlobs  bool
}

// NewView recovers the sender of tx and normalizes its recipient.
func NewView(tx *types.Transaction, kind Kind) (View, error) {
	sender, err := Recover(tx)
	if err != nil {
		return View{}, err
	}
	view := View{
		Kind:      kind,
		Hash:      tx.Hash(),
		Sender:    sender,
		Recipient: rules.RecipientFromTo(tx.To()),
		HasBlobs:  len(tx.BlobHashes()) > 0,
	}
	if id := tx.ChainId(); id != nil && id.IsUint64() {
		view.ChainID = id.Uint64()
	}
	return view, nil
}
