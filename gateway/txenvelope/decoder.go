package txenvelope

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultMaxRawBytes bounds the decoded size of a raw transaction. It leaves
	// room for a blob transaction carrying its full sidecar.
	DefaultMaxRawBytes = 1 << 20
	DefaultCacheSize   = 4096
)

type DecoderConfig struct {
	MaxRawBytes int
	CacheSize   int
}

// Decoder turns hex encoded raw transactions into Views. Recovered views are
// cached by the keccak hash of the raw bytes, so a resubmitted transaction
// skips signature recovery. Safe for concurrent use.
type Decoder struct {
	maxRawBytes int
	cache       *lru.Cache[common.Hash, View]
}

func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	d := NewUncachedDecoder(cfg.MaxRawBytes)
	if cfg.CacheSize >= 0 {
		size := cfg.CacheSize
		if size == 0 {
			size = DefaultCacheSize
		}
		cache, err := lru.New[common.Hash, View](size)
		if err != nil {
			return nil, fmt.Errorf("create recovery cache: %w", err)
		}
		d.cache = cache
	}
	return d, nil
}

// NewUncachedDecoder returns a Decoder that recovers every signature. A
// non-positive maxRawBytes selects DefaultMaxRawBytes.
func NewUncachedDecoder(maxRawBytes int) *Decoder {
	if maxRawBytes <= 0 {
		maxRawBytes = DefaultMaxRawBytes
	}
	return &Decoder{maxRawBytes: maxRawBytes}
}

func (d *Decoder) MaxRawBytes() int { return d.maxRawBytes }

// DecodeHex decodes a 0x-prefixed hex payload. Every failure wraps either
// ErrIllegalTransaction or ErrIllegalSignature.
func (d *Decoder) DecodeHex(ctx context.Context, payload string) (View, error) {
	payload = strings.TrimSpace(payload)
	if limit := 2 + 2*d.maxRawBytes; len(payload) > limit {
		return View{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrIllegalTransaction, d.maxRawBytes)
	}
	raw, err := hexutil.Decode(payload)
	if err != nil {
		return View{}, fmt.Errorf("%w: %v", ErrIllegalTransaction, err)
	}
	return d.DecodeBytes(ctx, raw)
}

func (d *Decoder) DecodeBytes(ctx context.Context, raw []byte) (View, error) {
	if len(raw) > d.maxRawBytes {
		return View{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrIllegalTransaction, d.maxRawBytes)
	}
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	var key common.Hash
	if d.cache != nil {
		key = crypto.Keccak256Hash(raw)
		if view, ok := d.cache.Get(key); ok {
			return view, nil
		}
	}
	tx, kind, err := Decode(raw)
	if err != nil {
		return View{}, err
	}
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	view, err := NewView(tx, kind)
	if err != nil {
		return View{}, err
	}
	if d.cache != nil {
		d.cache.Add(key, view)
	}
	return view, nil
}
