package extensions

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"rpcguard/gateway/txenvelope"
)

// NewTxDecoder is the extension factory for the raw transaction decoder.
func NewTxDecoder(_ context.Context, cfg txenvelope.DecoderConfig, _ *Registry) (*txenvelope.Decoder, error) {
	return txenvelope.NewDecoder(cfg)
}

// MethodLimit configures a token bucket for one RPC method. The "*" method
// applies to every method without its own entry.
type MethodLimit struct {
	Method        string  `yaml:"method" toml:"method"`
	RatePerSecond float64 `yaml:"ratePerSecond" toml:"ratePerSecond"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// MethodLimits holds the shared per-method limiters. The limiters are safe for
// concurrent use, so the extension itself stays read-only after startup.
type MethodLimits struct {
	limiters map[string]*rate.Limiter
	fallback *rate.Limiter
}

func NewMethodLimits(_ context.Context, cfg []MethodLimit, _ *Registry) (*MethodLimits, error) {
	out := &MethodLimits{limiters: make(map[string]*rate.Limiter, len(cfg))}
	for i, entry := range cfg {
		method := strings.TrimSpace(entry.Method)
		if method == "" {
			return nil, fmt.Errorf("method limit %d: method required", i)
		}
		if entry.RatePerSecond <= 0 {
			return nil, fmt.Errorf("method limit %s: ratePerSecond must be positive", method)
		}
		burst := entry.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(entry.RatePerSecond), burst)
		if method == "*" {
			out.fallback = limiter
			continue
		}
		if _, dup := out.limiters[method]; dup {
			return nil, fmt.Errorf("method limit %s: duplicate entry", method)
		}
		out.limiters[method] = limiter
	}
	return out, nil
}

// For returns the limiter governing method, or nil when it is unlimited.
func (m *MethodLimits) For(method string) *rate.Limiter {
	if m == nil {
		return nil
	}
	if limiter, ok := m.limiters[method]; ok {
		return limiter
	}
	return m.fallback
}
