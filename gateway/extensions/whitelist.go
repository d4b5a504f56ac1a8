package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"rpcguard/gateway/rules"
)

// Read rpc.
const MethodCall = "eth_call"

// Write rpc.
const (
	MethodSendRawTransaction = "eth_sendRawTransaction"
	MethodSendTransaction    = "eth_sendTransaction"
)

// Family identifies which rule list applies to a method.
type Family int

const (
	FamilyNone Family = iota
	FamilyCall
	FamilyRawTx
	FamilyTx
)

func (f Family) String() string {
	switch f {
	case FamilyCall:
		return "call"
	case FamilyRawTx:
		return "rawTx"
	case FamilyTx:
		return "tx"
	default:
		return "none"
	}
}

// FamilyOf maps an RPC method onto its whitelist family.
func FamilyOf(method string) Family {
	switch method {
	case MethodCall:
		return FamilyCall
	case MethodSendRawTransaction:
		return FamilyRawTx
	case MethodSendTransaction:
		return FamilyTx
	default:
		return FamilyNone
	}
}

var whitelistKeys = map[string]Family{
	"ethCallWhitelist":       FamilyCall,
	"eth_call_whitelist":     FamilyCall,
	"eth_call":               FamilyCall,
	"rawTxWhitelist":         FamilyRawTx,
	"raw_tx_whitelist":       FamilyRawTx,
	"raw_tx":                 FamilyRawTx,
	"eth_sendRawTransaction": FamilyRawTx,
	"txWhitelist":            FamilyTx,
	"tx_whitelist":           FamilyTx,
	"tx":                     FamilyTx,
	"eth_sendTransaction":    FamilyTx,
}

// WhitelistConfig holds the address rules per method family. Missing lists
// are empty, which places no restriction on the family.
type WhitelistConfig struct {
	EthCall []rules.Config
	RawTx   []rules.Config
	Tx      []rules.Config
}

func (c *WhitelistConfig) list(f Family) *[]rules.Config {
	switch f {
	case FamilyCall:
		return &c.EthCall
	case FamilyRawTx:
		return &c.RawTx
	case FamilyTx:
		return &c.Tx
	default:
		return nil
	}
}

func (c *WhitelistConfig) assign(raw map[string][]rules.Config) error {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	seen := make(map[Family]string, 3)
	for _, key := range keys {
		family, ok := whitelistKeys[key]
		if !ok {
			return fmt.Errorf("whitelist: unknown key %q", key)
		}
		if prev, dup := seen[family]; dup {
			return fmt.Errorf("whitelist: keys %q and %q both configure the %s list", prev, key, family)
		}
		seen[family] = key
		*c.list(family) = raw[key]
	}
	return nil
}

func (c *WhitelistConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string][]rules.Config
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = WhitelistConfig{}
	return c.assign(raw)
}

func (c *WhitelistConfig) UnmarshalJSON(data []byte) error {
	var raw map[string][]rules.Config
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = WhitelistConfig{}
	return c.assign(raw)
}

// UnmarshalTOML receives the generic table decoded by BurntSushi/toml.
func (c *WhitelistConfig) UnmarshalTOML(data any) error {
	table, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("whitelist: expected table, got %T", data)
	}
	raw := make(map[string][]rules.Config, len(table))
	for key, value := range table {
		entries, err := tomlTables(value)
		if err != nil {
			return fmt.Errorf("whitelist.%s: %w", key, err)
		}
		list := make([]rules.Config, 0, len(entries))
		for i, entry := range entries {
			var rule rules.Config
			for field, v := range entry {
				s, ok := v.(string)
				if !ok {
					return fmt.Errorf("whitelist.%s[%d].%s: expected string", key, i, field)
				}
				switch field {
				case "from":
					rule.From = s
				case "to":
					rule.To = s
				default:
					return fmt.Errorf("whitelist.%s[%d]: unknown field %q", key, i, field)
				}
			}
			list = append(list, rule)
		}
		raw[key] = list
	}
	*c = WhitelistConfig{}
	return c.assign(raw)
}

func tomlTables(value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			table, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected table, got %T", item)
			}
			out = append(out, table)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected array of tables, got %T", value)
	}
}

// Normalize lower-cases and validates every rule.
func (c *WhitelistConfig) Normalize() error {
	for _, f := range []Family{FamilyCall, FamilyRawTx, FamilyTx} {
		if err := rules.NormalizeAll(*c.list(f)); err != nil {
			return fmt.Errorf("whitelist %s: %w", f, err)
		}
	}
	return nil
}

// Whitelist is the compiled, immutable form of WhitelistConfig.
type Whitelist struct {
	EthCall rules.List
	RawTx   rules.List
	Tx      rules.List
}

// NewWhitelist is the extension factory for *Whitelist.
func NewWhitelist(_ context.Context, cfg WhitelistConfig, _ *Registry) (*Whitelist, error) {
	var (
		wl  Whitelist
		err error
	)
	if wl.EthCall, err = rules.CompileAll(cfg.EthCall); err != nil {
		return nil, fmt.Errorf("whitelist call: %w", err)
	}
	if wl.RawTx, err = rules.CompileAll(cfg.RawTx); err != nil {
		return nil, fmt.Errorf("whitelist rawTx: %w", err)
	}
	if wl.Tx, err = rules.CompileAll(cfg.Tx); err != nil {
		return nil, fmt.Errorf("whitelist tx: %w", err)
	}
	return &wl, nil
}

// Rules returns a copy of the list for family. A nil receiver has no rules.
func (w *Whitelist) Rules(f Family) rules.List {
	if w == nil {
		return nil
	}
	switch f {
	case FamilyCall:
		return w.EthCall.Clone()
	case FamilyRawTx:
		return w.RawTx.Clone()
	case FamilyTx:
		return w.Tx.Clone()
	default:
		return nil
	}
}

func (w *Whitelist) String() string {
	if w == nil {
		return "whitelist(none)"
	}
	return fmt.Sprintf("whitelist(call=%d rawTx=%d tx=%d)", len(w.EthCall), len(w.RawTx), len(w.Tx))
}
