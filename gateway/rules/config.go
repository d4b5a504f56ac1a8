package rules

import (
	"fmt"
	"strings"
)

// Config is the textual form of a rule as it appears in configuration files.
// Empty strings mean "unconstrained".
type Config struct {
	From string `yaml:"from,omitempty" toml:"from,omitempty" json:"from,omitempty"`
	To   string `yaml:"to,omitempty" toml:"to,omitempty" json:"to,omitempty"`
}

// Normalize validates the rule and rewrites both fields to lower case with the
// 0x prefix. Applying it to an already normalized rule leaves it unchanged.
func (c *Config) Normalize() error {
	from := strings.TrimSpace(c.From)
	if from != "" {
		addr, err := ParseAddress(from)
		if err != nil {
			return fmt.Errorf("from: %w", err)
		}
		from = strings.ToLower(addr.Hex())
	}
	to := strings.TrimSpace(c.To)
	if to != "" {
		recipient, err := ParseRecipient(to)
		if err != nil {
			return fmt.Errorf("to: %w", err)
		}
		to = recipient.String()
	}
	c.From = from
	c.To = to
	return nil
}

// Compile normalizes the rule and converts it to its matching form.
func (c Config) Compile() (Rule, error) {
	if err := c.Normalize(); err != nil {
		return Rule{}, err
	}
	var rule Rule
	if c.From != "" {
		addr, err := ParseAddress(c.From)
		if err != nil {
			return Rule{}, fmt.Errorf("from: %w", err)
		}
		rule.From = &addr
	}
	if c.To != "" {
		recipient, err := ParseRecipient(c.To)
		if err != nil {
			return Rule{}, fmt.Errorf("to: %w", err)
		}
		rule.To = &recipient
	}
	return rule, nil
}

// NormalizeAll normalizes every rule in place.
func NormalizeAll(configs []Config) error {
	for i := range configs {
		if err := configs[i].Normalize(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// CompileAll converts configuration rules into a List. An empty input yields a
// nil (permissive) list.
func CompileAll(configs []Config) (List, error) {
	if len(configs) == 0 {
		return nil, nil
	}
	out := make(List, 0, len(configs))
	for i, cfg := range configs {
		rule, err := cfg.Compile()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}
