package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// CreateKeyword is the configuration spelling of a contract-creation recipient.
const CreateKeyword = "create"

var ErrInvalidAddress = errors.New("invalid address")

// Recipient is the normalized target of a call: either a concrete address or
// the contract-creation marker. The zero value is a call to the zero address.
type Recipient struct {
	create bool
	addr   common.Address
}

func ContractCreation() Recipient {
	return Recipient{create: true}
}

func CallTo(addr common.Address) Recipient {
	return Recipient{addr: addr}
}

// RecipientFromTo maps an optional transaction target onto a Recipient.
func RecipientFromTo(to *common.Address) Recipient {
	if to == nil {
		return ContractCreation()
	}
	return CallTo(*to)
}

func (r Recipient) IsCreate() bool { return r.create }

// Address returns the called address; ok is false for contract creation.
func (r Recipient) Address() (common.Address, bool) {
	if r.create {
		return common.Address{}, false
	}
	return r.addr, true
}

func (r Recipient) Equal(other Recipient) bool {
	if r.create || other.create {
		return r.create == other.create
	}
	return r.addr == other.addr
}

func (r Recipient) String() string {
	if r.create {
		return CreateKeyword
	}
	return strings.ToLower(r.addr.Hex())
}

// Rule is a single allow-list entry. A nil field matches any value.
type Rule struct {
	From *common.Address
	To   *Recipient
}

// Satisfies reports whether the sender/recipient pair is permitted by the rule.
func (r Rule) Satisfies(from common.Address, to Recipient) bool {
	if r.From != nil && *r.From != from {
		return false
	}
	if r.To != nil && !r.To.Equal(to) {
		return false
	}
	return true
}

func (r Rule) IsOpen() bool {
	return r.From == nil && r.To == nil
}

func (r Rule) String() string {
	from, to := "*", "*"
	if r.From != nil {
		from = strings.ToLower(r.From.Hex())
	}
	if r.To != nil {
		to = r.To.String()
	}
	return from + "->" + to
}

// List is an ordered set of rules evaluated with OR semantics.
type List []Rule

// Allows reports whether any rule matches. An empty list places no restriction.
func (l List) Allows(from common.Address, to Recipient) bool {
	if len(l) == 0 {
		return true
	}
	for _, rule := range l {
		if rule.Satisfies(from, to) {
			return true
		}
	}
	return false
}

func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	copy(out, l)
	return out
}

// ParseAddress accepts a 0x-prefixed, 40 hex digit address in any case.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return common.Address{}, fmt.Errorf("%w: %q missing 0x prefix", ErrInvalidAddress, raw)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return common.HexToAddress(trimmed), nil
}

// ParseRecipient accepts an address or the "create" keyword (any case of the
// leading letter, matching historic configuration files).
func ParseRecipient(raw string) (Recipient, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == CreateKeyword || trimmed == "Create" {
		return ContractCreation(), nil
	}
	addr, err := ParseAddress(trimmed)
	if err != nil {
		return Recipient{}, err
	}
	return CallTo(addr), nil
}
