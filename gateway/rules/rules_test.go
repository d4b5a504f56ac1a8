package rules

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = common.HexToAddress("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa")
	addrB = common.HexToAddress("0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB")
	addrC = common.HexToAddress("0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC")
)

func mustCompile(t *testing.T, cfgs ...Config) List {
	t.Helper()
	list, err := CompileAll(cfgs)
	require.NoError(t, err)
	return list
}

func TestEmptyListAllowsEverything(t *testing.T) {
	var list List
	assert.True(t, list.Allows(addrA, CallTo(addrB)))
	assert.True(t, list.Allows(addrC, ContractCreation()))
	assert.True(t, List{}.Allows(common.Address{}, CallTo(common.Address{})))
}

func TestOpenRuleMakesListPermissive(t *testing.T) {
	list := mustCompile(t,
		Config{From: addrA.Hex(), To: addrB.Hex()},
		Config{},
	)
	assert.True(t, list[1].IsOpen())
	assert.True(t, list.Allows(addrC, CallTo(addrC)))
	assert.True(t, list.Allows(addrC, ContractCreation()))
}

func TestSenderComparisonIgnoresCase(t *testing.T) {
	upperHex := "0x" + strings.ToUpper(strings.TrimPrefix(addrA.Hex(), "0x"))
	list := mustCompile(t, Config{From: upperHex})
	lower, err := ParseAddress(strings.ToLower(addrA.Hex()))
	require.NoError(t, err)
	upper, err := ParseAddress(upperHex)
	require.NoError(t, err)
	assert.True(t, list.Allows(lower, CallTo(addrB)))
	assert.True(t, list.Allows(upper, CallTo(addrB)))
	assert.False(t, list.Allows(addrB, CallTo(addrB)))
}

func TestContractCreationMatching(t *testing.T) {
	open := mustCompile(t, Config{From: addrA.Hex()})
	assert.True(t, open.Allows(addrA, ContractCreation()))

	create := mustCompile(t, Config{From: addrA.Hex(), To: "create"})
	assert.True(t, create.Allows(addrA, ContractCreation()))
	assert.False(t, create.Allows(addrA, CallTo(addrB)))

	concrete := mustCompile(t, Config{From: addrA.Hex(), To: addrB.Hex()})
	assert.False(t, concrete.Allows(addrA, ContractCreation()))
	assert.True(t, concrete.Allows(addrA, CallTo(addrB)))
}

func TestZeroAddressIsNotWildcard(t *testing.T) {
	list := mustCompile(t, Config{To: common.Address{}.Hex()})
	assert.True(t, list.Allows(addrA, CallTo(common.Address{})))
	assert.False(t, list.Allows(addrA, CallTo(addrB)))
	assert.False(t, list.Allows(addrA, ContractCreation()))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	cfgs := []Config{
		{From: addrA.Hex(), To: addrB.Hex()},
		{From: "  " + addrC.Hex() + " ", To: "Create"},
		{},
	}
	require.NoError(t, NormalizeAll(cfgs))
	first := append([]Config(nil), cfgs...)
	require.NoError(t, NormalizeAll(cfgs))
	assert.Equal(t, first, cfgs)
	assert.Equal(t, strings.ToLower(addrA.Hex()), cfgs[0].From)
	assert.Equal(t, CreateKeyword, cfgs[1].To)
}

func TestNormalizeRejectsMalformedAddresses(t *testing.T) {
	cases := []Config{
		{From: "0x1234"},
		{From: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
		{To: "0xzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
		{To: "CREATE"},
	}
	for _, cfg := range cases {
		cfg := cfg
		err := cfg.Normalize()
		require.ErrorIs(t, err, ErrInvalidAddress, "config %+v", cfg)
	}
}

func TestRecipientEquality(t *testing.T) {
	assert.True(t, ContractCreation().Equal(ContractCreation()))
	assert.False(t, ContractCreation().Equal(CallTo(common.Address{})))
	assert.True(t, CallTo(addrA).Equal(CallTo(addrA)))
	assert.False(t, CallTo(addrA).Equal(CallTo(addrB)))
	assert.True(t, RecipientFromTo(nil).IsCreate())
	got, ok := RecipientFromTo(&addrB).Address()
	assert.True(t, ok)
	assert.Equal(t, addrB, got)
}

func TestCloneIsIndependent(t *testing.T) {
	list := mustCompile(t, Config{From: addrA.Hex()})
	clone := list.Clone()
	clone[0] = Rule{}
	assert.False(t, list[0].IsOpen())
	assert.Nil(t, List(nil).Clone())
}
