package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCostTable(t *testing.T) {
	table := DefaultCostTable()

	assert.Equal(t, 10, table.Cost(MethodEthBlockNumber))
	assert.Equal(t, 26, table.Cost(MethodEthCall))
	assert.Equal(t, 0, table.Cost(MethodEthChainID))
	assert.Equal(t, DefaultCUCost, table.Cost("eth_getLogs"))
}

func TestCostTable_ZeroValueUsesDefaults(t *testing.T) {
	var table CostTable
	assert.Equal(t, 26, table.Cost(MethodEthCall))
	assert.Equal(t, DefaultCUCost, table.Cost("eth_getLogs"))
}

func TestParseCostTable(t *testing.T) {
	table, err := ParseCostTable(" eth_call = 40, *=7 ,eth_getLogs=75")
	require.NoError(t, err)

	assert.Equal(t, 40, table.Cost(MethodEthCall))
	assert.Equal(t, 10, table.Cost(MethodEthBlockNumber), "untouched defaults survive")
	assert.Equal(t, 75, table.Cost("eth_getLogs"))
	assert.Equal(t, 7, table.Cost("debug_traceCall"))

	// Overrides never leak into the shared defaults.
	assert.Equal(t, 26, DefaultCostTable().Cost(MethodEthCall))
}

func TestParseCostTable_Empty(t *testing.T) {
	table, err := ParseCostTable("  ")
	require.NoError(t, err)
	assert.Equal(t, DefaultCostTable().String(), table.String())
}

func TestParseCostTable_Invalid(t *testing.T) {
	for _, overrides := range []string{
		"eth_call",
		"=5",
		"eth_call=-1",
		"eth_call=lots",
		"eth_call=5,,",
	} {
		t.Run(overrides, func(t *testing.T) {
			_, err := ParseCostTable(overrides)
			assert.Error(t, err)
		})
	}
}

func TestCostTable_StringRoundTrip(t *testing.T) {
	table, err := ParseCostTable("eth_call=30,*=3")
	require.NoError(t, err)
	assert.Equal(t, "eth_blockNumber=10,eth_call=30,eth_chainId=0,*=3", table.String())

	again, err := ParseCostTable(table.String())
	require.NoError(t, err)
	assert.Equal(t, table.String(), again.String())
}
