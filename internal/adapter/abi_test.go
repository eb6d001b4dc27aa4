package adapter

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickToPrice(t *testing.T) {
	tests := []struct {
		name      string
		tick      int32
		dec0      uint8
		dec1      uint8
		want      float64
		tolerance float64
	}{
		{"tick zero is parity", 0, 18, 18, 1, 1e-12},
		{"positive tick", 46_054, 18, 18, 100, 0.01},
		{"negative tick", -46_054, 18, 18, 0.01, 1e-6},
		// WETH/USDC style pool: token0 has 18 decimals, token1 has 6
		{"decimal shift", -200_000, 18, 6, 2063.22, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TickToPrice(tt.tick, tt.dec0, tt.dec1)
			assert.InDelta(t, tt.want, got.InexactFloat64(), tt.tolerance)
		})
	}
}

func TestTickToPriceIsMonotonic(t *testing.T) {
	prev := TickToPrice(-1000, 18, 18)
	for tick := int32(-999); tick <= 1000; tick++ {
		cur := TickToPrice(tick, 18, 18)
		require.True(t, cur.GreaterThan(prev), "tick %d", tick)
		prev = cur
	}
}

func TestDecodeSlot0IgnoresForkTail(t *testing.T) {
	// Forks append differently typed words after the tick.
	full, err := poolContract.Methods["slot0"].Outputs.Pack(big.NewInt(1), big.NewInt(-12))
	require.NoError(t, err)
	full = append(full, make([]byte, 5*32)...)

	tick, err := decodeSlot0Tick(full)
	require.NoError(t, err)
	assert.Equal(t, int32(-12), tick)
}

func TestParseDexContracts(t *testing.T) {
	c, err := ParseDexContracts("0xC36442b4a4522E871399CD717aBDD847Ab11FE88", "0x1F98431c8aD98523631AE4a59f267346ea31F984")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88"), c.PositionManager)

	_, err = ParseDexContracts("nope", "0x1F98431c8aD98523631AE4a59f267346ea31F984")
	assert.Error(t, err)
}
