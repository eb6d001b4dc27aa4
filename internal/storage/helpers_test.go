package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

const testRef = types.PositionRef("ethereum:uniswap_v3:1")

// testContext bounds a test's store calls.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testSnapshot is testRef with range [100,110] observed at active.
func testSnapshot(version uint64, active int64) models.Snapshot {
	return models.Snapshot{
		Ref:         testRef,
		Wallet:      "0xabc",
		UserID:      "u1",
		Chain:       types.ChainEthereum,
		Dex:         types.DexUniswapV3,
		PoolID:      "0xpool",
		LowerPrice:  decimal.NewFromInt(100),
		UpperPrice:  decimal.NewFromInt(110),
		ActivePrice: decimal.NewFromInt(active),
		IsActive:    true,
		Version:     version,
	}.WithComputedStatus()
}
