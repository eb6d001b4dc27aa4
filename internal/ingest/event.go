// Package ingest turns pushed chain events into snapshot writes.
package ingest

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event types understood by the handler.
const (
	EventPoolTick          = "pool_tick"
	EventPositionLiquidity = "position_liquidity"
)

// Event is one pushed record. Pipelines deliver either a single object or an
// array of them.
type Event struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Chain          string `json:"chain"`
	Dex            string `json:"dex"`
	BlockNumber    uint64 `json:"block_number"`
	LogIndex       uint64 `json:"log_index"`
	BlockTimestamp int64  `json:"block_timestamp"`
	GsOp           string `json:"_gs_op"` // i=insert, u=update, d=delete

	// pool_tick
	Pool  string `json:"pool"`
	Tick  *int32 `json:"tick"`
	Price string `json:"price"`

	// position_liquidity
	TokenID    string `json:"token_id"`
	Owner      string `json:"owner"`
	Liquidity  string `json:"liquidity"`
	TickLower  *int32 `json:"tick_lower"`
	TickUpper  *int32 `json:"tick_upper"`
	LowerPrice string `json:"lower_price"`
	UpperPrice string `json:"upper_price"`
}

// decodeEvents accepts a JSON array or a single object.
func decodeEvents(body []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, apperrors.NewMalformedEventError("empty body")
	}

	var events []Event
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, apperrors.NewMalformedEventError(fmt.Sprintf("invalid JSON array: %v", err))
		}
		return events, nil
	}

	var single Event
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, apperrors.NewMalformedEventError(fmt.Sprintf("invalid JSON: %v", err))
	}
	return []Event{single}, nil
}

// key identifies the delivery for redelivery dedup.
func (e Event) key() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s:%s:%d:%d:%s:%s", e.Chain, e.Type, e.BlockNumber, e.LogIndex, e.Pool, e.TokenID)
}

func (e Event) version() uint64 {
	return types.VersionAt(e.BlockNumber, e.LogIndex)
}

func (e Event) observedAt(fallback time.Time) time.Time {
	if e.BlockTimestamp <= 0 {
		return fallback
	}
	return time.Unix(e.BlockTimestamp, 0).UTC()
}

// validate checks the fields every event needs and returns its chain and dex.
func (e Event) validate() (types.ChainID, types.DexVariant, error) {
	chain := types.ChainID(strings.ToLower(e.Chain))
	if !chain.IsValid() {
		return "", "", fmt.Errorf("unsupported chain %q", e.Chain)
	}
	dex := types.DexVariant(strings.ToLower(e.Dex))
	if dex == "" {
		dex = types.DexUniswapV3
	}
	if !dex.IsValid() {
		return "", "", fmt.Errorf("unsupported dex %q", e.Dex)
	}
	if e.BlockNumber == 0 {
		return "", "", fmt.Errorf("block_number is required")
	}

	switch e.Type {
	case EventPoolTick:
		if e.Pool == "" {
			return "", "", fmt.Errorf("pool is required")
		}
		if e.Tick == nil && e.Price == "" {
			return "", "", fmt.Errorf("tick or price is required")
		}
	case EventPositionLiquidity:
		if e.TokenID == "" {
			return "", "", fmt.Errorf("token_id is required")
		}
		if e.Liquidity == "" {
			return "", "", fmt.Errorf("liquidity is required")
		}
	default:
		return "", "", fmt.Errorf("unknown event type %q", e.Type)
	}
	return chain, dex, nil
}

// parseDecimal parses an optional decimal field.
func parseDecimal(field, s string) (decimal.Decimal, bool, error) {
	if s == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid %s %q", field, s)
	}
	if d.IsNegative() {
		return decimal.Zero, false, fmt.Errorf("%s must not be negative", field)
	}
	return d, true, nil
}
