package adapter

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// positionManagerABI covers the NonfungiblePositionManager calls shared by
// Uniswap V3 and its forks.
const positionManagerABI = `[
	{"name":"positions","type":"function","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[
		{"name":"nonce","type":"uint96"},
		{"name":"operator","type":"address"},
		{"name":"token0","type":"address"},
		{"name":"token1","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"tickLower","type":"int24"},
		{"name":"tickUpper","type":"int24"},
		{"name":"liquidity","type":"uint128"},
		{"name":"feeGrowthInside0LastX128","type":"uint256"},
		{"name":"feeGrowthInside1LastX128","type":"uint256"},
		{"name":"tokensOwed0","type":"uint128"},
		{"name":"tokensOwed1","type":"uint128"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"tokenOfOwnerByIndex","type":"function","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const factoryABI = `[
	{"name":"getPool","type":"function","stateMutability":"view",
	 "inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"fee","type":"uint24"}],
	 "outputs":[{"name":"","type":"address"}]}
]`

// poolABI declares only the leading slot0 words; forks differ in the tail.
const poolABI = `[
	{"name":"slot0","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"}]}
]`

const erc20ABI = `[
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]}
]`

var (
	positionManagerContract = mustParseABI(positionManagerABI)
	factoryContract         = mustParseABI(factoryABI)
	poolContract            = mustParseABI(poolABI)
	erc20Contract           = mustParseABI(erc20ABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// onChainPosition is the decoded result of positions(tokenId).
type onChainPosition struct {
	Token0      common.Address
	Token1      common.Address
	Fee         *big.Int
	TickLower   int32
	TickUpper   int32
	Liquidity   *big.Int
	TokensOwed0 *big.Int
	TokensOwed1 *big.Int
}

func decodePosition(data []byte) (onChainPosition, error) {
	out, err := positionManagerContract.Unpack("positions", data)
	if err != nil {
		return onChainPosition{}, fmt.Errorf("decode positions: %w", err)
	}
	if len(out) != 12 {
		return onChainPosition{}, fmt.Errorf("decode positions: got %d values", len(out))
	}

	var p onChainPosition
	var ok bool
	if p.Token0, ok = out[2].(common.Address); !ok {
		return p, fmt.Errorf("decode positions: token0 has type %T", out[2])
	}
	if p.Token1, ok = out[3].(common.Address); !ok {
		return p, fmt.Errorf("decode positions: token1 has type %T", out[3])
	}
	ints := make([]*big.Int, 0, 6)
	for _, i := range []int{4, 5, 6, 7, 10, 11} {
		v, ok := out[i].(*big.Int)
		if !ok {
			return p, fmt.Errorf("decode positions: field %d has type %T", i, out[i])
		}
		ints = append(ints, v)
	}
	p.Fee = ints[0]
	p.TickLower = int32(ints[1].Int64()) // #nosec G115 - int24 fits int32
	p.TickUpper = int32(ints[2].Int64()) // #nosec G115 - int24 fits int32
	p.Liquidity = ints[3]
	p.TokensOwed0 = ints[4]
	p.TokensOwed1 = ints[5]
	return p, nil
}

func decodeSlot0Tick(data []byte) (int32, error) {
	out, err := poolContract.Unpack("slot0", data)
	if err != nil {
		return 0, fmt.Errorf("decode slot0: %w", err)
	}
	if len(out) < 2 {
		return 0, fmt.Errorf("decode slot0: got %d values", len(out))
	}
	tick, ok := out[1].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("decode slot0: tick has type %T", out[1])
	}
	return int32(tick.Int64()), nil // #nosec G115 - int24 fits int32
}

func decodeAddress(contract abi.ABI, method string, data []byte) (common.Address, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("decode %s: got %d values", method, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("decode %s: got %T", method, out[0])
	}
	return addr, nil
}

func decodeUint(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decode %s: got %d values", method, len(out))
	}
	switch v := out[0].(type) {
	case *big.Int:
		return v, nil
	case uint8:
		return big.NewInt(int64(v)), nil
	default:
		return nil, fmt.Errorf("decode %s: got %T", method, out[0])
	}
}

// TickToPrice converts a pool tick into the human price of token0 in units
// of token1: 1.0001^tick scaled by the token decimals.
func TickToPrice(tick int32, decimals0, decimals1 uint8) decimal.Decimal {
	raw := math.Pow(1.0001, float64(tick))
	return decimal.NewFromFloat(raw).Shift(int32(decimals0) - int32(decimals1))
}
