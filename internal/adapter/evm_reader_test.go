package adapter

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/position-monitor/internal/circuitbreaker"
	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/types"
)

var (
	testManager = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testFactory = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testPool    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testToken0  = common.HexToAddress("0x0000000000000000000000000000000000000010")
	testToken1  = common.HexToAddress("0x0000000000000000000000000000000000000011")
	testOwner   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

type positionFixture struct {
	tickLower, tickUpper int64
	liquidity            int64
}

// fakeChain answers eth_call by ABI selector.
type fakeChain struct {
	mu        sync.Mutex
	block     uint64
	tick      int64
	positions map[string]positionFixture
	owned     []int64

	failuresLeft int
	failErr      error
	calls        map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		block: 1_000,
		tick:  46_500,
		positions: map[string]positionFixture{
			"7": {tickLower: 46_054, tickUpper: 47_007, liquidity: 5_000},
		},
		calls: make(map[string]int),
	}
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["blockNumber"]++
	if f.failuresLeft != 0 {
		if f.failuresLeft > 0 {
			f.failuresLeft--
		}
		return 0, f.failErr
	}
	return f.block, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sel, args := msg.Data[:4], msg.Data[4:]
	method, contract := lookupMethod(sel)
	f.calls[method]++
	out := contract.Methods[method].Outputs

	switch method {
	case "positions":
		in, err := contract.Methods[method].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		p, ok := f.positions[in[0].(*big.Int).String()]
		if !ok {
			return nil, errors.New("execution reverted: Invalid token ID")
		}
		zero := big.NewInt(0)
		return out.Pack(zero, common.Address{}, testToken0, testToken1, big.NewInt(3000),
			big.NewInt(p.tickLower), big.NewInt(p.tickUpper), big.NewInt(p.liquidity),
			zero, zero, big.NewInt(2e18), big.NewInt(1e18))
	case "getPool":
		return out.Pack(testPool)
	case "decimals":
		return out.Pack(uint8(18))
	case "slot0":
		return out.Pack(big.NewInt(1), big.NewInt(f.tick))
	case "balanceOf":
		return out.Pack(big.NewInt(int64(len(f.owned))))
	case "tokenOfOwnerByIndex":
		in, err := contract.Methods[method].Inputs.Unpack(args)
		if err != nil {
			return nil, err
		}
		return out.Pack(big.NewInt(f.owned[in[1].(*big.Int).Int64()]))
	}
	return nil, errors.New("unexpected call")
}

func lookupMethod(sel []byte) (string, abi.ABI) {
	for _, contract := range []abi.ABI{positionManagerContract, factoryContract, poolContract, erc20Contract} {
		for name, m := range contract.Methods {
			if bytes.Equal(m.ID, sel) {
				return name, contract
			}
		}
	}
	return "", abi.ABI{}
}

func (f *fakeChain) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newTestReader(t *testing.T, backend Backend) *EVMReader {
	t.Helper()
	r := NewEVMReader(backend, EVMReaderConfig{
		Chain: types.ChainEthereum,
		Dexes: map[types.DexVariant]DexContracts{
			types.DexUniswapV3: {PositionManager: testManager, Factory: testFactory},
		},
		MaxRetries: 3,
		Breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			Name:        "chain:ethereum",
			MaxFailures: 2,
			Timeout:     time.Minute,
			IsFailure:   IsChainFailure,
			Logger:      logging.Discard(),
		}),
		Logger: logging.Discard(),
	})
	r.retry.InitialDelay = time.Millisecond
	r.retry.MaxDelay = 2 * time.Millisecond
	return r
}

const testPositionRef = types.PositionRef("ethereum:uniswap_v3:7")

func TestEVMReader_FetchPositionState(t *testing.T) {
	chain := newFakeChain()
	r := newTestReader(t, chain)

	snap, err := r.FetchPositionState(context.Background(), testPositionRef)
	require.NoError(t, err)

	assert.Equal(t, testPositionRef, snap.Ref)
	assert.Equal(t, types.StatusInRange, snap.Status)
	assert.Equal(t, types.VersionAt(1_000, types.BlockEndLogIndex), snap.Version)
	assert.Equal(t, int32(46_500), snap.CurrentTick)
	assert.True(t, snap.IsActive)
	assert.True(t, snap.Liquidity.Equal(decimal.NewFromInt(5_000)))
	assert.InDelta(t, 100.0, snap.LowerPrice.InexactFloat64(), 0.05)
	assert.InDelta(t, 110.0, snap.UpperPrice.InexactFloat64(), 0.05)
	assert.Equal(t, "0x00000000000000000000000000000000000000b1", snap.PoolID)
	assert.Equal(t, types.SourcePoll, snap.Source)

	chain.mu.Lock()
	chain.tick = 47_200
	chain.block = 1_001
	chain.mu.Unlock()

	snap, err = r.FetchPositionState(context.Background(), testPositionRef)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOutOfRange, snap.Status)
	assert.Equal(t, 1, chain.count("getPool"), "pool address is cached")
	assert.Equal(t, 2, chain.count("decimals"), "token decimals are cached")
}

func TestEVMReader_NotFoundIsNotRetried(t *testing.T) {
	chain := newFakeChain()
	r := newTestReader(t, chain)

	_, err := r.FetchPositionState(context.Background(), "ethereum:uniswap_v3:404")
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
	assert.Equal(t, 1, chain.count("positions"))

	_, err = r.FetchPositionState(context.Background(), "ethereum:pancakeswap_v3:7")
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound, "dex without deployment")

	for i := 0; i < 3; i++ {
		_, _ = r.FetchPositionState(context.Background(), "ethereum:uniswap_v3:404")
	}
	assert.Equal(t, circuitbreaker.StateClosed, r.breaker.State(), "missing positions do not trip the breaker")
}

func TestEVMReader_RetriesTransientFailures(t *testing.T) {
	chain := newFakeChain()
	chain.failuresLeft = 1
	chain.failErr = errors.New("connection reset by peer")
	r := newTestReader(t, chain)

	snap, err := r.FetchPositionState(context.Background(), testPositionRef)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInRange, snap.Status)
	assert.Equal(t, 2, chain.count("blockNumber"))
}

func TestEVMReader_ChainUnavailableAndBreaker(t *testing.T) {
	chain := newFakeChain()
	chain.failuresLeft = -1
	chain.failErr = errors.New("dial tcp: connection refused")
	r := newTestReader(t, chain)

	_, err := r.FetchPositionState(context.Background(), testPositionRef)
	assert.ErrorIs(t, err, apperrors.ErrChainUnavailable)
	assert.Equal(t, circuitbreaker.StateOpen, r.breaker.State())

	before := chain.count("blockNumber")
	_, err = r.FetchPositionState(context.Background(), testPositionRef)
	assert.ErrorIs(t, err, apperrors.ErrChainUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, before, chain.count("blockNumber"), "open breaker short-circuits")
}

func TestEVMReader_ListWalletPositions(t *testing.T) {
	chain := newFakeChain()
	chain.owned = []int64{7, 42}
	r := newTestReader(t, chain)

	refs, err := r.ListWalletPositions(context.Background(), testOwner.Hex())
	require.NoError(t, err)
	assert.Equal(t, []types.PositionRef{"ethereum:uniswap_v3:7", "ethereum:uniswap_v3:42"}, refs)

	_, err = r.ListWalletPositions(context.Background(), "not-an-address")
	assert.Error(t, err)
}

func TestMultiChainReader_Routes(t *testing.T) {
	chain := newFakeChain()
	m := NewMultiChainReader(map[types.ChainID]ChainReader{
		types.ChainEthereum: newTestReader(t, chain),
	})

	_, err := m.FetchPositionState(context.Background(), testPositionRef)
	require.NoError(t, err)

	_, err = m.FetchPositionState(context.Background(), "base:uniswap_v3:1")
	assert.ErrorIs(t, err, apperrors.ErrChainUnavailable)

	_, err = m.FetchPositionState(context.Background(), "garbage")
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)

	assert.Equal(t, []types.ChainID{types.ChainEthereum}, m.Chains())
}
