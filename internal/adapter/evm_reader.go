package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/position-monitor/internal/circuitbreaker"
	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/ratelimit"
	"github.com/position-monitor/internal/retry"
	"github.com/position-monitor/internal/types"
)

// maxWalletPositions caps enumeration of a single wallet per DEX.
const maxWalletPositions = 256

// Backend is the subset of ethclient the reader needs. RPCPool implements it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DexContracts are the addresses of one DEX deployment on one chain.
type DexContracts struct {
	PositionManager common.Address
	Factory         common.Address
}

// ParseDexContracts validates hex addresses.
func ParseDexContracts(positionManager, factory string) (DexContracts, error) {
	if !common.IsHexAddress(positionManager) {
		return DexContracts{}, fmt.Errorf("invalid position manager address %q", positionManager)
	}
	if !common.IsHexAddress(factory) {
		return DexContracts{}, fmt.Errorf("invalid factory address %q", factory)
	}
	return DexContracts{
		PositionManager: common.HexToAddress(positionManager),
		Factory:         common.HexToAddress(factory),
	}, nil
}

// EVMReaderConfig configures an EVMReader.
type EVMReaderConfig struct {
	Chain          types.ChainID
	Dexes          map[types.DexVariant]DexContracts
	CallTimeout    time.Duration
	RequestsPerSec float64
	MaxRetries     int
	Breaker        *circuitbreaker.CircuitBreaker
	Logger         *logging.Logger
}

// EVMReader reads Uniswap-V3-style positions of one chain.
type EVMReader struct {
	chain       types.ChainID
	backend     Backend
	dexes       map[types.DexVariant]DexContracts
	callTimeout time.Duration
	limiter     *rate.Limiter
	breaker     *circuitbreaker.CircuitBreaker
	retry       retry.Config
	logger      *logging.Logger
	now         func() time.Time

	pools    sync.Map // poolKey -> common.Address
	decimals sync.Map // common.Address -> uint8
}

type poolKey struct {
	dex    types.DexVariant
	token0 common.Address
	token1 common.Address
	fee    uint64
}

// NewEVMReader creates a reader over backend.
func NewEVMReader(backend Backend, cfg EVMReaderConfig) *EVMReader {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := int(cfg.RequestsPerSec)
	if burst < 1 {
		burst = 1
	}
	breaker := cfg.Breaker
	if breaker == nil {
		bc := circuitbreaker.DefaultConfig("chain:" + string(cfg.Chain))
		bc.Logger = logger
		bc.IsFailure = IsChainFailure
		breaker = circuitbreaker.NewCircuitBreaker(bc)
	}

	retryCfg := retry.DefaultConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries
	}
	retryCfg.RetryIf = retryableRPC

	return &EVMReader{
		chain:       cfg.Chain,
		backend:     backend,
		dexes:       cfg.Dexes,
		callTimeout: cfg.CallTimeout,
		limiter:     rate.NewLimiter(limit, burst),
		breaker:     breaker,
		retry:       retryCfg,
		logger:      logger.Component("chain_reader").WithField("chain", string(cfg.Chain)),
		now:         time.Now,
	}
}

// FetchPositionState implements ChainReader. Every call of one fetch is
// pinned to the same block, whose number is the snapshot's version basis.
func (r *EVMReader) FetchPositionState(ctx context.Context, ref types.PositionRef) (models.Snapshot, error) {
	chain, dex, tokenIDStr, err := ref.Parse()
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrPositionNotFound, err)
	}
	if chain != r.chain {
		return models.Snapshot{}, fmt.Errorf("%w: %s is not on %s", apperrors.ErrPositionNotFound, ref, r.chain)
	}
	contracts, ok := r.dexes[dex]
	if !ok {
		return models.Snapshot{}, fmt.Errorf("%w: no %s deployment configured on %s", apperrors.ErrPositionNotFound, dex, r.chain)
	}
	tokenID, _ := new(big.Int).SetString(tokenIDStr, 10)

	var snap models.Snapshot
	err = r.guard(ctx, "fetch_position", func(ctx context.Context) error {
		s, err := r.readPosition(ctx, ref, dex, contracts, tokenID)
		if err == nil {
			snap = s
		}
		return err
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

func (r *EVMReader) readPosition(ctx context.Context, ref types.PositionRef, dex types.DexVariant, contracts DexContracts, tokenID *big.Int) (models.Snapshot, error) {
	block, err := r.blockNumber(ctx)
	if err != nil {
		return models.Snapshot{}, err
	}
	at := new(big.Int).SetUint64(block)

	raw, err := r.call(ctx, contracts.PositionManager, positionManagerContract, "positions", at, tokenID)
	if err != nil {
		if isRevert(err) {
			return models.Snapshot{}, fmt.Errorf("%w: %s", apperrors.ErrPositionNotFound, ref)
		}
		return models.Snapshot{}, err
	}
	pos, err := decodePosition(raw)
	if err != nil {
		return models.Snapshot{}, err
	}

	pool, err := r.poolAddress(ctx, dex, contracts.Factory, pos)
	if err != nil {
		return models.Snapshot{}, err
	}
	dec0, err := r.tokenDecimals(ctx, pos.Token0)
	if err != nil {
		return models.Snapshot{}, err
	}
	dec1, err := r.tokenDecimals(ctx, pos.Token1)
	if err != nil {
		return models.Snapshot{}, err
	}

	raw, err = r.call(ctx, pool, poolContract, "slot0", at)
	if err != nil {
		return models.Snapshot{}, err
	}
	tick, err := decodeSlot0Tick(raw)
	if err != nil {
		return models.Snapshot{}, err
	}

	active := TickToPrice(tick, dec0, dec1)
	owed0 := decimal.NewFromBigInt(pos.TokensOwed0, -int32(dec0))
	owed1 := decimal.NewFromBigInt(pos.TokensOwed1, -int32(dec1))
	now := r.now().UTC()

	return models.Snapshot{
		Ref:         ref,
		Chain:       r.chain,
		Dex:         dex,
		PoolID:      strings.ToLower(pool.Hex()),
		Token0:      strings.ToLower(pos.Token0.Hex()),
		Token1:      strings.ToLower(pos.Token1.Hex()),
		TickLower:   pos.TickLower,
		TickUpper:   pos.TickUpper,
		CurrentTick: tick,
		LowerPrice:  TickToPrice(pos.TickLower, dec0, dec1),
		UpperPrice:  TickToPrice(pos.TickUpper, dec0, dec1),
		ActivePrice: active,
		Liquidity:   decimal.NewFromBigInt(pos.Liquidity, 0),
		// uncollected fees valued in token1
		FeesAccrued: owed0.Mul(active).Add(owed1),
		IsActive:    pos.Liquidity.Sign() > 0,
		Version:     types.VersionAt(block, types.BlockEndLogIndex),
		Source:      types.SourcePoll,
		ObservedAt:  now,
	}.WithComputedStatus(), nil
}

// ListWalletPositions implements ChainReader by enumerating the ERC-721
// position tokens the wallet holds on each configured DEX.
func (r *EVMReader) ListWalletPositions(ctx context.Context, wallet string) ([]types.PositionRef, error) {
	if !common.IsHexAddress(wallet) {
		return nil, apperrors.NewInvalidParameterError("wallet", "must be a hex address")
	}
	owner := common.HexToAddress(wallet)

	var refs []types.PositionRef
	for dex, contracts := range r.dexes {
		var found []types.PositionRef
		err := r.guard(ctx, "list_wallet_positions", func(ctx context.Context) error {
			found = found[:0]
			raw, err := r.call(ctx, contracts.PositionManager, positionManagerContract, "balanceOf", nil, owner)
			if err != nil {
				return err
			}
			count, err := decodeUint(positionManagerContract, "balanceOf", raw)
			if err != nil {
				return err
			}
			n := count.Int64()
			if n > maxWalletPositions {
				r.logger.WithFields(map[string]interface{}{"wallet": wallet, "dex": string(dex), "count": n}).
					Warn("Wallet holds more positions than the enumeration cap")
				n = maxWalletPositions
			}
			for i := int64(0); i < n; i++ {
				raw, err := r.call(ctx, contracts.PositionManager, positionManagerContract, "tokenOfOwnerByIndex", nil, owner, big.NewInt(i))
				if err != nil {
					return err
				}
				id, err := decodeUint(positionManagerContract, "tokenOfOwnerByIndex", raw)
				if err != nil {
					return err
				}
				found = append(found, types.NewPositionRef(r.chain, dex, id.String()))
			}
			return nil
		})
		if err != nil {
			return refs, err
		}
		refs = append(refs, found...)
	}
	return refs, nil
}

// guard runs fn through the circuit breaker with retries and maps the
// outcome onto the chain error taxonomy.
func (r *EVMReader) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.retry, func(ctx context.Context, attempt int) error {
		return r.breaker.Execute(ctx, func() error { return fn(ctx) })
	})
	if err == nil {
		return nil
	}
	if stderrors.Is(err, apperrors.ErrPositionNotFound) {
		return err
	}
	r.logger.WithError(err).WithField("op", op).Debug("Chain read failed")
	return apperrors.NewChainUnavailableError(string(r.chain), err)
}

func (r *EVMReader) blockNumber(ctx context.Context) (uint64, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.backend.BlockNumber(callCtx)
}

func (r *EVMReader) call(ctx context.Context, to common.Address, contract abi.ABI, method string, block *big.Int, args ...interface{}) ([]byte, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.backend.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, block)
}

func (r *EVMReader) poolAddress(ctx context.Context, dex types.DexVariant, factory common.Address, pos onChainPosition) (common.Address, error) {
	key := poolKey{dex: dex, token0: pos.Token0, token1: pos.Token1, fee: pos.Fee.Uint64()}
	if v, ok := r.pools.Load(key); ok {
		return v.(common.Address), nil
	}

	raw, err := r.call(ctx, factory, factoryContract, "getPool", nil, pos.Token0, pos.Token1, pos.Fee)
	if err != nil {
		return common.Address{}, err
	}
	pool, err := decodeAddress(factoryContract, "getPool", raw)
	if err != nil {
		return common.Address{}, err
	}
	if pool == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: no pool for %s/%s fee %s", apperrors.ErrPositionNotFound,
			pos.Token0.Hex(), pos.Token1.Hex(), pos.Fee)
	}
	r.pools.Store(key, pool)
	return pool, nil
}

func (r *EVMReader) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if v, ok := r.decimals.Load(token); ok {
		return v.(uint8), nil
	}
	raw, err := r.call(ctx, token, erc20Contract, "decimals", nil)
	if err != nil {
		return 0, err
	}
	d, err := decodeUint(erc20Contract, "decimals", raw)
	if err != nil {
		return 0, err
	}
	dec := uint8(d.Uint64()) // #nosec G115 - decoded from uint8
	r.decimals.Store(token, dec)
	return dec, nil
}

// isRevert reports whether err is an EVM revert rather than a transport error.
func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid token id")
}

// IsChainFailure reports whether err says something about endpoint health.
// Missing positions, an exhausted compute budget and caller cancellation do not.
func IsChainFailure(err error) bool {
	return !stderrors.Is(err, apperrors.ErrPositionNotFound) &&
		!stderrors.Is(err, ratelimit.ErrMaxWaitExceeded) &&
		!stderrors.Is(err, context.Canceled)
}

func retryableRPC(err error) bool {
	return !stderrors.Is(err, apperrors.ErrPositionNotFound) &&
		!stderrors.Is(err, circuitbreaker.ErrCircuitOpen) &&
		!stderrors.Is(err, circuitbreaker.ErrTooManyRequests) &&
		!stderrors.Is(err, ratelimit.ErrMaxWaitExceeded) &&
		!stderrors.Is(err, context.Canceled)
}
