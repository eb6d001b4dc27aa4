// Package adapter reads liquidity position state from chain RPC endpoints.
package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/position-monitor/internal/circuitbreaker"
	"github.com/position-monitor/internal/config"
	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/ratelimit"
	"github.com/position-monitor/internal/types"
)

// ChainReader fetches current on-chain state of positions. Implementations
// are idempotent and side-effect free.
type ChainReader interface {
	// FetchPositionState returns a snapshot of ref at the latest block. It
	// fails with ErrChainUnavailable or ErrPositionNotFound.
	FetchPositionState(ctx context.Context, ref types.PositionRef) (models.Snapshot, error)

	// ListWalletPositions returns the positions wallet currently owns.
	ListWalletPositions(ctx context.Context, wallet string) ([]types.PositionRef, error)
}

// MultiChainReader routes each call to the reader of the position's chain.
type MultiChainReader struct {
	readers map[types.ChainID]ChainReader
	closers []func()
}

// NewMultiChainReader wraps per-chain readers.
func NewMultiChainReader(readers map[types.ChainID]ChainReader) *MultiChainReader {
	return &MultiChainReader{readers: readers}
}

// NewReadersFromConfig builds an EVM reader with its own RPC pool and
// circuit breaker for every enabled chain that has RPC endpoints. Chains with
// a compute budget are metered through budgetRedis, which may be nil when no
// chain has one.
func NewReadersFromConfig(cfg config.ChainsConfig, breakers *circuitbreaker.Manager, budgetRedis redis.Cmdable, logger *logging.Logger) (*MultiChainReader, error) {
	m := &MultiChainReader{readers: make(map[types.ChainID]ChainReader)}

	for _, name := range cfg.Enabled {
		chain := types.ChainID(name)
		if !chain.IsValid() {
			m.Close()
			return nil, fmt.Errorf("unsupported chain %q", name)
		}
		chainCfg := cfg.Chains[name]
		if len(chainCfg.RPCURLs) == 0 {
			logger.WithField("chain", name).Warn("No RPC endpoints configured, chain reads disabled")
			continue
		}

		pool, err := NewRPCPool(RPCPoolConfig{Chain: name, Endpoints: chainCfg.RPCURLs, Logger: logger})
		if err != nil {
			m.Close()
			return nil, err
		}
		m.closers = append(m.closers, pool.Close)

		var backend Backend = pool
		if chainCfg.ComputeBudget > 0 {
			backend, err = meter(pool, name, chainCfg, cfg, budgetRedis, logger)
			if err != nil {
				m.Close()
				return nil, err
			}
		}

		dexes := make(map[types.DexVariant]DexContracts, len(chainCfg.Dexes))
		for dex, c := range chainCfg.Dexes {
			contracts, err := ParseDexContracts(c.PositionManager, c.Factory)
			if err != nil {
				m.Close()
				return nil, fmt.Errorf("%s %s: %w", name, dex, err)
			}
			dexes[types.DexVariant(dex)] = contracts
		}

		m.readers[chain] = NewEVMReader(backend, EVMReaderConfig{
			Chain:          chain,
			Dexes:          dexes,
			CallTimeout:    chainCfg.CallTimeout,
			RequestsPerSec: chainCfg.RequestsPerSec,
			MaxRetries:     chainCfg.MaxRetries,
			Breaker:        breakers.Get("chain:" + name),
			Logger:         logger,
		})
	}
	return m, nil
}

func meter(pool *RPCPool, name string, chainCfg config.ChainConfig, cfg config.ChainsConfig, client redis.Cmdable, logger *logging.Logger) (Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("%s: compute budget needs Redis", name)
	}
	costs, err := ratelimit.ParseCostTable(cfg.CUCosts)
	if err != nil {
		return nil, fmt.Errorf("RPC_CU_COSTS: %w", err)
	}
	tracker, err := ratelimit.NewCUBudgetTracker(&ratelimit.CUBudgetTrackerConfig{
		Redis:          client,
		Name:           name,
		TotalBudget:    chainCfg.ComputeBudget,
		ReservedBudget: chainCfg.ReservedBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	metered, err := ratelimit.NewMeteredBackend(&ratelimit.MeteredBackendConfig{
		Backend: pool,
		Tracker: tracker,
		Costs:   costs,
		MaxWait: cfg.BudgetMaxWait,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	logger.WithFields(map[string]interface{}{
		"chain":    name,
		"budget":   chainCfg.ComputeBudget,
		"reserved": chainCfg.ReservedBudget,
		"costs":    costs.String(),
	}).Info("RPC compute budget enabled")
	return metered, nil
}

// Chains lists the chains that have a reader, sorted.
func (m *MultiChainReader) Chains() []types.ChainID {
	out := make([]types.ChainID, 0, len(m.readers))
	for chain := range m.readers {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FetchPositionState implements ChainReader.
func (m *MultiChainReader) FetchPositionState(ctx context.Context, ref types.PositionRef) (models.Snapshot, error) {
	chain, _, _, err := ref.Parse()
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", apperrors.ErrPositionNotFound, err)
	}
	reader, ok := m.readers[chain]
	if !ok {
		return models.Snapshot{}, apperrors.NewChainUnavailableError(string(chain), stderrors.New("no reader configured"))
	}
	return reader.FetchPositionState(ctx, ref)
}

// ListWalletPositions queries every chain. Positions found on healthy chains
// are returned together with the first chain error, if any.
func (m *MultiChainReader) ListWalletPositions(ctx context.Context, wallet string) ([]types.PositionRef, error) {
	var (
		refs     []types.PositionRef
		firstErr error
	)
	for _, chain := range m.Chains() {
		found, err := m.readers[chain].ListWalletPositions(ctx, wallet)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		refs = append(refs, found...)
	}
	return refs, firstErr
}

// Close releases every RPC pool.
func (m *MultiChainReader) Close() {
	for _, c := range m.closers {
		c()
	}
	m.closers = nil
}
