package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/position-monitor/internal/logging"
)

// ErrAllEndpointsLimited is returned when every endpoint is cooling down.
var ErrAllEndpointsLimited = errors.New("all RPC endpoints are rate limited")

// RPCPool manages multiple RPC endpoints of one chain with failover on rate
// limiting. It sticks to the current endpoint until it answers 429, then
// moves to the next endpoint that is not cooling down.
type RPCPool struct {
	chain        string
	endpoints    []string
	clients      []*ethclient.Client
	currentIndex int
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
	logger       *logging.Logger
	now          func() time.Time
	mu           sync.RWMutex
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	Chain     string
	Endpoints []string
	// CooldownTime is how long a rate-limited endpoint is skipped. Default 60s.
	CooldownTime time.Duration
	Logger       *logging.Logger
}

// NewRPCPool connects to the primary endpoint; the others are dialed lazily.
func NewRPCPool(cfg RPCPoolConfig) (*RPCPool, error) {
	var endpoints []string
	for _, ep := range cfg.Endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required for %s", cfg.Chain)
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	pool := &RPCPool{
		chain:        cfg.Chain,
		endpoints:    endpoints,
		clients:      make([]*ethclient.Client, len(endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		logger:       logger.Component("rpc_pool").WithField("chain", cfg.Chain),
		now:          time.Now,
	}

	client, err := ethclient.Dial(endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	pool.logger.Infof("RPC pool initialized with %d endpoints", len(endpoints))
	return pool, nil
}

// client returns the current client and its index.
func (p *RPCPool) client() (*ethclient.Client, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.currentIndex], p.currentIndex
}

// CurrentIndex returns the current endpoint index
func (p *RPCPool) CurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// BlockNumber returns the latest block number, failing over on rate limits.
func (p *RPCPool) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.do(ctx, func(c *ethclient.Client) error {
		n, err := c.BlockNumber(ctx)
		out = n
		return err
	})
	return out, err
}

// CallContract executes an eth_call, failing over on rate limits.
func (p *RPCPool) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := p.do(ctx, func(c *ethclient.Client) error {
		res, err := c.CallContract(ctx, msg, blockNumber)
		out = res
		return err
	})
	return out, err
}

// do runs fn on the current endpoint and, while it is rate limited, on each
// other endpoint at most once.
func (p *RPCPool) do(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < len(p.endpoints); i++ {
		client, index := p.client()
		err := fn(client)
		if err == nil || !IsRateLimitError(err) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if failErr := p.onRateLimited(index); failErr != nil {
			return fmt.Errorf("%w: %v", failErr, lastErr)
		}
	}
	return lastErr
}

// onRateLimited marks the endpoint at index as cooling down and switches to
// the next available one. A concurrent caller may already have switched.
func (p *RPCPool) onRateLimited(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cooldowns[index] = p.now()
	if p.currentIndex != index {
		return nil
	}
	p.logger.WithField("endpoint", index).Warn("RPC endpoint rate limited, marking cooldown")

	for i := 1; i <= len(p.endpoints); i++ {
		next := (index + i) % len(p.endpoints)
		if next == index {
			continue
		}
		if since, ok := p.cooldowns[next]; ok {
			if p.now().Sub(since) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, next)
		}
		if err := p.switchToEndpoint(next); err != nil {
			p.logger.WithError(err).Warnf("Failed to switch to endpoint %d", next)
			continue
		}
		p.logger.Infof("Switched from endpoint %d to endpoint %d", index, next)
		return nil
	}
	return ErrAllEndpointsLimited
}

// switchToEndpoint switches to a specific endpoint (must hold lock)
func (p *RPCPool) switchToEndpoint(index int) error {
	if p.clients[index] == nil {
		client, err := ethclient.Dial(p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}
	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to endpoint 0 once its cooldown expired.
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}
	if since, ok := p.cooldowns[0]; ok {
		if p.now().Sub(since) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}
	if err := p.switchToEndpoint(0); err != nil {
		p.logger.WithError(err).Warn("Failed to reset to primary endpoint")
		return false
	}
	p.logger.Info("Reset to primary endpoint")
	return true
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int           `json:"index"`
	Connected         bool          `json:"connected"`
	IsCurrent         bool          `json:"isCurrent"`
	CooldownRemaining time.Duration `json:"cooldownRemaining,omitempty"`
}

// Status returns the state of each endpoint.
func (p *RPCPool) Status() []EndpointStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]EndpointStatus, len(p.endpoints))
	for i := range p.endpoints {
		es := EndpointStatus{Index: i, Connected: p.clients[i] != nil, IsCurrent: i == p.currentIndex}
		if since, ok := p.cooldowns[i]; ok {
			if remaining := p.cooldownTime - p.now().Sub(since); remaining > 0 {
				es.CooldownRemaining = remaining
			}
		}
		out[i] = es
	}
	return out
}
