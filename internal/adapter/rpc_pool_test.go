package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/position-monitor/internal/logging"
)

// rpcServer answers eth_blockNumber with block, or 429 while limited is set.
func rpcServer(t *testing.T, block string, limited *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limited != nil && limited.Load() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  block,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCPool_FailsOverOnRateLimit(t *testing.T) {
	var limited atomic.Bool
	limited.Store(true)
	primary := rpcServer(t, "0x10", &limited)
	secondary := rpcServer(t, "0x20", nil)

	pool, err := NewRPCPool(RPCPoolConfig{
		Chain:        "ethereum",
		Endpoints:    []string{primary.URL, " ", secondary.URL},
		CooldownTime: time.Minute,
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 2, pool.EndpointCount(), "blank endpoints are dropped")

	n, err := pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20), n)
	assert.Equal(t, 1, pool.CurrentIndex())

	limited.Store(false)
	assert.False(t, pool.TryResetToPrimary(), "primary is cooling down")

	pool.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.True(t, pool.TryResetToPrimary())
	n, err = pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), n)
}

func TestRPCPool_AllEndpointsLimited(t *testing.T) {
	var limited atomic.Bool
	limited.Store(true)
	a := rpcServer(t, "0x1", &limited)
	b := rpcServer(t, "0x2", &limited)

	pool, err := NewRPCPool(RPCPoolConfig{Chain: "base", Endpoints: []string{a.URL, b.URL}, Logger: logging.Discard()})
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.BlockNumber(context.Background())
	assert.ErrorIs(t, err, ErrAllEndpointsLimited)

	status := pool.Status()
	require.Len(t, status, 2)
	assert.Positive(t, status[0].CooldownRemaining)
	assert.Positive(t, status[1].CooldownRemaining)
}

func TestNewRPCPool_RequiresEndpoint(t *testing.T) {
	_, err := NewRPCPool(RPCPoolConfig{Chain: "ethereum", Endpoints: []string{""}})
	assert.Error(t, err)
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("429 Too Many Requests"), true},
		{errors.New("request throttled"), true},
		{errors.New("execution reverted"), false},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRateLimitError(tt.err), "%v", tt.err)
	}
}
