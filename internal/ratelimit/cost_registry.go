// Package ratelimit meters RPC calls against a compute-unit budget shared by
// every process that talks to the same provider.
package ratelimit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RPC methods the chain readers issue.
const (
	MethodEthBlockNumber = "eth_blockNumber"
	MethodEthCall        = "eth_call"
	MethodEthChainID     = "eth_chainId"
)

// DefaultCUCost prices methods missing from a CostTable.
const DefaultCUCost = 20

var defaultCosts = map[string]int{
	MethodEthBlockNumber: 10,
	MethodEthCall:        26,
	MethodEthChainID:     0,
}

// CostTable prices RPC methods in compute units. It is immutable once built
// and safe to share.
type CostTable struct {
	costs    map[string]int
	fallback int
}

// DefaultCostTable returns the stock provider prices.
func DefaultCostTable() CostTable {
	return CostTable{costs: defaultCosts, fallback: DefaultCUCost}
}

// ParseCostTable layers overrides of the form "eth_call=30,eth_blockNumber=5"
// on top of the defaults. The special method "*" replaces the fallback price.
// An empty string yields the defaults.
func ParseCostTable(overrides string) (CostTable, error) {
	table := DefaultCostTable()
	overrides = strings.TrimSpace(overrides)
	if overrides == "" {
		return table, nil
	}

	costs := make(map[string]int, len(defaultCosts))
	for m, c := range defaultCosts {
		costs[m] = c
	}
	for _, pair := range strings.Split(overrides, ",") {
		method, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		method = strings.TrimSpace(method)
		if !ok || method == "" {
			return CostTable{}, fmt.Errorf("cost override %q: want method=cu", pair)
		}
		cu, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || cu < 0 {
			return CostTable{}, fmt.Errorf("cost override %q: cu must be a non-negative integer", pair)
		}
		if method == "*" {
			table.fallback = cu
			continue
		}
		costs[method] = cu
	}
	table.costs = costs
	return table, nil
}

// Cost returns the price of method.
func (t CostTable) Cost(method string) int {
	if t.costs == nil {
		return DefaultCostTable().Cost(method)
	}
	if cu, ok := t.costs[method]; ok {
		return cu
	}
	return t.fallback
}

// String renders the table in the form ParseCostTable accepts.
func (t CostTable) String() string {
	methods := make([]string, 0, len(t.costs))
	for m := range t.costs {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	parts := make([]string, 0, len(methods)+1)
	for _, m := range methods {
		parts = append(parts, fmt.Sprintf("%s=%d", m, t.costs[m]))
	}
	parts = append(parts, fmt.Sprintf("*=%d", t.fallback))
	return strings.Join(parts, ",")
}
