// Package types provides common type definitions for the position monitor.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ChainID represents supported blockchain networks
type ChainID string

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = "ethereum"
	// ChainPolygon represents the Polygon network
	ChainPolygon ChainID = "polygon"
	// ChainArbitrum represents the Arbitrum network
	ChainArbitrum ChainID = "arbitrum"
	// ChainOptimism represents the Optimism network
	ChainOptimism ChainID = "optimism"
	// ChainBase represents the Base network
	ChainBase ChainID = "base"
	// ChainBNB represents the BNB Chain (BSC)
	ChainBNB ChainID = "bnb"
)

// IsValid reports whether c is a supported chain.
func (c ChainID) IsValid() bool {
	switch c {
	case ChainEthereum, ChainPolygon, ChainArbitrum, ChainOptimism, ChainBase, ChainBNB:
		return true
	}
	return false
}

// DexVariant identifies the concentrated-liquidity DEX family a position lives on.
type DexVariant string

const (
	DexUniswapV3     DexVariant = "uniswap_v3"
	DexPancakeSwapV3 DexVariant = "pancakeswap_v3"
	DexSushiSwapV3   DexVariant = "sushiswap_v3"
)

// IsValid reports whether d is a supported DEX variant.
func (d DexVariant) IsValid() bool {
	switch d {
	case DexUniswapV3, DexPancakeSwapV3, DexSushiSwapV3:
		return true
	}
	return false
}

// PositionStatus is the range state of a position as last observed.
type PositionStatus string

const (
	StatusInRange    PositionStatus = "in_range"
	StatusOutOfRange PositionStatus = "out_of_range"
	// StatusUnknown means the last fetch failed; it never drives a transition.
	StatusUnknown PositionStatus = "unknown"
)

// Definite reports whether s is in_range or out_of_range.
func (s PositionStatus) Definite() bool {
	return s == StatusInRange || s == StatusOutOfRange
}

// AlertKind enumerates the state transitions that produce alerts.
type AlertKind string

const (
	AlertOutOfRange           AlertKind = "out_of_range"
	AlertBackInRange          AlertKind = "back_in_range"
	AlertPriceMove            AlertKind = "price_move"
	AlertRebalanceRecommended AlertKind = "rebalance_recommended"
)

// AllAlertKinds lists every alert kind in evaluation order.
var AllAlertKinds = []AlertKind{
	AlertOutOfRange,
	AlertBackInRange,
	AlertPriceMove,
	AlertRebalanceRecommended,
}

// UpdateSource records which ingestion path produced a snapshot.
type UpdateSource string

const (
	SourceWebhook UpdateSource = "webhook"
	SourcePoll    UpdateSource = "poll"
	SourceTrack   UpdateSource = "track"
)

// PositionRef identifies a position as "<chain>:<dex>:<tokenId>".
type PositionRef string

// NewPositionRef builds a reference from its parts.
func NewPositionRef(chain ChainID, dex DexVariant, tokenID string) PositionRef {
	return PositionRef(fmt.Sprintf("%s:%s:%s", chain, dex, tokenID))
}

// Parse splits the reference into chain, dex and token id.
func (r PositionRef) Parse() (ChainID, DexVariant, string, error) {
	parts := strings.Split(string(r), ":")
	if len(parts) != 3 || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed position reference %q", string(r))
	}
	chain, dex := ChainID(parts[0]), DexVariant(parts[1])
	if !chain.IsValid() {
		return "", "", "", fmt.Errorf("unsupported chain %q in position reference", parts[0])
	}
	if !dex.IsValid() {
		return "", "", "", fmt.Errorf("unsupported dex %q in position reference", parts[1])
	}
	if _, err := strconv.ParseUint(parts[2], 10, 64); err != nil {
		return "", "", "", fmt.Errorf("token id %q is not numeric", parts[2])
	}
	return chain, dex, parts[2], nil
}

// Chain returns the chain part of the reference, or "" if malformed.
func (r PositionRef) Chain() ChainID {
	chain, _, _, err := r.Parse()
	if err != nil {
		return ""
	}
	return chain
}

func (r PositionRef) String() string { return string(r) }

// versionLogSlots is the number of version slots reserved per block.
const versionLogSlots = 1_000_000

// BlockEndLogIndex is the log index used for reads of whole-block state.
const BlockEndLogIndex = versionLogSlots - 1

// VersionAt derives a snapshot version from a chain position. Webhook events
// use their log index; poll reads use BlockEndLogIndex so they order after
// every event of the same block.
func VersionAt(blockNumber uint64, logIndex uint64) uint64 {
	if logIndex > BlockEndLogIndex {
		logIndex = BlockEndLogIndex
	}
	return blockNumber*versionLogSlots + logIndex
}

// BlockOf returns the block number a version was derived from.
func BlockOf(version uint64) uint64 {
	return version / versionLogSlots
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
