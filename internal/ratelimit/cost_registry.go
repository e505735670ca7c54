// Package ratelimit provides CU (Compute Unit) throttling for vault RPC calls.
package ratelimit

import (
	"sync"
)

// Default CU costs for the RPC methods the vault client issues, based on
// Alchemy pricing.
const (
	DefaultCUCost = 20 // Default cost for unknown methods

	CostEthBlockNumber = 10
	CostEthGetLogs     = 75
	CostEthCall        = 26
	CostEthGetCode     = 26
)

// RPC method names
const (
	MethodEthBlockNumber = "eth_blockNumber"
	MethodEthGetLogs     = "eth_getLogs"
	MethodEthCall        = "eth_call"
	MethodEthGetCode     = "eth_getCode"
)

// CUCostRegistry maps RPC methods to their CU costs.
// It is safe for concurrent use.
type CUCostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// CUCostRegistryConfig holds configuration for the registry.
type CUCostRegistryConfig struct {
	// DefaultCost is the CU cost for unknown RPC methods.
	// If zero, uses the package default (20 CU).
	DefaultCost int

	// Overrides replaces the built-in cost of specific methods.
	Overrides map[string]int
}

// NewCUCostRegistry creates a new registry with default costs.
// If cfg is nil, default configuration is used.
func NewCUCostRegistry(cfg *CUCostRegistryConfig) *CUCostRegistry {
	costs := map[string]int{
		MethodEthBlockNumber: CostEthBlockNumber,
		MethodEthGetLogs:     CostEthGetLogs,
		MethodEthCall:        CostEthCall,
		MethodEthGetCode:     CostEthGetCode,
	}

	defaultCost := DefaultCUCost
	if cfg != nil {
		if cfg.DefaultCost > 0 {
			defaultCost = cfg.DefaultCost
		}
		for method, cost := range cfg.Overrides {
			if cost > 0 {
				costs[method] = cost
			}
		}
	}

	return &CUCostRegistry{
		costs:       costs,
		defaultCost: defaultCost,
	}
}

// GetCost returns the CU cost for an RPC method, or the default cost for
// unknown methods.
func (r *CUCostRegistry) GetCost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cost, ok := r.costs[method]; ok {
		return cost
	}
	return r.defaultCost
}

// MaxCost returns the highest known cost, which is the smallest usable
// limiter burst.
func (r *CUCostRegistry) MaxCost() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	max := r.defaultCost
	for _, cost := range r.costs {
		if cost > max {
			max = cost
		}
	}
	return max
}
