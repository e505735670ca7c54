package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/vault-pnl/internal/logging"
)

// Default middleware configuration values.
const (
	DefaultMaxWait     = 30 * time.Second // Default max time to wait for budget
	DefaultCUPerSecond = 330              // Alchemy free tier throughput
)

// ErrMaxWaitExceeded is returned when the maximum wait time for budget is exceeded.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// EthClient defines the Ethereum client operations the vault client uses.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Ensure ethclient.Client implements EthClient interface
var _ EthClient = (*ethclient.Client)(nil)

// RateLimitedClient wraps an RPC client with a CU token bucket. Every call
// waits for its method's cost before reaching the underlying client.
type RateLimitedClient struct {
	underlying   EthClient
	limiter      *rate.Limiter
	costRegistry *CUCostRegistry
	maxWait      time.Duration
	logger       *logging.Logger
}

// RateLimitedClientConfig holds configuration for the rate-limited client.
type RateLimitedClientConfig struct {
	// Client is the underlying Ethereum client to wrap. Required.
	Client EthClient

	// CUPerSecond is the sustained compute-unit budget. Default: 330.
	CUPerSecond int

	// CostRegistry maps methods to CU costs. Default: NewCUCostRegistry(nil).
	CostRegistry *CUCostRegistry

	// MaxWait bounds the time one call may wait for budget. Default: 30s.
	MaxWait time.Duration

	// Logger receives throttle events. Default: the global logger.
	Logger *logging.Logger
}

// Validate checks if the configuration is valid.
func (c *RateLimitedClientConfig) Validate() error {
	if c.Client == nil {
		return errors.New("underlying client is required")
	}
	if c.CUPerSecond < 0 {
		return errors.New("CU per second must not be negative")
	}
	return nil
}

// NewRateLimitedClient creates a rate-limited RPC client.
// Returns an error if the configuration is invalid.
func NewRateLimitedClient(cfg *RateLimitedClientConfig) (*RateLimitedClient, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry := cfg.CostRegistry
	if registry == nil {
		registry = NewCUCostRegistry(nil)
	}

	cuPerSecond := cfg.CUPerSecond
	if cuPerSecond == 0 {
		cuPerSecond = DefaultCUPerSecond
	}
	burst := cuPerSecond
	if burst < registry.MaxCost() {
		burst = registry.MaxCost()
	}

	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RateLimitedClient{
		underlying:   cfg.Client,
		limiter:      rate.NewLimiter(rate.Limit(cuPerSecond), burst),
		costRegistry: registry,
		maxWait:      maxWait,
		logger:       logger,
	}, nil
}

// waitForBudget blocks until the method's CU cost is available, the
// context ends, or maxWait would be exceeded.
func (c *RateLimitedClient) waitForBudget(ctx context.Context, method string) error {
	cu := c.costRegistry.GetCost(method)

	reservation := c.limiter.ReserveN(time.Now(), cu)
	if !reservation.OK() {
		return fmt.Errorf("%s: cost %d exceeds limiter burst", method, cu)
	}

	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}
	if delay > c.maxWait {
		reservation.Cancel()
		c.logger.WithFields(map[string]interface{}{
			"method": method,
			"cu":     cu,
			"delay":  delay.String(),
		}).Warn("RPC budget wait exceeds max wait")
		return ErrMaxWaitExceeded
	}

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"cu":     cu,
		"delay":  delay.String(),
	}).Debug("Waiting for RPC budget")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BlockNumber wraps eth_blockNumber with rate limiting.
func (c *RateLimitedClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthBlockNumber); err != nil {
		return 0, err
	}
	return c.underlying.BlockNumber(ctx)
}

// FilterLogs wraps eth_getLogs with rate limiting.
func (c *RateLimitedClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.waitForBudget(ctx, MethodEthGetLogs); err != nil {
		return nil, err
	}
	return c.underlying.FilterLogs(ctx, q)
}

// CallContract wraps eth_call with rate limiting.
func (c *RateLimitedClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.waitForBudget(ctx, MethodEthCall); err != nil {
		return nil, err
	}
	return c.underlying.CallContract(ctx, call, blockNumber)
}

// CodeAt wraps eth_getCode with rate limiting.
func (c *RateLimitedClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if err := c.waitForBudget(ctx, MethodEthGetCode); err != nil {
		return nil, err
	}
	return c.underlying.CodeAt(ctx, account, blockNumber)
}

// Underlying returns the wrapped client.
func (c *RateLimitedClient) Underlying() EthClient {
	return c.underlying
}
