package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/vault-pnl/internal/adapter"
	"github.com/vault-pnl/internal/config"
	"github.com/vault-pnl/internal/logging"
	"github.com/vault-pnl/internal/retry"
	"github.com/vault-pnl/internal/types"
)

// Dialer connects to the RPC endpoint of one network
type Dialer func(ctx context.Context, cfg adapter.DialConfig) (*adapter.VaultClient, error)

// NewRegistryFromConfig dials every network with an RPC URL and returns a
// registry over them. only restricts dialing to a single network when set.
// The returned close function releases every connection.
func NewRegistryFromConfig(ctx context.Context, cfg *config.Config, repo ReportRepository, logger *logging.Logger, only string, dial Dialer) (*Registry, func(), error) {
	if dial == nil {
		dial = adapter.Dial
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	var (
		clients  []*adapter.VaultClient
		services []*ReportService
	)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for name, nc := range cfg.Networks.Networks {
		if only != "" && name != only {
			continue
		}
		if nc.RPCURL == "" {
			logger.WithField("network", name).Debug("Skipping network: no RPC URL configured")
			continue
		}

		client, err := dial(ctx, adapter.DialConfig{
			VaultClientConfig: adapter.VaultClientConfig{
				Chain:        types.ChainID(name),
				ChunkSize:    cfg.Fetch.ChunkSize,
				MinChunkSize: cfg.Fetch.MinChunkSize,
				Retry: &retry.RetryConfig{
					MaxAttempts:  cfg.Fetch.MaxAttempts,
					InitialDelay: cfg.Fetch.InitialBackoff,
					MaxDelay:     10 * cfg.Fetch.InitialBackoff,
					Multiplier:   2.0,
				},
				CallTimeout: cfg.Fetch.CallTimeout,
				Logger:      logger,
			},
			RPCURL:      nc.RPCURL,
			CUPerSecond: nc.CUPerSecond,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial %s: %w", name, err)
		}
		clients = append(clients, client)

		svc, err := NewReportService(ReportServiceConfig{
			Network:     name,
			Client:      client,
			Repository:  repo,
			Vault:       cfg.Vault,
			Concurrency: cfg.Fetch.Concurrency,
			Logger:      logger,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		services = append(services, svc)

		logger.WithField("network", name).Info("Network initialized")
	}

	if len(services) == 0 {
		if only != "" {
			return nil, nil, fmt.Errorf("no RPC URL configured for network %q (set %s_RPC_URL)", only, strings.ToUpper(only))
		}
		return nil, nil, fmt.Errorf("no network has an RPC URL configured")
	}

	defaultNetwork := cfg.Networks.Default
	if only != "" {
		defaultNetwork = only
	}
	return NewRegistry(defaultNetwork, repo, services...), closeAll, nil
}
