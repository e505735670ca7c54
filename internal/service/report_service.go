package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/vault-pnl/internal/accounting"
	"github.com/vault-pnl/internal/adapter"
	"github.com/vault-pnl/internal/circuitbreaker"
	"github.com/vault-pnl/internal/config"
	"github.com/vault-pnl/internal/errors"
	"github.com/vault-pnl/internal/logging"
	"github.com/vault-pnl/internal/report"
	"github.com/vault-pnl/internal/types"
)

// VaultReader is the chain access the report pipeline needs
type VaultReader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	IsContract(ctx context.Context, address string) (bool, error)
	DeploymentBlock(ctx context.Context, vault string) (uint64, error)
	Metadata(ctx context.Context, vault string) (*adapter.VaultMetadata, error)
	FetchEvents(ctx context.Context, vault, holder string, fromBlock, toBlock uint64) ([]types.RawLog, error)
	PriceAt(ctx context.Context, vault string, shares *big.Int, block *uint64) (*big.Int, error)
	TotalSupply(ctx context.Context, vault string, block *uint64) (*big.Int, error)
}

var _ VaultReader = (*adapter.VaultClient)(nil)

// ReportRepository persists built reports
type ReportRepository interface {
	Save(ctx context.Context, r *report.Report) (string, error)
	GetByID(ctx context.Context, id string) (*report.Report, error)
	ListByVault(ctx context.Context, network, vault string, limit int) ([]report.Summary, error)
	Delete(ctx context.Context, id string) error
}

// ReportRequest selects what a report covers
type ReportRequest struct {
	Vault  string
	Holder string // empty for every holder
	Method types.CostBasisMethod

	// FromBlock defaults to the vault deployment block, ToBlock to the latest
	// block. Holdings are valued at ToBlock when it is set.
	FromBlock *uint64
	ToBlock   *uint64

	// Save persists the report when a repository is configured
	Save bool
}

// ReportServiceConfig holds dependencies of a ReportService
type ReportServiceConfig struct {
	Network    string
	Client     VaultReader
	Repository ReportRepository
	Vault      config.VaultConfig

	// Concurrency bounds parallel price lookups. Default: 8.
	Concurrency int

	// Breaker guards historical price lookups. Default: circuitbreaker.DefaultConfig.
	Breaker *circuitbreaker.CircuitBreaker

	Logger *logging.Logger
	Now    func() time.Time
}

// ReportService builds vault PnL reports: fetch, normalize, price, fold
// under a cost-basis policy, value and export.
type ReportService struct {
	network     string
	client      VaultReader
	repo        ReportRepository
	vault       config.VaultConfig
	concurrency int
	breaker     *circuitbreaker.CircuitBreaker
	logger      *logging.Logger
	now         func() time.Time
	excluded    map[string]bool
}

// NewReportService creates a new report service
func NewReportService(cfg ReportServiceConfig) (*ReportService, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}

	s := &ReportService{
		network:     cfg.Network,
		client:      cfg.Client,
		repo:        cfg.Repository,
		vault:       cfg.Vault,
		concurrency: cfg.Concurrency,
		breaker:     cfg.Breaker,
		logger:      cfg.Logger,
		now:         cfg.Now,
		excluded:    systemAddresses(cfg.Vault),
	}
	if s.concurrency < 1 {
		s.concurrency = 8
	}
	if s.logger == nil {
		s.logger = logging.GetGlobalLogger()
	}
	if s.breaker == nil {
		bc := circuitbreaker.DefaultConfig("historical-price:" + cfg.Network)
		bc.Logger = s.logger
		s.breaker = circuitbreaker.NewCircuitBreaker(bc)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// systemAddresses never appear as report holders: they only move shares
// on behalf of holders.
func systemAddresses(v config.VaultConfig) map[string]bool {
	excluded := map[string]bool{types.ZeroAddress: true}
	if v.BridgeAddress != "" {
		excluded[types.NormalizeAddress(v.BridgeAddress)] = true
	}
	for _, addr := range v.MigratorAddresses {
		excluded[types.NormalizeAddress(addr)] = true
	}
	for _, addr := range v.PreDepositAddresses {
		excluded[types.NormalizeAddress(addr)] = true
	}
	return excluded
}

// Network returns the network this service reads from
func (s *ReportService) Network() string {
	return s.network
}

// BuildReport runs the full pipeline for one vault
func (s *ReportService) BuildReport(ctx context.Context, req ReportRequest) (*report.Report, error) {
	if !adapter.ValidateAddress(req.Vault) {
		return nil, errors.NewInvalidAddressError(req.Vault)
	}
	if req.Holder != "" && !adapter.ValidateAddress(req.Holder) {
		return nil, errors.NewInvalidAddressError(req.Holder)
	}
	method := req.Method
	if method == "" {
		method = types.MethodAverage
	}
	if method != types.MethodAverage && method != types.MethodFIFO {
		return nil, errors.NewInvalidMethodError(string(method))
	}

	vault := types.NormalizeAddress(req.Vault)
	holder := types.NormalizeAddress(req.Holder)
	logger := s.logger.WithVault(s.network, vault).WithField("method", string(method))
	started := s.now()

	isContract, err := s.client.IsContract(ctx, vault)
	if err != nil {
		return nil, providerError(err)
	}
	if !isContract {
		return nil, errors.NewNotAVaultError(vault)
	}

	meta, err := s.client.Metadata(ctx, vault)
	if err != nil {
		return nil, providerError(err)
	}

	fromBlock, toBlock, err := s.blockRange(ctx, vault, req)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.FetchEvents(ctx, vault, holder, fromBlock, toBlock)
	if err != nil {
		return nil, providerError(err)
	}

	normalizer := accounting.NewNormalizer(accounting.NormalizerConfig{
		Holder:              holder,
		AssetDecimals:       meta.AssetDecimals,
		ShareDecimals:       meta.ShareDecimals,
		BridgeAddress:       s.vault.BridgeAddress,
		MigratorAddresses:   s.vault.MigratorAddresses,
		PreDepositAddresses: s.vault.PreDepositAddresses,
	})
	normalized := normalizer.Normalize(raw)

	warnings := append([]accounting.Warning(nil), normalized.Warnings...)
	if normalized.Duplicates > 0 {
		warnings = append(warnings, accounting.Warning{
			Code:    accounting.WarnDuplicateLog,
			Message: fmt.Sprintf("dropped %d duplicate records", normalized.Duplicates),
		})
	}

	valueAt, currentPPS, valuationWarnings, err := s.valuation(ctx, vault, meta.ShareDecimals, req.ToBlock)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, valuationWarnings...)

	// the replayed supply is only complete for a full-history, all-holder scan
	if holder == "" && req.FromBlock == nil {
		warnings = append(warnings, s.checkSupply(ctx, vault, valueAt, normalized.Supply)...)
	}

	priceWarnings, err := s.enrichPrices(ctx, vault, normalized.Events, meta.ShareDecimals, currentPPS)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, priceWarnings...)

	policy, err := accounting.NewPolicy(method, meta.AssetDecimals, meta.ShareDecimals)
	if err != nil {
		return nil, errors.NewInvalidMethodError(string(method))
	}
	bases, policyWarnings, err := policy.Positions(normalized.Events)
	warnings = append(warnings, policyWarnings...)
	if err != nil {
		return nil, errors.NewDataIntegrityError(vault, err)
	}

	bases = s.reportable(bases, holder)

	values, err := s.currentValues(ctx, vault, bases, valueAt)
	if err != nil {
		return nil, err
	}

	results := make([]accounting.PnLResult, len(bases))
	for i, basis := range bases {
		results[i] = accounting.ComputePnL(basis, values[i], meta.AssetDecimals, meta.ShareDecimals)
	}

	r := report.Build(report.Params{
		Network:       s.network,
		Vault:         vault,
		VaultSymbol:   meta.Symbol,
		Asset:         meta.Asset,
		AssetSymbol:   meta.AssetSymbol,
		AssetDecimals: meta.AssetDecimals,
		ShareDecimals: meta.ShareDecimals,
		Method:        method,
		Holder:        holder,
		FromBlock:     fromBlock,
		ToBlock:       toBlock,
		EventCount:    len(normalized.Events),
		GeneratedAt:   s.now(),
		Supply:        normalized.Supply,
		Warnings:      warnings,
	}, results)

	logWarnings(logger, warnings)
	logger.WithFields(map[string]interface{}{
		"fromBlock": fromBlock,
		"toBlock":   toBlock,
		"records":   len(raw),
		"events":    len(normalized.Events),
		"holders":   len(results),
		"warnings":  len(warnings),
		"duration":  s.now().Sub(started).String(),
	}).Info("Vault report built")

	if req.Save && s.repo != nil {
		id, err := s.repo.Save(ctx, r)
		if err != nil {
			return nil, errors.NewDatabaseError("save report", err)
		}
		r.ID = id
	}

	return r, nil
}

// GetReport loads a persisted report
func (s *ReportService) GetReport(ctx context.Context, id string) (*report.Report, error) {
	if s.repo == nil {
		return nil, errors.NewServiceUnavailableError("report storage")
	}
	return s.repo.GetByID(ctx, id)
}

// valuation picks the block holdings are valued at and the share price
// there. A requested ToBlock the node has no state for falls back to the
// latest block with a warning.
func (s *ReportService) valuation(ctx context.Context, vault string, shareDecimals int, toBlock *uint64) (*uint64, *big.Int, []accounting.Warning, error) {
	oneShare := accounting.Pow10(shareDecimals)

	var warnings []accounting.Warning
	if toBlock != nil {
		pps, err := s.client.PriceAt(ctx, vault, oneShare, toBlock)
		if err == nil {
			return toBlock, pps, nil, nil
		}
		if !adapter.IsMissingStateError(err) {
			return nil, nil, nil, providerError(err)
		}
		warnings = append(warnings, accounting.Warning{
			Code:    accounting.WarnPriceFallback,
			Block:   *toBlock,
			Message: fmt.Sprintf("no state at to block, holdings valued at the latest block: %v", err),
		})
	}

	pps, err := s.client.PriceAt(ctx, vault, oneShare, nil)
	if err != nil {
		return nil, nil, nil, providerError(err)
	}
	return nil, pps, warnings, nil
}

// checkSupply compares the supply replayed from Transfer logs with the
// on-chain totalSupply. A failed lookup is logged and skipped.
func (s *ReportService) checkSupply(ctx context.Context, vault string, block *uint64, supply accounting.SupplyStats) []accounting.Warning {
	onChain, err := s.client.TotalSupply(ctx, vault, block)
	if err != nil {
		s.logger.WithVault(s.network, vault).WithError(err).Warn("Total supply lookup failed, skipping supply check")
		return nil
	}

	replayed := supply.TotalSupply()
	if replayed.Cmp(onChain) == 0 {
		return nil
	}
	return []accounting.Warning{{
		Code:    accounting.WarnSupplyMismatch,
		Message: fmt.Sprintf("replayed supply %s, on-chain totalSupply %s", replayed, onChain),
	}}
}

func (s *ReportService) blockRange(ctx context.Context, vault string, req ReportRequest) (uint64, uint64, error) {
	var toBlock uint64
	if req.ToBlock != nil {
		toBlock = *req.ToBlock
	} else {
		latest, err := s.client.LatestBlock(ctx)
		if err != nil {
			return 0, 0, providerError(err)
		}
		toBlock = latest
	}

	var fromBlock uint64
	switch {
	case req.FromBlock != nil:
		fromBlock = *req.FromBlock
	case s.vault.DeploymentBlock > 0:
		fromBlock = s.vault.DeploymentBlock
	default:
		deployed, err := s.client.DeploymentBlock(ctx, vault)
		if err != nil {
			if !adapter.IsMissingStateError(err) {
				return 0, 0, providerError(err)
			}
			// pruned node: scan from genesis
			s.logger.WithVault(s.network, vault).WithError(err).Warn("Deployment block lookup needs historical state, scanning from genesis")
		}
		fromBlock = deployed
	}

	if fromBlock > toBlock {
		return 0, 0, errors.NewInvalidParameterError("fromBlock",
			fmt.Sprintf("from block %d is after to block %d", fromBlock, toBlock))
	}
	return fromBlock, toBlock, nil
}

// reportable drops system addresses and, in single-holder mode, anything
// other than the requested holder.
func (s *ReportService) reportable(bases []accounting.Basis, holder string) []accounting.Basis {
	out := bases[:0]
	for _, b := range bases {
		if s.excluded[b.Holder] {
			continue
		}
		if holder != "" && b.Holder != holder {
			continue
		}
		out = append(out, b)
	}
	return out
}

func providerError(err error) error {
	if errors.Categorize(err).Category != errors.CategorySystem {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewProviderTimeoutError("rpc")
	}
	return errors.NewProviderError("rpc", err)
}

func logWarnings(logger *logging.Logger, warnings []accounting.Warning) {
	for _, w := range warnings {
		fields := map[string]interface{}{"code": string(w.Code)}
		if w.Holder != "" {
			fields["holder"] = w.Holder
		}
		if w.Block != 0 {
			fields["block"] = w.Block
		}
		if w.TxID != "" {
			fields["txId"] = w.TxID
		}
		logger.WithFields(fields).Warn(w.Message)
	}
}
