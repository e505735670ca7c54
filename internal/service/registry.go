package service

import (
	"context"
	"sort"

	"github.com/vault-pnl/internal/adapter"
	"github.com/vault-pnl/internal/errors"
	"github.com/vault-pnl/internal/report"
)

// Registry holds one report service per configured network and a shared
// report repository.
type Registry struct {
	defaultNetwork string
	services       map[string]*ReportService
	repo           ReportRepository
}

// NewRegistry creates a registry. Services are keyed by their network.
func NewRegistry(defaultNetwork string, repo ReportRepository, services ...*ReportService) *Registry {
	r := &Registry{
		defaultNetwork: defaultNetwork,
		services:       make(map[string]*ReportService, len(services)),
		repo:           repo,
	}
	for _, svc := range services {
		r.services[svc.Network()] = svc
	}
	return r
}

// For returns the service of a network. The empty network selects the default.
func (r *Registry) For(network string) (*ReportService, error) {
	if network == "" {
		network = r.defaultNetwork
	}
	svc, ok := r.services[network]
	if !ok {
		return nil, errors.NewUnsupportedNetworkError(network)
	}
	return svc, nil
}

// Networks returns the configured networks, sorted
func (r *Registry) Networks() []string {
	networks := make([]string, 0, len(r.services))
	for network := range r.services {
		networks = append(networks, network)
	}
	sort.Strings(networks)
	return networks
}

// BuildReport builds a report with the service of a network
func (r *Registry) BuildReport(ctx context.Context, network string, req ReportRequest) (*report.Report, error) {
	svc, err := r.For(network)
	if err != nil {
		return nil, err
	}
	return svc.BuildReport(ctx, req)
}

// GetReport loads a persisted report regardless of network
func (r *Registry) GetReport(ctx context.Context, id string) (*report.Report, error) {
	if r.repo == nil {
		return nil, errors.NewServiceUnavailableError("report storage")
	}
	return r.repo.GetByID(ctx, id)
}

// ListReports lists the persisted reports of a vault on a network, newest
// first. The empty network selects the default.
func (r *Registry) ListReports(ctx context.Context, network, vault string, limit int) ([]report.Summary, error) {
	if !adapter.ValidateAddress(vault) {
		return nil, errors.NewInvalidAddressError(vault)
	}
	svc, err := r.For(network)
	if err != nil {
		return nil, err
	}
	if r.repo == nil {
		return nil, errors.NewServiceUnavailableError("report storage")
	}
	summaries, err := r.repo.ListByVault(ctx, svc.Network(), vault, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list reports", err)
	}
	return summaries, nil
}

// DeleteReport removes a persisted report
func (r *Registry) DeleteReport(ctx context.Context, id string) error {
	if r.repo == nil {
		return errors.NewServiceUnavailableError("report storage")
	}
	return r.repo.Delete(ctx, id)
}
