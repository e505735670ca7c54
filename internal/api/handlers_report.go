package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vault-pnl/internal/adapter"
	"github.com/vault-pnl/internal/errors"
	"github.com/vault-pnl/internal/report"
	"github.com/vault-pnl/internal/service"
	"github.com/vault-pnl/internal/types"
)

// handleListNetworks lists the networks reports can be built on
func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"networks": s.reports.Networks(),
	})
}

// handleVaultPnL builds a report covering every holder of a vault.
//
// Query parameters: network, holder, method (average|fifo), fromBlock,
// toBlock, save (true persists the report), format (json|text).
func (s *Server) handleVaultPnL(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.buildAndRespond(w, r, vars["vault"], r.URL.Query().Get("holder"))
}

// handleHolderPnL builds a report for a single holder
func (s *Server) handleHolderPnL(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.buildAndRespond(w, r, vars["vault"], vars["holder"])
}

func (s *Server) buildAndRespond(w http.ResponseWriter, r *http.Request, vault, holder string) {
	req, network, err := parseReportRequest(r, vault, holder)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	format, err := parseFormat(r)
	if err != nil {
		respondServiceError(w, errors.NewInvalidParameterError("format", err.Error()))
		return
	}

	ctx := r.Context()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	rep, err := s.reports.BuildReport(ctx, network, req)
	if err != nil {
		s.logger.WithVault(network, vault).WithError(err).Warn("Report build failed")
		respondServiceError(w, err)
		return
	}

	respondReport(w, rep, format)
}

// handleGetReport returns a persisted report
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	format, err := parseFormat(r)
	if err != nil {
		respondServiceError(w, errors.NewInvalidParameterError("format", err.Error()))
		return
	}

	rep, err := s.reports.GetReport(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondReport(w, rep, format)
}

// handleListReports lists persisted reports of a vault.
//
// Query parameters: network, limit (1-100, default 20).
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	vault := mux.Vars(r)["vault"]

	limit := 0
	if value := r.URL.Query().Get("limit"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 100 {
			respondServiceError(w, errors.NewInvalidParameterError("limit", "must be between 1 and 100"))
			return
		}
		limit = n
	}

	summaries, err := s.reports.ListReports(r.Context(), r.URL.Query().Get("network"), vault, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if summaries == nil {
		summaries = []report.Summary{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"reports": summaries,
		"count":   len(summaries),
	})
}

// handleDeleteReport removes a persisted report
func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.reports.DeleteReport(r.Context(), id); err != nil {
		respondServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseReportRequest validates path and query input before anything is
// fetched.
func parseReportRequest(r *http.Request, vault, holder string) (service.ReportRequest, string, error) {
	q := r.URL.Query()

	if !adapter.ValidateAddress(vault) {
		return service.ReportRequest{}, "", errors.NewInvalidAddressError(vault)
	}
	if holder != "" && !adapter.ValidateAddress(holder) {
		return service.ReportRequest{}, "", errors.NewInvalidAddressError(holder)
	}

	method, ok := types.ParseCostBasisMethod(q.Get("method"))
	if !ok {
		return service.ReportRequest{}, "", errors.NewInvalidMethodError(q.Get("method"))
	}

	req := service.ReportRequest{
		Vault:  vault,
		Holder: holder,
		Method: method,
	}

	var err error
	if req.FromBlock, err = parseBlockParam(q.Get("fromBlock"), "fromBlock"); err != nil {
		return service.ReportRequest{}, "", err
	}
	if req.ToBlock, err = parseBlockParam(q.Get("toBlock"), "toBlock"); err != nil {
		return service.ReportRequest{}, "", err
	}

	if save := q.Get("save"); save != "" {
		if req.Save, err = strconv.ParseBool(save); err != nil {
			return service.ReportRequest{}, "", errors.NewInvalidParameterError("save", "must be a boolean")
		}
	}

	return req, q.Get("network"), nil
}

func parseBlockParam(value, name string) (*uint64, error) {
	if value == "" {
		return nil, nil
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return nil, errors.NewInvalidParameterError(name, "must be a non-negative block number")
	}
	return &block, nil
}

// parseFormat reads the format query parameter. The API defaults to JSON.
func parseFormat(r *http.Request) (report.Format, error) {
	value := r.URL.Query().Get("format")
	if value == "" {
		return report.FormatJSON, nil
	}
	return report.ParseFormat(value)
}
