package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/vault-pnl/internal/errors"
	"github.com/vault-pnl/internal/report"
	"github.com/vault-pnl/internal/types"
)

// ReportRepository handles report persistence
type ReportRepository struct {
	db *PostgresDB
}

// NewReportRepository creates a new report repository
func NewReportRepository(db *PostgresDB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Save stores a report and returns its ID. A report that already carries an
// ID keeps it.
func (r *ReportRepository) Save(ctx context.Context, rep *report.Report) (string, error) {
	if rep == nil {
		return "", fmt.Errorf("report cannot be nil")
	}

	id := rep.ID
	if id == "" {
		id = uuid.New().String()
	}

	stored := *rep
	stored.ID = id
	payload, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
		INSERT INTO reports (id, network, vault, holder, method, from_block, to_block,
			holder_count, warning_count, generated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		id,
		rep.Network,
		rep.Vault,
		rep.Holder,
		string(rep.Method),
		int64(rep.FromBlock), // #nosec G115 - block numbers fit in int64
		int64(rep.ToBlock),   // #nosec G115
		rep.Aggregate.HolderCount,
		len(rep.Warnings),
		rep.GeneratedAt,
		payload,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}

	return id, nil
}

// GetByID retrieves a report by ID
func (r *ReportRepository) GetByID(ctx context.Context, id string) (*report.Report, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NewInvalidParameterError("id", "report id must be a UUID")
	}

	query := `SELECT payload FROM reports WHERE id = $1`

	var payload []byte
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("report", id)
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var rep report.Report
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	rep.ID = id
	return &rep, nil
}

// ListByVault returns the most recent reports of a vault, newest first
func (r *ReportRepository) ListByVault(ctx context.Context, network, vault string, limit int) ([]report.Summary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, network, vault, holder, method, from_block, to_block,
			holder_count, warning_count, generated_at, created_at
		FROM reports
		WHERE network = $1 AND vault = $2
		ORDER BY generated_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, network, types.NormalizeAddress(vault), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var summaries []report.Summary
	for rows.Next() {
		var s report.Summary
		var method string
		var fromBlock, toBlock int64
		if err := rows.Scan(
			&s.ID,
			&s.Network,
			&s.Vault,
			&s.Holder,
			&method,
			&fromBlock,
			&toBlock,
			&s.HolderCount,
			&s.WarningCount,
			&s.GeneratedAt,
			&s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		s.Method = types.CostBasisMethod(method)
		s.FromBlock = uint64(fromBlock) // #nosec G115 - stored from uint64
		s.ToBlock = uint64(toBlock)     // #nosec G115
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reports: %w", err)
	}

	return summaries, nil
}

// Delete removes a report
func (r *ReportRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.NewInvalidParameterError("id", "report id must be a UUID")
	}

	tag, err := r.db.Pool().Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("report", id)
	}
	return nil
}
