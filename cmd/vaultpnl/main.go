// Package main provides the vaultpnl CLI, which prints or exports the
// per-holder PnL report of a vault.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vault-pnl/internal/adapter"
	"github.com/vault-pnl/internal/config"
	"github.com/vault-pnl/internal/errors"
	"github.com/vault-pnl/internal/logging"
	"github.com/vault-pnl/internal/report"
	"github.com/vault-pnl/internal/service"
	"github.com/vault-pnl/internal/storage"
	"github.com/vault-pnl/internal/types"
)

// options are the parsed command line flags
type options struct {
	vault     string
	holder    string
	network   string
	method    types.CostBasisMethod
	format    report.Format
	out       string
	save      bool
	fromBlock *uint64
	toBlock   *uint64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	// the report goes to stdout
	logger.SetOutput(stderr)

	network := opts.network
	if network == "" {
		network = cfg.Networks.Default
	}

	var repo service.ReportRepository
	if opts.save {
		db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to Postgres")
			return 1
		}
		defer db.Close()
		repo = storage.NewReportRepository(db)
	}

	registry, closeClients, err := service.NewRegistryFromConfig(ctx, cfg, repo, logger, network, nil)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize network")
		return 1
	}
	defer closeClients()

	rep, err := registry.BuildReport(ctx, network, service.ReportRequest{
		Vault:     opts.vault,
		Holder:    opts.holder,
		Method:    opts.method,
		FromBlock: opts.fromBlock,
		ToBlock:   opts.toBlock,
		Save:      opts.save,
	})
	if err != nil {
		catErr := errors.Categorize(err)
		logger.WithError(err).WithFields(map[string]interface{}{
			"code":      catErr.Code,
			"retryable": errors.IsRetryable(err),
		}).Error("Report failed")
		if errors.IsUserError(err) {
			return 2
		}
		return 1
	}

	if opts.out != "" {
		if err := report.WriteFile(opts.out, rep, opts.format); err != nil {
			logger.WithError(err).Error("Failed to export report")
			return 1
		}
		logger.WithField("path", opts.out).Info("Report exported")
	} else if err := report.Render(stdout, rep, opts.format); err != nil {
		logger.WithError(err).Error("Failed to render report")
		return 1
	}

	if rep.ID != "" {
		logger.WithField("id", rep.ID).Info("Report saved")
	}
	return 0
}

// parseFlags validates every input before anything is dialed or fetched
func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("vaultpnl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		vault     = fs.String("vault", "", "Vault address (required)")
		holder    = fs.String("holder", "", "Only report this holder")
		network   = fs.String("network", "", "Network name (default: DEFAULT_NETWORK)")
		method    = fs.String("method", "average", "Cost basis method: average, fifo")
		format    = fs.String("format", "text", "Output format: text, json")
		out       = fs.String("out", "", "Write the report to this file instead of stdout")
		save      = fs.Bool("save", false, "Persist the report to Postgres")
		fromBlock = fs.Int64("from-block", -1, "First block to scan (default: vault deployment block)")
		toBlock   = fs.Int64("to-block", -1, "Last block to scan (default: latest)")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *vault == "" {
		return nil, fmt.Errorf("-vault is required")
	}
	if !adapter.ValidateAddress(*vault) {
		return nil, fmt.Errorf("invalid vault address: %s", *vault)
	}
	if *holder != "" && !adapter.ValidateAddress(*holder) {
		return nil, fmt.Errorf("invalid holder address: %s", *holder)
	}

	m, ok := types.ParseCostBasisMethod(*method)
	if !ok {
		return nil, fmt.Errorf("unknown cost basis method: %s", *method)
	}
	f, err := report.ParseFormat(*format)
	if err != nil {
		return nil, err
	}

	opts := &options{
		vault:   *vault,
		holder:  *holder,
		network: *network,
		method:  m,
		format:  f,
		out:     *out,
		save:    *save,
	}
	if *fromBlock >= 0 {
		b := uint64(*fromBlock)
		opts.fromBlock = &b
	}
	if *toBlock >= 0 {
		b := uint64(*toBlock)
		opts.toBlock = &b
	}
	if opts.fromBlock != nil && opts.toBlock != nil && *opts.fromBlock > *opts.toBlock {
		return nil, fmt.Errorf("-from-block %d is after -to-block %d", *opts.fromBlock, *opts.toBlock)
	}
	return opts, nil
}
