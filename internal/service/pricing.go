package service

import (
	"context"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/vault-pnl/internal/accounting"
	"github.com/vault-pnl/internal/types"
)

// enrichPrices looks up the share price at every block holding an unpriced
// event and values those events at it. A block whose lookup fails falls back
// to currentPPS and yields a warning.
func (s *ReportService) enrichPrices(ctx context.Context, vault string, events []types.VaultEvent, shareDecimals int, currentPPS *big.Int) ([]accounting.Warning, error) {
	blocks := accounting.BlocksNeedingPrice(events)
	if len(blocks) == 0 {
		return nil, nil
	}

	oneShare := accounting.Pow10(shareDecimals)
	prices := make([]*big.Int, len(blocks))
	failures := make([]error, len(blocks))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, block := range blocks {
		i, block := i, block
		g.Go(func() error {
			var pps *big.Int
			err := s.breaker.Execute(gCtx, func(ctx context.Context) error {
				var err error
				pps, err = s.client.PriceAt(ctx, vault, oneShare, &block)
				return err
			})
			if err != nil {
				if ctxErr := gCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				failures[i] = err
				return nil
			}
			prices[i] = pps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, providerError(err)
	}

	byBlock := make(map[uint64]*big.Int, len(blocks))
	var warnings []accounting.Warning
	for i, block := range blocks {
		if failures[i] != nil {
			byBlock[block] = currentPPS
			warnings = append(warnings, accounting.Warning{
				Code:    accounting.WarnPriceFallback,
				Block:   block,
				Message: fmt.Sprintf("price lookup failed, using current price: %v", failures[i]),
			})
			continue
		}
		byBlock[block] = prices[i]
	}

	for i := range events {
		if events[i].NeedsPrice() {
			accounting.ApplyPrice(&events[i], byBlock[events[i].Block], shareDecimals)
		}
	}
	return warnings, nil
}

// currentValues values every holder's remaining shares at block, or at the
// latest block when block is nil
func (s *ReportService) currentValues(ctx context.Context, vault string, bases []accounting.Basis, block *uint64) ([]*big.Int, error) {
	values := make([]*big.Int, len(bases))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range bases {
		if bases[i].SharesHeld.Sign() == 0 {
			values[i] = new(big.Int)
			continue
		}
		i := i
		g.Go(func() error {
			value, err := s.client.PriceAt(gCtx, vault, bases[i].SharesHeld, block)
			if err != nil {
				return fmt.Errorf("value %s: %w", bases[i].Holder, err)
			}
			values[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, providerError(err)
	}
	return values, nil
}
