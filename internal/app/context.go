package app

import (
	"context"
	"errors"
	"fmt"

	"capmarket/internal/config"
	"capmarket/internal/repo"
)

const DefaultMarketID = "default"

// ResolveMarketConfig picks the active market and makes sure its config is
// stored, seeding it if missing. It prefers the override, then the only
// market in the DB, then market.yml in the workspace, then the default.
func ResolveMarketConfig(ctx context.Context, workspace, marketOverride string, r repo.Repo) (*config.Config, error) {
	marketID := marketOverride
	if marketID == "" {
		id, err := r.SingleMarket(ctx)
		switch {
		case err == nil:
			marketID = id
		case errors.Is(err, repo.ErrNotFound):
		default:
			return nil, err
		}
	}
	if marketID != "" {
		cfg, err := r.GetMarketConfig(ctx, marketID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	seed, err := seedConfig(workspace, marketID)
	if err != nil {
		return nil, err
	}
	if err := r.UpsertMarketConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed market config: %w", err)
	}
	return seed, nil
}

func seedConfig(workspace, marketID string) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil && (marketID == "" || fileCfg.Market.ID == marketID) {
		return fileCfg, nil
	}
	if marketID == "" {
		marketID = DefaultMarketID
	}
	return config.Default(marketID), nil
}
