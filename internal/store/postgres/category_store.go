package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/store"
)

var categoryDDL = map[model.Category]string{
	model.CategoryNFTBid: `
		CREATE TABLE IF NOT EXISTS nft_bids (
			signature   TEXT NOT NULL,
			mint        TEXT NOT NULL,
			bidder      TEXT NOT NULL DEFAULT '',
			marketplace TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			price       NUMERIC NOT NULL DEFAULT 0,
			amount      NUMERIC NOT NULL DEFAULT 0,
			block_time  TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, mint)
		)`,
	model.CategoryNFTPrice: `
		CREATE TABLE IF NOT EXISTS nft_prices (
			signature   TEXT NOT NULL,
			mint        TEXT NOT NULL,
			marketplace TEXT NOT NULL DEFAULT '',
			seller      TEXT NOT NULL DEFAULT '',
			buyer       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			price       NUMERIC NOT NULL DEFAULT 0,
			block_time  TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, mint)
		)`,
	model.CategoryTokenPrice: `
		CREATE TABLE IF NOT EXISTS token_prices (
			signature    TEXT NOT NULL,
			token_mint   TEXT NOT NULL,
			pool_address TEXT NOT NULL DEFAULT '',
			platform     TEXT NOT NULL DEFAULT '',
			price        NUMERIC NOT NULL DEFAULT 0,
			volume       NUMERIC NOT NULL DEFAULT 0,
			block_time   TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, token_mint)
		)`,
	model.CategoryLendingRate: `
		CREATE TABLE IF NOT EXISTS lending_rates (
			signature    TEXT NOT NULL,
			pool_address TEXT NOT NULL,
			protocol     TEXT NOT NULL DEFAULT '',
			token_mint   TEXT NOT NULL DEFAULT '',
			action       TEXT NOT NULL DEFAULT '',
			amount       NUMERIC NOT NULL DEFAULT 0,
			borrow_rate  NUMERIC NOT NULL DEFAULT 0,
			supply_rate  NUMERIC NOT NULL DEFAULT 0,
			utilization  NUMERIC NOT NULL DEFAULT 0,
			block_time   TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (signature, pool_address)
		)`,
}

// Conflict clauses update mutable fields only; identity columns keep the
// values of the first insert.
const (
	upsertNFTBidSQL = `
		INSERT INTO nft_bids (signature, mint, bidder, marketplace, status, price, amount, block_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (signature, mint) DO UPDATE SET
			status = EXCLUDED.status,
			price = EXCLUDED.price,
			amount = EXCLUDED.amount,
			updated_at = now()`

	upsertNFTPriceSQL = `
		INSERT INTO nft_prices (signature, mint, marketplace, seller, buyer, status, price, block_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (signature, mint) DO UPDATE SET
			status = EXCLUDED.status,
			price = EXCLUDED.price,
			buyer = EXCLUDED.buyer,
			updated_at = now()`

	upsertTokenPriceSQL = `
		INSERT INTO token_prices (signature, token_mint, pool_address, platform, price, volume, block_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (signature, token_mint) DO UPDATE SET
			price = EXCLUDED.price,
			volume = EXCLUDED.volume,
			updated_at = now()`

	upsertLendingRateSQL = `
		INSERT INTO lending_rates (signature, pool_address, protocol, token_mint, action, amount,
			borrow_rate, supply_rate, utilization, block_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (signature, pool_address) DO UPDATE SET
			action = EXCLUDED.action,
			amount = EXCLUDED.amount,
			borrow_rate = EXCLUDED.borrow_rate,
			supply_rate = EXCLUDED.supply_rate,
			utilization = EXCLUDED.utilization,
			updated_at = now()`
)

// CategoryStore writes category records into job target datastores.
type CategoryStore struct {
	pools *PoolRegistry
}

var _ store.CategoryWriter = (*CategoryStore)(nil)

func NewCategoryStore(pools *PoolRegistry) *CategoryStore {
	return &CategoryStore{pools: pools}
}

func (s *CategoryStore) Bootstrap(ctx context.Context, target string, categories []model.Category) error {
	db, err := s.pools.Get(ctx, target)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	return inTx(ctx, db, func(tx *sql.Tx) error {
		for _, c := range categories {
			ddl, ok := categoryDDL[c]
			if !ok {
				return fmt.Errorf("no table definition for category %q", c)
			}
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("create table %s: %w", c.Table(), err)
			}
		}
		return nil
	})
}

// Apply upserts the whole batch in one transaction. Any failing statement
// rolls back every record of the batch.
func (s *CategoryStore) Apply(ctx context.Context, target string, batch model.CategoryBatch) error {
	if batch.Len() == 0 {
		return nil
	}
	db, err := s.pools.Get(ctx, target)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err = inTx(ctx, db, func(tx *sql.Tx) error {
		for _, r := range batch.NFTBids {
			if _, err := tx.ExecContext(ctx, upsertNFTBidSQL,
				r.Signature, r.Mint, r.Bidder, r.Marketplace, r.Status, r.Price, r.Amount, nullTime(r.BlockTime),
			); err != nil {
				return fmt.Errorf("upsert nft bid %s: %w", r.Signature, err)
			}
		}
		for _, r := range batch.NFTPrices {
			if _, err := tx.ExecContext(ctx, upsertNFTPriceSQL,
				r.Signature, r.Mint, r.Marketplace, r.Seller, r.Buyer, r.Status, r.Price, nullTime(r.BlockTime),
			); err != nil {
				return fmt.Errorf("upsert nft price %s: %w", r.Signature, err)
			}
		}
		for _, r := range batch.TokenPrices {
			if _, err := tx.ExecContext(ctx, upsertTokenPriceSQL,
				r.Signature, r.TokenMint, r.PoolAddress, r.Platform, r.Price, r.Volume, nullTime(r.BlockTime),
			); err != nil {
				return fmt.Errorf("upsert token price %s: %w", r.Signature, err)
			}
		}
		for _, r := range batch.LendingRates {
			if _, err := tx.ExecContext(ctx, upsertLendingRateSQL,
				r.Signature, r.PoolAddress, r.Protocol, r.TokenMint, r.Action, r.Amount,
				r.BorrowRate, r.SupplyRate, r.Utilization, nullTime(r.BlockTime),
			); err != nil {
				return fmt.Errorf("upsert lending rate %s: %w", r.Signature, err)
			}
		}
		return nil
	})
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
