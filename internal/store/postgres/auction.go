package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/larsvolden/squad-auction-service/internal/clock"
	"github.com/larsvolden/squad-auction-service/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	now := r.clock.Now().UTC()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO auctions (id, name, created_by, status, rules, current_item_id, countdown_until, ledger, version, created_at, updated_at)
		VALUES (:id, :name, :created_by, :status, :rules, :current_item_id, :countdown_until, :ledger, :version, :created_at, :updated_at)`,
		a)
	if isUniqueViolation(err) {
		return fmt.Errorf("auction %s: %w", a.ID, store.ErrDuplicateID)
	}
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) List(ctx context.Context) ([]*store.Auction, error) {
	var auctions []*store.Auction
	err := r.db.SelectContext(ctx, &auctions, `SELECT * FROM auctions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}
	return auctions, nil
}

func (r *AuctionRepo) ListByStatus(ctx context.Context, status store.AuctionStatus) ([]*store.Auction, error) {
	var auctions []*store.Auction
	err := r.db.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = $1 ORDER BY created_at DESC, id DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("listing %s auctions: %w", status, err)
	}
	return auctions, nil
}

// Delete removes an auction. Its items and bidders cascade at the schema level.
func (r *AuctionRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auctions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// Apply commits a settlement mutation in a single transaction. The auction row
// is the concurrency gate: the UPDATE only matches while the stored version is
// the one the caller loaded, so a decision raced by another writer touches
// nothing and reports store.ErrVersionConflict.
func (r *AuctionRepo) Apply(ctx context.Context, m *store.Mutation) error {
	a := m.Auction
	if a == nil {
		return fmt.Errorf("applying mutation: no auction")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.clock.Now().UTC()

	result, err := tx.ExecContext(ctx, `
		UPDATE auctions
		   SET status = $1, rules = $2, current_item_id = $3, countdown_until = $4,
		       ledger = $5, version = version + 1, updated_at = $6
		 WHERE id = $7 AND version = $8`,
		a.Status, a.Rules, a.CurrentItemID, a.CountdownUntil, a.Ledger, now, a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("updating auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		// Zero rows means the version moved or the auction is gone.
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, a.ID); err != nil {
			return fmt.Errorf("checking auction %s: %w", a.ID, err)
		}
		if !exists {
			return fmt.Errorf("auction %s: %w", a.ID, store.ErrNotFound)
		}
		return fmt.Errorf("auction %s moved past version %d: %w", a.ID, a.Version, store.ErrVersionConflict)
	}

	for _, it := range m.Items {
		result, err := tx.ExecContext(ctx, `
			UPDATE items SET status = $1, sold_to = $2, sold_price = $3, updated_at = $4
			 WHERE id = $5 AND auction_id = $6`,
			it.Status, it.SoldTo, it.SoldPrice, now, it.ID, it.AuctionID)
		if err != nil {
			return fmt.Errorf("updating item %s: %w", it.ID, err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("item %s: %w", it.ID, store.ErrNotFound)
		}
	}

	for bidderID, delta := range m.PurseDeltas {
		result, err := tx.ExecContext(ctx, `
			UPDATE bidders SET remaining_purse = remaining_purse + $1, updated_at = $2
			 WHERE id = $3 AND auction_id = $4`,
			delta, now, bidderID, a.ID)
		if err != nil {
			// Purse bounds live in a CHECK constraint; a violation means the
			// engine computed an impossible charge or refund.
			return fmt.Errorf("adjusting purse of bidder %s by %d: %w", bidderID, delta, err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("bidder %s: %w", bidderID, store.ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mutation for auction %s: %w", a.ID, err)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isForeignKeyViolation reports whether err is a Postgres foreign key error.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
