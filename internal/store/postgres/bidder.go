package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/larsvolden/squad-auction-service/internal/clock"
	"github.com/larsvolden/squad-auction-service/internal/store"
)

// BidderRepo implements store.BidderRepository with sqlx.
type BidderRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewBidderRepo returns a new BidderRepo.
func NewBidderRepo(db *sqlx.DB, clk clock.Clock) *BidderRepo {
	return &BidderRepo{db: db, clock: clk}
}

// CreateBatch inserts a roster of bidders atomically.
func (r *BidderRepo) CreateBatch(ctx context.Context, bidders []*store.Bidder) error {
	if len(bidders) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.clock.Now().UTC()
	for _, b := range bidders {
		b.CreatedAt = now
		b.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bidders (id, auction_id, name, purse_amount, remaining_purse, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ID, b.AuctionID, b.Name, b.PurseAmount, b.RemainingPurse, now, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("bidder %s: %w", b.ID, store.ErrDuplicateID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("auction %s: %w", b.AuctionID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("creating bidder %s: %w", b.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bidders: %w", err)
	}
	return nil
}

func (r *BidderRepo) GetByID(ctx context.Context, id string) (*store.Bidder, error) {
	var b store.Bidder
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bidders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bidder %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting bidder: %w", err)
	}
	return &b, nil
}

func (r *BidderRepo) ListByAuction(ctx context.Context, auctionID string) ([]*store.Bidder, error) {
	var bidders []*store.Bidder
	err := r.db.SelectContext(ctx, &bidders,
		`SELECT * FROM bidders WHERE auction_id = $1 ORDER BY created_at ASC, id ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing bidders: %w", err)
	}
	return bidders, nil
}
