package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/larsvolden/squad-auction-service/internal/clock"
	"github.com/larsvolden/squad-auction-service/internal/store"
)

// ItemRepo implements store.ItemRepository with sqlx.
type ItemRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewItemRepo returns a new ItemRepo.
func NewItemRepo(db *sqlx.DB, clk clock.Clock) *ItemRepo {
	return &ItemRepo{db: db, clock: clk}
}

// CreateBatch inserts a lot of items atomically.
func (r *ItemRepo) CreateBatch(ctx context.Context, items []*store.Item) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.clock.Now().UTC()
	for _, it := range items {
		it.CreatedAt = now
		it.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO items (id, auction_id, name, is_icon, status, sold_to, sold_price, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			it.ID, it.AuctionID, it.Name, it.IsIcon, it.Status, it.SoldTo, it.SoldPrice, jsonArg(it.Data), now, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("item %s: %w", it.ID, store.ErrDuplicateID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("auction %s: %w", it.AuctionID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("creating item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing items: %w", err)
	}
	return nil
}

func (r *ItemRepo) GetByID(ctx context.Context, id string) (*store.Item, error) {
	var it store.Item
	err := r.db.GetContext(ctx, &it, `SELECT * FROM items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return &it, nil
}

func (r *ItemRepo) ListByAuction(ctx context.Context, auctionID string) ([]*store.Item, error) {
	var items []*store.Item
	err := r.db.SelectContext(ctx, &items,
		`SELECT * FROM items WHERE auction_id = $1 ORDER BY created_at ASC, id ASC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

// jsonArg renders a raw JSON blob as a driver argument for a jsonb column.
// lib/pq would encode a []byte as bytea, so the blob goes over as text.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
