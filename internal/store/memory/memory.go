// Package memory provides a store.Driver that keeps everything in process
// memory. It backs tests and single-node trial setups. Reads hand out deep
// copies, so callers can never reach the canonical records, and Apply
// enforces the same version and purse constraints the SQL schema does.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/larsvolden/squad-auction-service/internal/clock"
	"github.com/larsvolden/squad-auction-service/internal/config"
	"github.com/larsvolden/squad-auction-service/internal/store"
)

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	store.Register("memory", openMemory)
}

// openMemory is the store.Driver for the "memory" backend.
func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return Open(clk), nil
}

// Open builds the in-memory repositories directly, for tests that want a
// store without going through configuration.
func Open(clk clock.Clock) *store.Repositories {
	db := &database{
		clk:      clk,
		auctions: make(map[string]*store.Auction),
		items:    make(map[string]*store.Item),
		bidders:  make(map[string]*store.Bidder),
		seq:      make(map[string]int),
	}
	return &store.Repositories{
		Auctions: &AuctionRepo{db: db},
		Items:    &ItemRepo{db: db},
		Bidders:  &BidderRepo{db: db},
		Closer:   closerFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}
}

// database is the shared backing state. One mutex guards all of it; the
// engine serializes per auction above this layer.
type database struct {
	mu       sync.Mutex
	clk      clock.Clock
	auctions map[string]*store.Auction
	items    map[string]*store.Item
	bidders  map[string]*store.Bidder

	// seq preserves insertion order for listings, the way a serial column
	// would.
	seq  map[string]int
	next int
}

func (db *database) assignSeq(id string) {
	db.next++
	db.seq[id] = db.next
}

func copyAuction(a *store.Auction) *store.Auction {
	c := *a
	c.Ledger = *a.Ledger.Clone()
	if a.CurrentItemID != nil {
		v := *a.CurrentItemID
		c.CurrentItemID = &v
	}
	if a.CountdownUntil != nil {
		v := *a.CountdownUntil
		c.CountdownUntil = &v
	}
	return &c
}

func copyItem(it *store.Item) *store.Item {
	c := *it
	if it.SoldTo != nil {
		v := *it.SoldTo
		c.SoldTo = &v
	}
	if it.SoldPrice != nil {
		v := *it.SoldPrice
		c.SoldPrice = &v
	}
	if it.Data != nil {
		c.Data = append([]byte(nil), it.Data...)
	}
	return &c
}

func copyBidder(b *store.Bidder) *store.Bidder {
	c := *b
	return &c
}

// AuctionRepo implements store.AuctionRepository in memory.
type AuctionRepo struct {
	db *database
}

func (r *AuctionRepo) Create(_ context.Context, a *store.Auction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.auctions[a.ID]; ok {
		return fmt.Errorf("creating auction %s: %w", a.ID, store.ErrDuplicateID)
	}
	now := r.db.clk.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1
	r.db.auctions[a.ID] = copyAuction(a)
	r.db.assignSeq(a.ID)
	return nil
}

func (r *AuctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	a, ok := r.db.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	return copyAuction(a), nil
}

func (r *AuctionRepo) List(_ context.Context) ([]*store.Auction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	result := make([]*store.Auction, 0, len(r.db.auctions))
	for _, a := range r.db.auctions {
		result = append(result, copyAuction(a))
	}
	sort.Slice(result, func(i, j int) bool {
		return r.db.seq[result[i].ID] > r.db.seq[result[j].ID]
	})
	return result, nil
}

func (r *AuctionRepo) ListByStatus(_ context.Context, status store.AuctionStatus) ([]*store.Auction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var result []*store.Auction
	for _, a := range r.db.auctions {
		if a.Status == status {
			result = append(result, copyAuction(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return r.db.seq[result[i].ID] > r.db.seq[result[j].ID]
	})
	return result, nil
}

func (r *AuctionRepo) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.auctions[id]; !ok {
		return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	}
	delete(r.db.auctions, id)
	for itemID, it := range r.db.items {
		if it.AuctionID == id {
			delete(r.db.items, itemID)
		}
	}
	for bidderID, b := range r.db.bidders {
		if b.AuctionID == id {
			delete(r.db.bidders, bidderID)
		}
	}
	return nil
}

func (r *AuctionRepo) Apply(_ context.Context, m *store.Mutation) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	cur, ok := r.db.auctions[m.Auction.ID]
	if !ok {
		return fmt.Errorf("auction %s: %w", m.Auction.ID, store.ErrNotFound)
	}
	if cur.Version != m.Auction.Version {
		return fmt.Errorf("auction %s moved from version %d to %d: %w",
			m.Auction.ID, m.Auction.Version, cur.Version, store.ErrVersionConflict)
	}

	// Validate the whole write set before touching anything.
	for _, it := range m.Items {
		stored, ok := r.db.items[it.ID]
		if !ok || stored.AuctionID != m.Auction.ID {
			return fmt.Errorf("item %s: %w", it.ID, store.ErrNotFound)
		}
	}
	newPurse := make(map[string]int64, len(m.PurseDeltas))
	for bidderID, delta := range m.PurseDeltas {
		b, ok := r.db.bidders[bidderID]
		if !ok || b.AuctionID != m.Auction.ID {
			return fmt.Errorf("bidder %s: %w", bidderID, store.ErrNotFound)
		}
		next := b.RemainingPurse + delta
		if next < 0 || next > b.PurseAmount {
			return fmt.Errorf("memory: purse of bidder %s out of bounds: %d not in [0, %d]",
				bidderID, next, b.PurseAmount)
		}
		newPurse[bidderID] = next
	}

	now := r.db.clk.Now().UTC()
	a := copyAuction(m.Auction)
	a.Version = cur.Version + 1
	a.CreatedAt = cur.CreatedAt
	a.UpdatedAt = now
	r.db.auctions[a.ID] = a
	m.Auction.Version = a.Version

	for _, it := range m.Items {
		c := copyItem(it)
		c.CreatedAt = r.db.items[it.ID].CreatedAt
		c.UpdatedAt = now
		r.db.items[it.ID] = c
	}
	for bidderID, next := range newPurse {
		b := r.db.bidders[bidderID]
		b.RemainingPurse = next
		b.UpdatedAt = now
	}
	return nil
}

// ItemRepo implements store.ItemRepository in memory.
type ItemRepo struct {
	db *database
}

func (r *ItemRepo) CreateBatch(_ context.Context, items []*store.Item) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, it := range items {
		if _, ok := r.db.items[it.ID]; ok {
			return fmt.Errorf("creating item %s: %w", it.ID, store.ErrDuplicateID)
		}
		if _, ok := r.db.auctions[it.AuctionID]; !ok {
			return fmt.Errorf("auction %s: %w", it.AuctionID, store.ErrNotFound)
		}
	}
	now := r.db.clk.Now().UTC()
	for _, it := range items {
		it.CreatedAt = now
		it.UpdatedAt = now
		r.db.items[it.ID] = copyItem(it)
		r.db.assignSeq(it.ID)
	}
	return nil
}

func (r *ItemRepo) GetByID(_ context.Context, id string) (*store.Item, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	it, ok := r.db.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	return copyItem(it), nil
}

func (r *ItemRepo) ListByAuction(_ context.Context, auctionID string) ([]*store.Item, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var result []*store.Item
	for _, it := range r.db.items {
		if it.AuctionID == auctionID {
			result = append(result, copyItem(it))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return r.db.seq[result[i].ID] < r.db.seq[result[j].ID]
	})
	return result, nil
}

// BidderRepo implements store.BidderRepository in memory.
type BidderRepo struct {
	db *database
}

func (r *BidderRepo) CreateBatch(_ context.Context, bidders []*store.Bidder) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, b := range bidders {
		if _, ok := r.db.bidders[b.ID]; ok {
			return fmt.Errorf("creating bidder %s: %w", b.ID, store.ErrDuplicateID)
		}
		if _, ok := r.db.auctions[b.AuctionID]; !ok {
			return fmt.Errorf("auction %s: %w", b.AuctionID, store.ErrNotFound)
		}
		if b.RemainingPurse < 0 || b.RemainingPurse > b.PurseAmount {
			return fmt.Errorf("memory: purse of bidder %s out of bounds: %d not in [0, %d]",
				b.ID, b.RemainingPurse, b.PurseAmount)
		}
	}
	now := r.db.clk.Now().UTC()
	for _, b := range bidders {
		b.CreatedAt = now
		b.UpdatedAt = now
		r.db.bidders[b.ID] = copyBidder(b)
		r.db.assignSeq(b.ID)
	}
	return nil
}

func (r *BidderRepo) GetByID(_ context.Context, id string) (*store.Bidder, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	b, ok := r.db.bidders[id]
	if !ok {
		return nil, fmt.Errorf("bidder %s: %w", id, store.ErrNotFound)
	}
	return copyBidder(b), nil
}

func (r *BidderRepo) ListByAuction(_ context.Context, auctionID string) ([]*store.Bidder, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var result []*store.Bidder
	for _, b := range r.db.bidders {
		if b.AuctionID == auctionID {
			result = append(result, copyBidder(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return r.db.seq[result[i].ID] < r.db.seq[result[j].ID]
	})
	return result, nil
}
