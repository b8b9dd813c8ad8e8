package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/larsvolden/squad-auction-service/internal/ledger"
	"github.com/larsvolden/squad-auction-service/internal/store"
)

// CreateAuction registers a new auction in DRAFT. Nil rules take the
// defaults; explicit rules are validated before anything is written.
func (e *Engine) CreateAuction(ctx context.Context, name, createdBy string, rules *store.Rules) (*store.Auction, error) {
	ctx, span := tracer.Start(ctx, "Engine.CreateAuction",
		trace.WithAttributes(attribute.String("auction.name", name)),
	)
	defer span.End()

	if name == "" {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "name is required")
	}
	r := store.DefaultRules()
	if rules != nil {
		r = *rules
	}
	if err := r.Validate(); err != nil {
		return nil, rejectf(ClassValidation, ReasonInvalidRules, Detail{}, "invalid rules: %v", err)
	}

	now := e.clk.Now().UTC()
	a := &store.Auction{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		Status:    store.AuctionDraft,
		Rules:     r,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.repos.Auctions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	e.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("name", name),
	)
	return a, nil
}

// ItemSpec describes an item to add to a draft auction.
type ItemSpec struct {
	Name   string          `json:"name"`
	IsIcon bool            `json:"isIcon"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// AddItems adds items to the pool. The pool is only editable in DRAFT; once
// the auction has run, its item set is history, not configuration.
func (e *Engine) AddItems(ctx context.Context, auctionID string, specs []ItemSpec) ([]*store.Item, error) {
	ctx, span := tracer.Start(ctx, "Engine.AddItems",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.Int("item.count", len(specs)),
		),
	)
	defer span.End()

	if auctionID == "" {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "auctionId is required")
	}
	if len(specs) == 0 {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "at least one item is required")
	}
	for i, s := range specs {
		if s.Name == "" {
			return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "item %d has no name", i)
		}
	}

	lock := e.lockFor(auctionID)
	lock.Lock()
	defer lock.Unlock()

	a, err := e.repos.Auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction %s: %w", auctionID, err)
	}
	if a.Status != store.AuctionDraft {
		return nil, rejectf(ClassBusinessRule, ReasonNotDraft,
			Detail{Status: string(a.Status)},
			"items can only be added while the auction is in DRAFT")
	}

	now := e.clk.Now().UTC()
	items := make([]*store.Item, len(specs))
	for i, s := range specs {
		items[i] = &store.Item{
			ID:        uuid.NewString(),
			AuctionID: auctionID,
			Name:      s.Name,
			IsIcon:    s.IsIcon,
			Status:    store.ItemAvailable,
			Data:      s.Data,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if err := e.repos.Items.CreateBatch(ctx, items); err != nil {
		return nil, fmt.Errorf("adding items to auction %s: %w", auctionID, err)
	}

	e.logger.InfoContext(ctx, "items added",
		slog.String("auction_id", auctionID),
		slog.Int("count", len(items)),
	)
	return items, nil
}

// BidderSpec describes a bidder to register in a draft auction.
type BidderSpec struct {
	Name  string `json:"name"`
	Purse int64  `json:"purse"`
}

// AddBidders registers bidders with their initial purses. Like the item
// pool, the bidder roster is frozen once the auction leaves DRAFT.
func (e *Engine) AddBidders(ctx context.Context, auctionID string, specs []BidderSpec) ([]*store.Bidder, error) {
	ctx, span := tracer.Start(ctx, "Engine.AddBidders",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.Int("bidder.count", len(specs)),
		),
	)
	defer span.End()

	if auctionID == "" {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "auctionId is required")
	}
	if len(specs) == 0 {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "at least one bidder is required")
	}
	for i, s := range specs {
		if s.Name == "" {
			return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "bidder %d has no name", i)
		}
		if s.Purse < 0 {
			return nil, rejectf(ClassValidation, ReasonInvalidAmount, Detail{}, "bidder %d has a negative purse", i)
		}
	}

	lock := e.lockFor(auctionID)
	lock.Lock()
	defer lock.Unlock()

	a, err := e.repos.Auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction %s: %w", auctionID, err)
	}
	if a.Status != store.AuctionDraft {
		return nil, rejectf(ClassBusinessRule, ReasonNotDraft,
			Detail{Status: string(a.Status)},
			"bidders can only be added while the auction is in DRAFT")
	}

	now := e.clk.Now().UTC()
	bidders := make([]*store.Bidder, len(specs))
	for i, s := range specs {
		bidders[i] = &store.Bidder{
			ID:             uuid.NewString(),
			AuctionID:      auctionID,
			Name:           s.Name,
			PurseAmount:    s.Purse,
			RemainingPurse: s.Purse,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	if err := e.repos.Bidders.CreateBatch(ctx, bidders); err != nil {
		return nil, fmt.Errorf("adding bidders to auction %s: %w", auctionID, err)
	}

	e.logger.InfoContext(ctx, "bidders added",
		slog.String("auction_id", auctionID),
		slog.Int("count", len(bidders)),
	)
	return bidders, nil
}

// DeleteAuction removes an auction and everything hanging off it. Works in
// any status; this is the only way a COMPLETED auction goes away.
func (e *Engine) DeleteAuction(ctx context.Context, auctionID string) error {
	ctx, span := tracer.Start(ctx, "Engine.DeleteAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	if auctionID == "" {
		return rejectf(ClassValidation, ReasonMissingField, Detail{}, "auctionId is required")
	}

	lock := e.lockFor(auctionID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.repos.Auctions.Delete(ctx, auctionID); err != nil {
		return fmt.Errorf("deleting auction %s: %w", auctionID, err)
	}

	e.logger.InfoContext(ctx, "auction deleted", slog.String("auction_id", auctionID))
	return nil
}

// ListAuctions returns every auction, newest first.
func (e *Engine) ListAuctions(ctx context.Context) ([]*store.Auction, error) {
	ctx, span := tracer.Start(ctx, "Engine.ListAuctions")
	defer span.End()
	return e.repos.Auctions.List(ctx)
}

// BidderView is a bidder enriched with the derived roster count.
type BidderView struct {
	*store.Bidder
	BoughtCount int `json:"boughtCount"`
}

// Snapshot is a consistent read of one auction. Broadcast events are
// provisional, so this is the reconciliation path for late joiners and for
// viewers that saw an event the durable write later refused.
type Snapshot struct {
	Auction      *store.Auction        `json:"auction"`
	Items        []*store.Item         `json:"items"`
	Bidders      []*BidderView         `json:"bidders"`
	CurrentBid   *ledger.Entry         `json:"currentBid,omitempty"`
	NextStatuses []store.AuctionStatus `json:"nextStatuses"`
}

// Snapshot reads the full state of one auction under its exclusive section.
func (e *Engine) Snapshot(ctx context.Context, auctionID string) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "Engine.Snapshot",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	if auctionID == "" {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "auctionId is required")
	}

	lock := e.lockFor(auctionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Auction:      st.auction,
		Items:        st.items,
		Bidders:      make([]*BidderView, 0, len(st.bidders)),
		NextStatuses: LegalNext(st.auction.Status),
	}
	if cur := st.currentItem(); cur != nil {
		snap.CurrentBid = st.auction.Ledger.CurrentBidFor(cur.ID)
	}
	for _, b := range st.bidders {
		snap.Bidders = append(snap.Bidders, &BidderView{Bidder: b, BoughtCount: st.boughtCount(b.ID)})
	}
	return snap, nil
}

// RecoverActive warms the engine after a restart: every auction that was
// mid-flight is loaded once, so a ledger that no longer parses surfaces at
// startup instead of on the first bid.
func (e *Engine) RecoverActive(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Engine.RecoverActive")
	defer span.End()

	count := 0
	for _, status := range []store.AuctionStatus{store.AuctionLive, store.AuctionMockRun, store.AuctionPaused} {
		auctions, err := e.repos.Auctions.ListByStatus(ctx, status)
		if err != nil {
			return count, fmt.Errorf("listing %s auctions: %w", status, err)
		}
		for _, a := range auctions {
			if _, err := e.load(ctx, a.ID); err != nil {
				return count, fmt.Errorf("recovering auction %s: %w", a.ID, err)
			}
			count++
			e.logger.InfoContext(ctx, "recovered active auction",
				slog.String("auction_id", a.ID),
				slog.String("status", string(a.Status)),
			)
		}
	}
	return count, nil
}
