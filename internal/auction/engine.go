// Package auction implements the settlement engine for live timed player
// auctions: feasibility-checked bidding, sale settlement with undo, item
// rotation and the auction lifecycle.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/larsvolden/squad-auction-service/internal/broadcast"
	"github.com/larsvolden/squad-auction-service/internal/clock"
	"github.com/larsvolden/squad-auction-service/internal/ledger"
	"github.com/larsvolden/squad-auction-service/internal/store"
)

const scope = "github.com/larsvolden/squad-auction-service/internal/auction"

var tracer = otel.Tracer(scope)

// Broadcast event names.
const (
	EventBidPlaced       = "bid.placed"
	EventBidUndone       = "bid.undone"
	EventItemSold        = "item.sold"
	EventItemUnsold      = "item.unsold"
	EventSaleUndone      = "sale.undone"
	EventAuctionStarted  = "auction.started"
	EventAuctionPaused   = "auction.paused"
	EventAuctionResumed  = "auction.resumed"
	EventMockRunStarted  = "auction.mock_run_started"
	EventAuctionAdvanced = "auction.advanced"
	EventAuctionEnded    = "auction.ended"
)

// Engine executes every bid, settlement and lifecycle operation. It is the
// only writer of ledgers, item sale states and purses.
//
// Each operation runs inside a per-auction exclusive section and commits
// through a versioned write: the decision is made against a loaded snapshot
// and applied with compare-and-swap. A conflicting concurrent write (another
// replica, typically) triggers one retry against fresh state before the
// request is rejected as a transient conflict.
type Engine struct {
	repos    *store.Repositories
	emitter  broadcast.Emitter
	rotation *Policy
	logger   *slog.Logger
	clk      clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	bidsAccepted metric.Int64Counter
	bidsRejected metric.Int64Counter
	salesSettled metric.Int64Counter
}

// NewEngine wires an engine over the given repositories and broadcaster.
// A nil rotation falls back to the system randomness source and a nil clock
// to the system clock.
func NewEngine(repos *store.Repositories, emitter broadcast.Emitter, rotation *Policy, logger *slog.Logger, clk clock.Clock) *Engine {
	if rotation == nil {
		rotation = NewPolicy(nil)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	meter := otel.Meter(scope)
	bidsAccepted, _ := meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids accepted into the ledger."))
	bidsRejected, _ := meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids refused by validation or business rules."))
	salesSettled, _ := meter.Int64Counter("auction.sales.settled",
		metric.WithDescription("Sales finalized by settlement."))

	return &Engine{
		repos:        repos,
		emitter:      emitter,
		rotation:     rotation,
		logger:       logger,
		clk:          clk,
		locks:        make(map[string]*sync.Mutex),
		bidsAccepted: bidsAccepted,
		bidsRejected: bidsRejected,
		salesSettled: salesSettled,
	}
}

// state is one consistent view of an auction aggregate.
type state struct {
	auction *store.Auction
	items   []*store.Item
	bidders []*store.Bidder
}

func (s *state) item(id string) *store.Item {
	for _, it := range s.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (s *state) bidder(id string) *store.Bidder {
	for _, b := range s.bidders {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (s *state) currentItem() *store.Item {
	if s.auction.CurrentItemID == nil {
		return nil
	}
	return s.item(*s.auction.CurrentItemID)
}

// boughtCount counts items the bidder has won so far.
func (s *state) boughtCount(bidderID string) int {
	n := 0
	for _, it := range s.items {
		if it.Status == store.ItemSold && it.SoldTo != nil && *it.SoldTo == bidderID {
			n++
		}
	}
	return n
}

// emitEvent is a broadcast queued by a decision.
type emitEvent struct {
	name    string
	payload any
}

// outcome is what a decision produces: the write set and the broadcasts that
// go out before the write commits.
type outcome struct {
	mutation *store.Mutation
	events   []emitEvent
}

// run executes one operation under the auction's exclusive section. decide
// is called with a fresh snapshot and may be called a second time after a
// version conflict. Broadcasts are emitted between the decision and the
// durable write, so a conflicting first attempt can leak a provisional
// event that never lands; viewers reconcile through Snapshot.
func (e *Engine) run(ctx context.Context, auctionID string, decide func(st *state) (*outcome, error)) error {
	if auctionID == "" {
		return rejectf(ClassValidation, ReasonMissingField, Detail{}, "auctionId is required")
	}
	lock := e.lockFor(auctionID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; ; attempt++ {
		st, err := e.load(ctx, auctionID)
		if err != nil {
			return err
		}
		out, err := decide(st)
		if err != nil {
			return err
		}
		if out == nil || out.mutation == nil {
			return nil
		}
		for _, ev := range out.events {
			e.emitter.Emit(ctx, auctionID, ev.name, ev.payload)
		}
		err = e.repos.Auctions.Apply(ctx, out.mutation)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("applying auction %s: %w", auctionID, err)
		}
		if attempt > 0 {
			return rejectf(ClassConflict, ReasonConflict, Detail{},
				"auction %s changed concurrently; please retry", auctionID)
		}
		e.logger.WarnContext(ctx, "version conflict, retrying against fresh state",
			slog.String("auction_id", auctionID),
		)
	}
}

func (e *Engine) load(ctx context.Context, auctionID string) (*state, error) {
	a, err := e.repos.Auctions.GetByID(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading auction %s: %w", auctionID, err)
	}
	items, err := e.repos.Items.ListByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading items of auction %s: %w", auctionID, err)
	}
	bidders, err := e.repos.Bidders.ListByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("loading bidders of auction %s: %w", auctionID, err)
	}
	return &state{auction: a, items: items, bidders: bidders}, nil
}

func (e *Engine) lockFor(auctionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[auctionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[auctionID] = l
	}
	return l
}

// gateActive refuses operations outside LIVE and MOCK_RUN.
func gateActive(st *state) *Rejection {
	if st.auction.Status.AcceptsBids() {
		return nil
	}
	return rejectf(ClassBusinessRule, ReasonNotAcceptingBids,
		Detail{Status: string(st.auction.Status)},
		"auction is %s and not accepting bids", st.auction.Status)
}

// resetCountdown stamps the presentation deadline for the current item. The
// countdown never settles anything by itself; settlement is always an
// explicit operator action.
func (e *Engine) resetCountdown(a *store.Auction) {
	if a.CurrentItemID == nil || a.Rules.CountdownSeconds <= 0 {
		a.CountdownUntil = nil
		return
	}
	t := e.clk.Now().UTC().Add(time.Duration(a.Rules.CountdownSeconds) * time.Second)
	a.CountdownUntil = &t
}

// advance rotates to the next item, recording recycled items in the write
// set. It returns the id of the next item, or nil when the pool is spent.
func (e *Engine) advance(st *state, mut *store.Mutation) (*string, error) {
	sel, err := e.rotation.SelectNext(st.items)
	if err != nil {
		return nil, err
	}
	mut.Items = append(mut.Items, sel.Recycled...)
	if sel.Next == nil {
		st.auction.CurrentItemID = nil
		st.auction.CountdownUntil = nil
		return nil, nil
	}
	id := sel.Next.ID
	st.auction.CurrentItemID = &id
	e.resetCountdown(st.auction)
	return &id, nil
}

// BidReceipt reports an accepted bid.
type BidReceipt struct {
	AuctionID string    `json:"auctionId"`
	ItemID    string    `json:"itemId"`
	BidderID  string    `json:"bidderId"`
	Amount    int64     `json:"amount"`
	At        time.Time `json:"timestamp"`
}

// PlaceBid validates and records a bid on the item currently on the block.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64) (*BidReceipt, error) {
	ctx, span := tracer.Start(ctx, "Engine.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", bidderID),
			attribute.Int64("bid.amount", amount),
		),
	)
	defer span.End()

	if bidderID == "" {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "bidderId is required")
	}

	var receipt *BidReceipt
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateActive(st); rej != nil {
			return nil, rej
		}
		cur := st.currentItem()
		if cur == nil {
			return nil, rejectf(ClassBusinessRule, ReasonNoCurrentItem, Detail{}, "no item is on the block")
		}
		bidder := st.bidder(bidderID)
		if bidder == nil {
			return nil, fmt.Errorf("loading bidder %s: %w", bidderID, store.ErrNotFound)
		}
		rej := ValidateBid(BidFacts{
			Rules:      st.auction.Rules,
			CurrentBid: st.auction.Ledger.CurrentBidFor(cur.ID),
			BidderID:   bidderID,
			Amount:     amount,
			Remaining:  bidder.RemainingPurse,
			Bought:     st.boughtCount(bidderID),
		})
		if rej != nil {
			return nil, rej
		}

		entry := st.auction.Ledger.RecordBid(cur.ID, bidderID, amount, e.clk.Now().UTC())
		receipt = &BidReceipt{
			AuctionID: auctionID,
			ItemID:    cur.ID,
			BidderID:  bidderID,
			Amount:    amount,
			At:        entry.At,
		}
		return &outcome{
			mutation: &store.Mutation{Auction: st.auction},
			events:   []emitEvent{{EventBidPlaced, receipt}},
		}, nil
	})
	if err != nil {
		if rej, ok := AsRejection(err); ok {
			span.SetAttributes(attribute.String("rejection.reason", string(rej.Reason)))
			e.bidsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(rej.Reason))))
		}
		return nil, err
	}

	e.bidsAccepted.Add(ctx, 1)
	e.logger.InfoContext(ctx, "bid placed",
		slog.String("auction_id", auctionID),
		slog.String("item_id", receipt.ItemID),
		slog.String("bidder_id", bidderID),
		slog.Int64("amount", amount),
	)
	return receipt, nil
}

// SaleResult reports a settled sale.
type SaleResult struct {
	AuctionID  string  `json:"auctionId"`
	ItemID     string  `json:"itemId"`
	BidderID   string  `json:"bidderId"`
	Amount     int64   `json:"amount"`
	NextItemID *string `json:"nextItemId,omitempty"`
}

// MarkSold settles the current item to the holder of the standing bid: the
// purse is deducted, the item leaves the pool for good and the rotation
// picks what goes on the block next. The feasibility checks are re-run
// against the winning amount first, since purse and roster facts may have
// moved since the bid was accepted.
func (e *Engine) MarkSold(ctx context.Context, auctionID, itemID string) (*SaleResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.MarkSold",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("item.id", itemID),
		),
	)
	defer span.End()

	if itemID == "" {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "itemId is required")
	}

	var result *SaleResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateActive(st); rej != nil {
			return nil, rej
		}
		item := st.item(itemID)
		if item == nil {
			return nil, invariantf("Engine.MarkSold", "item %s does not belong to auction %s", itemID, auctionID)
		}
		if item.Status == store.ItemSold {
			// A stale duplicate of a settled sale is a harmless no-op to
			// refuse; a sale recorded for someone else is corruption.
			last := st.auction.Ledger.LastBidFor(itemID)
			if last != nil && item.SoldTo != nil && last.BidderID == *item.SoldTo {
				return nil, rejectf(ClassBusinessRule, ReasonDuplicateSale, Detail{},
					"item %s was already sold to %s", itemID, *item.SoldTo)
			}
			return nil, invariantf("Engine.MarkSold", "item %s is already sold and the sale cannot be attributed to this request", itemID)
		}
		if item.Status != store.ItemAvailable {
			return nil, rejectf(ClassBusinessRule, ReasonItemNotAvailable,
				Detail{Status: string(item.Status)},
				"item %s is %s", itemID, item.Status)
		}
		if st.auction.CurrentItemID == nil || *st.auction.CurrentItemID != itemID {
			return nil, invariantf("Engine.MarkSold", "item %s is not on the block", itemID)
		}
		winning := st.auction.Ledger.CurrentBidFor(itemID)
		if winning == nil {
			return nil, invariantf("Engine.MarkSold", "no bids recorded for item %s", itemID)
		}
		bidder := st.bidder(winning.BidderID)
		if bidder == nil {
			return nil, invariantf("Engine.MarkSold", "winning bidder %s is not in auction %s", winning.BidderID, auctionID)
		}
		rej := ValidateSettlement(BidFacts{
			Rules:     st.auction.Rules,
			BidderID:  winning.BidderID,
			Amount:    winning.Amount,
			Remaining: bidder.RemainingPurse,
			Bought:    st.boughtCount(winning.BidderID),
		})
		if rej != nil {
			return nil, rej
		}

		now := e.clk.Now().UTC()
		winnerID := winning.BidderID
		price := winning.Amount
		item.Status = store.ItemSold
		item.SoldTo = &winnerID
		item.SoldPrice = &price
		st.auction.Ledger.RecordSold(itemID, winnerID, price, now)

		mut := &store.Mutation{
			Auction:     st.auction,
			Items:       []*store.Item{item},
			PurseDeltas: map[string]int64{winnerID: -price},
		}
		next, err := e.advance(st, mut)
		if err != nil {
			return nil, err
		}
		result = &SaleResult{
			AuctionID:  auctionID,
			ItemID:     itemID,
			BidderID:   winnerID,
			Amount:     price,
			NextItemID: next,
		}
		return &outcome{mutation: mut, events: []emitEvent{{EventItemSold, result}}}, nil
	})
	if err != nil {
		return nil, err
	}

	e.salesSettled.Add(ctx, 1)
	e.logger.InfoContext(ctx, "item sold",
		slog.String("auction_id", auctionID),
		slog.String("item_id", itemID),
		slog.String("bidder_id", result.BidderID),
		slog.Int64("amount", result.Amount),
	)
	return result, nil
}

// UnsoldResult reports an item passed over without a sale.
type UnsoldResult struct {
	AuctionID  string  `json:"auctionId"`
	ItemID     string  `json:"itemId"`
	PurgedBids int     `json:"purgedBids"`
	NextItemID *string `json:"nextItemId,omitempty"`
}

// MarkUnsold passes the current item without a sale. Items with a standing
// bid cannot be passed; the bids must be undone first. Any stale bid history
// the item carries from earlier rounds is purged so it returns to the pool
// with a clean slate.
func (e *Engine) MarkUnsold(ctx context.Context, auctionID, itemID string) (*UnsoldResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.MarkUnsold",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("item.id", itemID),
		),
	)
	defer span.End()

	if itemID == "" {
		return nil, rejectf(ClassValidation, ReasonMissingField, Detail{}, "itemId is required")
	}

	var result *UnsoldResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateActive(st); rej != nil {
			return nil, rej
		}
		item := st.item(itemID)
		if item == nil {
			return nil, invariantf("Engine.MarkUnsold", "item %s does not belong to auction %s", itemID, auctionID)
		}
		if item.Status != store.ItemAvailable {
			return nil, rejectf(ClassBusinessRule, ReasonItemNotAvailable,
				Detail{Status: string(item.Status)},
				"item %s is %s", itemID, item.Status)
		}
		if st.auction.CurrentItemID == nil || *st.auction.CurrentItemID != itemID {
			return nil, invariantf("Engine.MarkUnsold", "item %s is not on the block", itemID)
		}
		if cb := st.auction.Ledger.CurrentBidFor(itemID); cb != nil {
			return nil, rejectf(ClassBusinessRule, ReasonBidsOutstanding,
				Detail{CurrentBid: cb.Amount},
				"item %s has a standing bid; undo it before passing the item", itemID)
		}

		purged := st.auction.Ledger.PurgeItem(itemID)
		item.Status = store.ItemUnsold
		item.SoldTo = nil
		item.SoldPrice = nil
		st.auction.Ledger.RecordUnsold(itemID, e.clk.Now().UTC())

		mut := &store.Mutation{Auction: st.auction, Items: []*store.Item{item}}
		next, err := e.advance(st, mut)
		if err != nil {
			return nil, err
		}
		result = &UnsoldResult{
			AuctionID:  auctionID,
			ItemID:     itemID,
			PurgedBids: purged,
			NextItemID: next,
		}
		return &outcome{mutation: mut, events: []emitEvent{{EventItemUnsold, result}}}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "item passed unsold",
		slog.String("auction_id", auctionID),
		slog.String("item_id", itemID),
		slog.Int("purged_bids", result.PurgedBids),
	)
	return result, nil
}

// UndoBidResult reports a removed bid and the bid back in force, if any.
type UndoBidResult struct {
	AuctionID string        `json:"auctionId"`
	Removed   ledger.Entry  `json:"removed"`
	Restored  *ledger.Entry `json:"restored,omitempty"`
}

// UndoBid removes the most recent bid, restoring the previous one. It is
// only legal while the newest ledger entry is a bid: settled sales must be
// unwound through UndoSale first.
func (e *Engine) UndoBid(ctx context.Context, auctionID string) (*UndoBidResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.UndoBid",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	var result *UndoBidResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateActive(st); rej != nil {
			return nil, rej
		}
		head := st.auction.Ledger.Head()
		if head == nil || head.Kind != ledger.KindBid {
			return nil, rejectf(ClassBusinessRule, ReasonNothingToUndo, Detail{},
				"the most recent ledger entry is not a bid")
		}
		removed, err := st.auction.Ledger.PopBid(head.ItemID)
		if err != nil {
			return nil, invariantf("Engine.UndoBid", "%v", err)
		}
		result = &UndoBidResult{
			AuctionID: auctionID,
			Removed:   removed,
			Restored:  st.auction.Ledger.CurrentBidFor(head.ItemID),
		}
		return &outcome{
			mutation: &store.Mutation{Auction: st.auction},
			events:   []emitEvent{{EventBidUndone, result}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "bid undone",
		slog.String("auction_id", auctionID),
		slog.String("item_id", result.Removed.ItemID),
		slog.String("bidder_id", result.Removed.BidderID),
		slog.Int64("amount", result.Removed.Amount),
	)
	return result, nil
}

// UndoSaleResult reports a reversed sale and the state it restored.
type UndoSaleResult struct {
	AuctionID   string        `json:"auctionId"`
	ItemID      string        `json:"itemId"`
	BidderID    string        `json:"bidderId"`
	Refunded    int64         `json:"refunded"`
	RestoredBid *ledger.Entry `json:"restoredBid,omitempty"`
}

// UndoSale reverses the most recent sale: the purse is refunded, the item
// returns to AVAILABLE and goes back on the block, and the bids of its
// reopened session stand again. The prior observable state comes back
// exactly; there is no partial rollback.
func (e *Engine) UndoSale(ctx context.Context, auctionID string) (*UndoSaleResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.UndoSale",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	var result *UndoSaleResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateActive(st); rej != nil {
			return nil, rej
		}
		head := st.auction.Ledger.Head()
		if head == nil || head.Kind != ledger.KindSold {
			return nil, rejectf(ClassBusinessRule, ReasonNothingToUndo, Detail{},
				"the most recent ledger entry is not a sale")
		}
		item := st.item(head.ItemID)
		if item == nil {
			return nil, invariantf("Engine.UndoSale", "sold item %s does not belong to auction %s", head.ItemID, auctionID)
		}
		if item.Status != store.ItemSold || item.SoldTo == nil || *item.SoldTo != head.BidderID {
			return nil, invariantf("Engine.UndoSale", "sale record for item %s does not match the item state", head.ItemID)
		}
		bidder := st.bidder(head.BidderID)
		if bidder == nil {
			return nil, invariantf("Engine.UndoSale", "bidder %s is not in auction %s", head.BidderID, auctionID)
		}
		if bidder.RemainingPurse+head.Amount > bidder.PurseAmount {
			return nil, invariantf("Engine.UndoSale", "refunding %d would push bidder %s over the initial purse", head.Amount, head.BidderID)
		}

		sold, err := st.auction.Ledger.PopSold()
		if err != nil {
			return nil, invariantf("Engine.UndoSale", "%v", err)
		}
		itemID := item.ID
		item.Status = store.ItemAvailable
		item.SoldTo = nil
		item.SoldPrice = nil
		st.auction.CurrentItemID = &itemID
		e.resetCountdown(st.auction)

		result = &UndoSaleResult{
			AuctionID:   auctionID,
			ItemID:      itemID,
			BidderID:    sold.BidderID,
			Refunded:    sold.Amount,
			RestoredBid: st.auction.Ledger.CurrentBidFor(itemID),
		}
		mut := &store.Mutation{
			Auction:     st.auction,
			Items:       []*store.Item{item},
			PurseDeltas: map[string]int64{sold.BidderID: sold.Amount},
		}
		return &outcome{mutation: mut, events: []emitEvent{{EventSaleUndone, result}}}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "sale undone",
		slog.String("auction_id", auctionID),
		slog.String("item_id", result.ItemID),
		slog.String("bidder_id", result.BidderID),
		slog.Int64("refunded", result.Refunded),
	)
	return result, nil
}
