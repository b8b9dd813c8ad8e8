package auction

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/larsvolden/squad-auction-service/internal/store"
)

// transitions enumerates the legal status moves. COMPLETED is terminal, and a
// mock run must pass through PAUSED before the auction can go live or end.
var transitions = map[store.AuctionStatus]map[store.AuctionStatus]bool{
	store.AuctionDraft: {
		store.AuctionLive:    true,
		store.AuctionMockRun: true,
	},
	store.AuctionLive: {
		store.AuctionPaused:    true,
		store.AuctionCompleted: true,
	},
	store.AuctionPaused: {
		store.AuctionLive:      true,
		store.AuctionMockRun:   true,
		store.AuctionCompleted: true,
	},
	store.AuctionMockRun: {
		store.AuctionPaused: true,
	},
}

// CanTransition reports whether an auction may move from one status to another.
func CanTransition(from, to store.AuctionStatus) bool {
	return transitions[from][to]
}

// LegalNext returns the statuses reachable from the given one, sorted.
func LegalNext(from store.AuctionStatus) []store.AuctionStatus {
	next := make([]store.AuctionStatus, 0, len(transitions[from]))
	for to := range transitions[from] {
		next = append(next, to)
	}
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next
}

func gateTransition(st *state, to store.AuctionStatus) *Rejection {
	from := st.auction.Status
	if CanTransition(from, to) {
		return nil
	}
	return rejectf(ClassBusinessRule, ReasonIllegalTransition,
		Detail{Status: string(from)},
		"auction cannot move from %s to %s", from, to)
}

// LifecycleResult reports a status change.
type LifecycleResult struct {
	AuctionID     string              `json:"auctionId"`
	Status        store.AuctionStatus `json:"status"`
	CurrentItemID *string             `json:"currentItemId,omitempty"`
}

func (e *Engine) lifecycleSpan(ctx context.Context, op, auctionID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, op,
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
}

func (e *Engine) logStatus(ctx context.Context, msg string, result *LifecycleResult) {
	attrs := []any{
		slog.String("auction_id", result.AuctionID),
		slog.String("status", string(result.Status)),
	}
	if result.CurrentItemID != nil {
		attrs = append(attrs, slog.String("current_item_id", *result.CurrentItemID))
	}
	e.logger.InfoContext(ctx, msg, attrs...)
}

// StartLive takes a DRAFT auction live: the ledger starts empty and the
// rotation puts the first item on the block. Starting requires at least one
// available item.
func (e *Engine) StartLive(ctx context.Context, auctionID string) (*LifecycleResult, error) {
	ctx, span := e.lifecycleSpan(ctx, "Engine.StartLive", auctionID)
	defer span.End()

	var result *LifecycleResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if st.auction.Status != store.AuctionDraft {
			return nil, rejectf(ClassBusinessRule, ReasonIllegalTransition,
				Detail{Status: string(st.auction.Status)},
				"only a DRAFT auction can be started; auction is %s", st.auction.Status)
		}
		if len(filterStatus(st.items, store.ItemAvailable)) == 0 {
			return nil, rejectf(ClassBusinessRule, ReasonNoAvailableItems, Detail{},
				"starting requires at least one available item")
		}

		st.auction.Status = store.AuctionLive
		st.auction.Ledger.Clear()
		mut := &store.Mutation{Auction: st.auction}
		next, err := e.advance(st, mut)
		if err != nil {
			return nil, err
		}
		result = &LifecycleResult{AuctionID: auctionID, Status: store.AuctionLive, CurrentItemID: next}
		return &outcome{mutation: mut, events: []emitEvent{{EventAuctionStarted, result}}}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logStatus(ctx, "auction started", result)
	return result, nil
}

// StartMockRun enters the rehearsal mode. From DRAFT it behaves like a fresh
// start with an empty ledger; from PAUSED it resumes mid-flight state so a
// paused rehearsal can continue where it stopped. A mock run can only be
// left through Pause.
func (e *Engine) StartMockRun(ctx context.Context, auctionID string) (*LifecycleResult, error) {
	ctx, span := e.lifecycleSpan(ctx, "Engine.StartMockRun", auctionID)
	defer span.End()

	var result *LifecycleResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateTransition(st, store.AuctionMockRun); rej != nil {
			return nil, rej
		}
		fresh := st.auction.Status == store.AuctionDraft
		if fresh && len(filterStatus(st.items, store.ItemAvailable)) == 0 {
			return nil, rejectf(ClassBusinessRule, ReasonNoAvailableItems, Detail{},
				"starting requires at least one available item")
		}

		st.auction.Status = store.AuctionMockRun
		mut := &store.Mutation{Auction: st.auction}
		if fresh {
			st.auction.Ledger.Clear()
			if _, err := e.advance(st, mut); err != nil {
				return nil, err
			}
		} else {
			e.resetCountdown(st.auction)
		}
		result = &LifecycleResult{AuctionID: auctionID, Status: store.AuctionMockRun, CurrentItemID: st.auction.CurrentItemID}
		return &outcome{mutation: mut, events: []emitEvent{{EventMockRunStarted, result}}}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logStatus(ctx, "mock run started", result)
	return result, nil
}

// Pause freezes a LIVE auction or a mock run. The ledger, the current item
// and all purses stay put; only the countdown is dropped.
func (e *Engine) Pause(ctx context.Context, auctionID string) (*LifecycleResult, error) {
	ctx, span := e.lifecycleSpan(ctx, "Engine.Pause", auctionID)
	defer span.End()

	var result *LifecycleResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateTransition(st, store.AuctionPaused); rej != nil {
			return nil, rej
		}
		st.auction.Status = store.AuctionPaused
		st.auction.CountdownUntil = nil
		result = &LifecycleResult{AuctionID: auctionID, Status: store.AuctionPaused, CurrentItemID: st.auction.CurrentItemID}
		return &outcome{
			mutation: &store.Mutation{Auction: st.auction},
			events:   []emitEvent{{EventAuctionPaused, result}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logStatus(ctx, "auction paused", result)
	return result, nil
}

// Resume brings a PAUSED auction back to LIVE with its state intact and a
// fresh countdown on the current item.
func (e *Engine) Resume(ctx context.Context, auctionID string) (*LifecycleResult, error) {
	ctx, span := e.lifecycleSpan(ctx, "Engine.Resume", auctionID)
	defer span.End()

	var result *LifecycleResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if st.auction.Status != store.AuctionPaused {
			return nil, rejectf(ClassBusinessRule, ReasonIllegalTransition,
				Detail{Status: string(st.auction.Status)},
				"only a PAUSED auction can resume; auction is %s", st.auction.Status)
		}
		st.auction.Status = store.AuctionLive
		e.resetCountdown(st.auction)
		result = &LifecycleResult{AuctionID: auctionID, Status: store.AuctionLive, CurrentItemID: st.auction.CurrentItemID}
		return &outcome{
			mutation: &store.Mutation{Auction: st.auction},
			events:   []emitEvent{{EventAuctionResumed, result}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logStatus(ctx, "auction resumed", result)
	return result, nil
}

// End completes the auction. COMPLETED is terminal: results stay readable
// forever and only explicit deletion removes them.
func (e *Engine) End(ctx context.Context, auctionID string) (*LifecycleResult, error) {
	ctx, span := e.lifecycleSpan(ctx, "Engine.End", auctionID)
	defer span.End()

	var result *LifecycleResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateTransition(st, store.AuctionCompleted); rej != nil {
			return nil, rej
		}
		st.auction.Status = store.AuctionCompleted
		st.auction.CurrentItemID = nil
		st.auction.CountdownUntil = nil
		result = &LifecycleResult{AuctionID: auctionID, Status: store.AuctionCompleted}
		return &outcome{
			mutation: &store.Mutation{Auction: st.auction},
			events:   []emitEvent{{EventAuctionEnded, result}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.logStatus(ctx, "auction ended", result)
	return result, nil
}

// AdvanceResult reports a manual rotation.
type AdvanceResult struct {
	AuctionID  string  `json:"auctionId"`
	NextItemID *string `json:"nextItemId,omitempty"`
	Recycled   int     `json:"recycled"`
}

// AdvanceToNext puts a new item on the block without settling the current
// one. It is refused while the current item holds a standing bid: the bid
// must be settled or undone first.
func (e *Engine) AdvanceToNext(ctx context.Context, auctionID string) (*AdvanceResult, error) {
	ctx, span := e.lifecycleSpan(ctx, "Engine.AdvanceToNext", auctionID)
	defer span.End()

	var result *AdvanceResult
	err := e.run(ctx, auctionID, func(st *state) (*outcome, error) {
		if rej := gateActive(st); rej != nil {
			return nil, rej
		}
		if cur := st.currentItem(); cur != nil {
			if cb := st.auction.Ledger.CurrentBidFor(cur.ID); cb != nil {
				return nil, rejectf(ClassBusinessRule, ReasonBidsOutstanding,
					Detail{CurrentBid: cb.Amount},
					"item %s has a standing bid; settle or undo it before advancing", cur.ID)
			}
		}
		mut := &store.Mutation{Auction: st.auction}
		next, err := e.advance(st, mut)
		if err != nil {
			return nil, err
		}
		result = &AdvanceResult{AuctionID: auctionID, NextItemID: next, Recycled: len(mut.Items)}
		return &outcome{mutation: mut, events: []emitEvent{{EventAuctionAdvanced, result}}}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "rotation advanced",
		slog.String("auction_id", auctionID),
		slog.Int("recycled", result.Recycled),
	)
	return result, nil
}
