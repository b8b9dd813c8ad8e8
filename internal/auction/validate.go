package auction

import (
	"github.com/larsvolden/squad-auction-service/internal/ledger"
	"github.com/larsvolden/squad-auction-service/internal/store"
)

// BidFacts gathers everything the feasibility checks read. The checks are
// pure: they never touch storage and never mutate state.
type BidFacts struct {
	Rules      store.Rules
	CurrentBid *ledger.Entry // nil when the item's session has no bids
	BidderID   string
	Amount     int64
	Remaining  int64 // bidder's remaining purse
	Bought     int   // items this bidder has already won
}

// ValidateBid runs the feasibility pipeline in order: increment, purse,
// self-outbid, roster cap, reserve. The first failure wins.
func ValidateBid(f BidFacts) *Rejection {
	if rej := CheckIncrement(f.Rules, f.CurrentBid, f.Amount); rej != nil {
		return rej
	}
	if rej := CheckPurse(f.Rules, f.Remaining, f.Amount); rej != nil {
		return rej
	}
	if rej := CheckSelfOutbid(f.CurrentBid, f.BidderID); rej != nil {
		return rej
	}
	if rej := CheckRosterCap(f.Rules, f.Bought); rej != nil {
		return rej
	}
	if rej := CheckReserve(f.Rules, f.Remaining, f.Amount, f.Bought); rej != nil {
		return rej
	}
	return nil
}

// ValidateSettlement re-runs the financial checks against the winning amount
// right before a sale commits. Purse and roster facts may have moved since
// the bid was accepted; the bid's shape has not, so the increment and
// self-outbid checks are skipped.
func ValidateSettlement(f BidFacts) *Rejection {
	if rej := CheckPurse(f.Rules, f.Remaining, f.Amount); rej != nil {
		return rej
	}
	if rej := CheckRosterCap(f.Rules, f.Bought); rej != nil {
		return rej
	}
	if rej := CheckReserve(f.Rules, f.Remaining, f.Amount, f.Bought); rej != nil {
		return rej
	}
	return nil
}

// CheckIncrement requires the amount to be a positive multiple of the base
// increment and to clear the current bid by at least one increment. The
// item's base price is a floor enforced by the caller, not here.
func CheckIncrement(r store.Rules, current *ledger.Entry, amount int64) *Rejection {
	inc := r.MinBidIncrement
	if inc <= 0 {
		inc = 1
	}
	if amount <= 0 || amount%inc != 0 {
		return rejectf(ClassValidation, ReasonInvalidAmount, Detail{},
			"bid amount %d must be a positive multiple of %d", amount, inc)
	}
	var cur int64
	if current != nil {
		cur = current.Amount
	}
	minimum := cur + inc
	if amount < minimum {
		return rejectf(ClassBusinessRule, ReasonIncrementTooLow,
			Detail{CurrentBid: cur, RequiredMinimum: minimum},
			"bid amount %d is below the required minimum %d", amount, minimum)
	}
	return nil
}

// CheckPurse requires the amount to fit in the bidder's remaining purse.
// Disabled when the rules do not enforce purses.
func CheckPurse(r store.Rules, remaining, amount int64) *Rejection {
	if !r.EnforcePurse {
		return nil
	}
	if amount <= remaining {
		return nil
	}
	return rejectf(ClassBusinessRule, ReasonInsufficientPurse,
		Detail{RemainingPurse: remaining},
		"bid amount %d exceeds remaining purse %d", amount, remaining)
}

// CheckSelfOutbid refuses a bid from whoever already holds the current bid.
func CheckSelfOutbid(current *ledger.Entry, bidderID string) *Rejection {
	if current == nil || current.BidderID != bidderID {
		return nil
	}
	return rejectf(ClassBusinessRule, ReasonSelfOutbid,
		Detail{CurrentBid: current.Amount},
		"bidder %s already holds the current bid", bidderID)
}

// CheckRosterCap stops a bidder whose roster is full. Team size counts the
// bidder themselves, so a team of maxTeamSize buys maxTeamSize-1 items.
func CheckRosterCap(r store.Rules, bought int) *Rejection {
	if r.MaxTeamSize <= 0 {
		return nil
	}
	slots := r.MaxTeamSize - 1
	if bought < slots {
		return nil
	}
	return rejectf(ClassBusinessRule, ReasonRosterFull,
		Detail{BoughtCount: bought, MaxTeamSize: r.MaxTeamSize},
		"bidder has won %d items and may not exceed %d", bought, slots)
}

// CheckReserve requires enough purse to remain after this bid to cover one
// minimum-price purchase per unfilled mandatory slot. One exception: when
// exactly one slot would remain and the bid zeroes the purse precisely, it
// is allowed. Disabled when the rules do not enforce purses.
func CheckReserve(r store.Rules, remaining, amount int64, bought int) *Rejection {
	if !r.EnforcePurse || r.MandatoryTeamSize <= 0 || r.MinPerPlayerReserve <= 0 {
		return nil
	}
	slotsAfter := r.MandatoryTeamSize - 1 - (bought + 1)
	if slotsAfter < 0 {
		slotsAfter = 0
	}
	required := int64(slotsAfter) * r.MinPerPlayerReserve
	left := remaining - amount
	if left >= required {
		return nil
	}
	if slotsAfter == 1 && left == 0 {
		return nil
	}
	return rejectf(ClassBusinessRule, ReasonReserveShortfall,
		Detail{RemainingPurse: remaining, RequiredReserve: required, ReserveShortfall: required - left},
		"winning at %d would leave %d in the purse, short of the %d reserve for %d mandatory slots",
		amount, left, required, slotsAfter)
}
