package auction

import (
	"errors"
	"fmt"
)

// Class buckets rejections by how callers should treat them.
type Class string

const (
	// ClassValidation marks a malformed request. Request-local, no state touched.
	ClassValidation Class = "validation"
	// ClassBusinessRule marks a well-formed request refused by an auction rule.
	ClassBusinessRule Class = "business_rule"
	// ClassConflict marks a request that lost a concurrent race after a retry.
	ClassConflict Class = "conflict"
)

// Reason identifies the specific rule behind a rejection.
type Reason string

const (
	ReasonMissingField      Reason = "MISSING_FIELD"
	ReasonInvalidAmount     Reason = "INVALID_AMOUNT"
	ReasonIncrementTooLow   Reason = "INCREMENT_TOO_LOW"
	ReasonInsufficientPurse Reason = "INSUFFICIENT_PURSE"
	ReasonSelfOutbid        Reason = "SELF_OUTBID"
	ReasonRosterFull        Reason = "ROSTER_FULL"
	ReasonReserveShortfall  Reason = "RESERVE_SHORTFALL"
	ReasonNotAcceptingBids  Reason = "NOT_ACCEPTING_BIDS"
	ReasonNoCurrentItem     Reason = "NO_CURRENT_ITEM"
	ReasonItemNotAvailable  Reason = "ITEM_NOT_AVAILABLE"
	ReasonDuplicateSale     Reason = "DUPLICATE_SALE"
	ReasonBidsOutstanding   Reason = "BIDS_OUTSTANDING"
	ReasonNothingToUndo     Reason = "NOTHING_TO_UNDO"
	ReasonIllegalTransition Reason = "ILLEGAL_TRANSITION"
	ReasonNoAvailableItems  Reason = "NO_AVAILABLE_ITEMS"
	ReasonNotDraft          Reason = "NOT_DRAFT"
	ReasonInvalidRules      Reason = "INVALID_RULES"
	ReasonConflict          Reason = "CONFLICT"
)

// Detail carries the arithmetic behind a rejection so callers can explain the
// outcome without re-deriving it.
type Detail struct {
	CurrentBid       int64  `json:"currentBid,omitempty"`
	RequiredMinimum  int64  `json:"requiredMinimum,omitempty"`
	RemainingPurse   int64  `json:"remainingPurse,omitempty"`
	RequiredReserve  int64  `json:"requiredReserve,omitempty"`
	ReserveShortfall int64  `json:"reserveShortfall,omitempty"`
	BoughtCount      int    `json:"boughtCount,omitempty"`
	MaxTeamSize      int    `json:"maxTeamSize,omitempty"`
	Status           string `json:"status,omitempty"`
}

// Rejection is a refused operation. It is an expected outcome rather than a
// fault: no state was mutated and the caller may correct the request.
type Rejection struct {
	Class   Class  `json:"class"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	Detail  Detail `json:"detail,omitzero"`
}

// Error implements the error interface.
func (r *Rejection) Error() string { return fmt.Sprintf("%s: %s", r.Reason, r.Message) }

// AsRejection returns the Rejection in err's chain, if any.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

func rejectf(class Class, reason Reason, d Detail, format string, args ...any) *Rejection {
	return &Rejection{Class: class, Reason: reason, Message: fmt.Sprintf(format, args...), Detail: d}
}

// InvariantError reports state that should be impossible: it indicates a bug
// in the surrounding system, not a user mistake. The operation is aborted and
// state left untouched.
type InvariantError struct {
	Op  string
	Msg string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Msg)
}

// AsInvariant returns the InvariantError in err's chain, if any.
func AsInvariant(err error) (*InvariantError, bool) {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

func invariantf(op, format string, args ...any) *InvariantError {
	return &InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
