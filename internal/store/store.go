// Package store defines the persisted auction records and the repository
// contracts storage drivers implement.
package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/larsvolden/squad-auction-service/internal/ledger"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateID is returned when a create collides with an existing id.
	ErrDuplicateID = errors.New("store: duplicate id")
	// ErrVersionConflict is returned by Apply when the auction row changed
	// after the caller loaded it.
	ErrVersionConflict = errors.New("store: version conflict")
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionDraft     AuctionStatus = "DRAFT"
	AuctionLive      AuctionStatus = "LIVE"
	AuctionPaused    AuctionStatus = "PAUSED"
	AuctionMockRun   AuctionStatus = "MOCK_RUN"
	AuctionCompleted AuctionStatus = "COMPLETED"
)

// Valid reports whether s is a known status.
func (s AuctionStatus) Valid() bool {
	switch s {
	case AuctionDraft, AuctionLive, AuctionPaused, AuctionMockRun, AuctionCompleted:
		return true
	}
	return false
}

// AcceptsBids reports whether bids and settlements may be taken in s.
// MOCK_RUN behaves exactly like LIVE; only its entry and exit paths differ.
func (s AuctionStatus) AcceptsBids() bool {
	return s == AuctionLive || s == AuctionMockRun
}

// Terminal reports whether s admits no further transitions.
func (s AuctionStatus) Terminal() bool { return s == AuctionCompleted }

// ItemStatus is the sale state of an item.
type ItemStatus string

const (
	ItemAvailable ItemStatus = "AVAILABLE"
	ItemSold      ItemStatus = "SOLD"
	ItemUnsold    ItemStatus = "UNSOLD"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemAvailable, ItemSold, ItemUnsold:
		return true
	}
	return false
}

// Rules parameterizes bidding and settlement for one auction. Zero values
// disable the optional constraints: a MaxTeamSize of 0 means no roster cap,
// a MandatoryTeamSize of 0 disables the reserve rule.
type Rules struct {
	MinBidIncrement     int64 `json:"minBidIncrement"`
	CountdownSeconds    int   `json:"countdownSeconds"`
	MaxTeamSize         int   `json:"maxTeamSize"`
	MandatoryTeamSize   int   `json:"mandatoryTeamSize"`
	MinPerPlayerReserve int64 `json:"minPerPlayerReserve"`
	EnforcePurse        bool  `json:"enforcePurse"`
	IconPlayerCount     int   `json:"iconPlayerCount"`
}

// DefaultRules returns the rule set new auctions start from.
func DefaultRules() Rules {
	return Rules{
		MinBidIncrement:  100,
		CountdownSeconds: 30,
		EnforcePurse:     true,
		IconPlayerCount:  3,
	}
}

// Validate checks the rule set for internal consistency.
func (r Rules) Validate() error {
	if r.MinBidIncrement <= 0 {
		return fmt.Errorf("minBidIncrement must be positive, got %d", r.MinBidIncrement)
	}
	if r.CountdownSeconds < 0 {
		return fmt.Errorf("countdownSeconds must not be negative, got %d", r.CountdownSeconds)
	}
	if r.MaxTeamSize < 0 || r.MandatoryTeamSize < 0 {
		return errors.New("team sizes must not be negative")
	}
	if r.MaxTeamSize > 0 && r.MandatoryTeamSize > r.MaxTeamSize {
		return fmt.Errorf("mandatoryTeamSize %d exceeds maxTeamSize %d", r.MandatoryTeamSize, r.MaxTeamSize)
	}
	if r.MinPerPlayerReserve < 0 {
		return fmt.Errorf("minPerPlayerReserve must not be negative, got %d", r.MinPerPlayerReserve)
	}
	if r.IconPlayerCount < 0 {
		return fmt.Errorf("iconPlayerCount must not be negative, got %d", r.IconPlayerCount)
	}
	return nil
}

// Value implements driver.Valuer so Rules persist as a JSONB column.
func (r Rules) Value() (driver.Value, error) { return json.Marshal(r) }

// Scan implements sql.Scanner.
func (r *Rules) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = Rules{}
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	}
	return fmt.Errorf("store: cannot scan %T into Rules", src)
}

// Auction is the persisted aggregate. Status, rules and the bid ledger ride
// in one row so a settlement decision and the ledger it was made from are
// written together.
type Auction struct {
	ID             string        `db:"id" json:"id"`
	Name           string        `db:"name" json:"name"`
	CreatedBy      string        `db:"created_by" json:"createdBy"`
	Status         AuctionStatus `db:"status" json:"status"`
	Rules          Rules         `db:"rules" json:"rules"`
	CurrentItemID  *string       `db:"current_item_id" json:"currentItemId,omitempty"`
	CountdownUntil *time.Time    `db:"countdown_until" json:"countdownUntil,omitempty"`
	Ledger         ledger.Log    `db:"ledger" json:"ledger"`
	Version        int64         `db:"version" json:"-"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updatedAt"`
}

// Item is one lot in an auction, typically a player. Data carries opaque
// display attributes the engine never interprets.
type Item struct {
	ID        string          `db:"id" json:"id"`
	AuctionID string          `db:"auction_id" json:"auctionId"`
	Name      string          `db:"name" json:"name"`
	IsIcon    bool            `db:"is_icon" json:"isIcon"`
	Status    ItemStatus      `db:"status" json:"status"`
	SoldTo    *string         `db:"sold_to" json:"soldTo,omitempty"`
	SoldPrice *int64          `db:"sold_price" json:"soldPrice,omitempty"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// Bidder is a team taking part in an auction. PurseAmount is the initial
// allocation and never changes; RemainingPurse only moves through settlement
// and its undo.
type Bidder struct {
	ID             string    `db:"id" json:"id"`
	AuctionID      string    `db:"auction_id" json:"auctionId"`
	Name           string    `db:"name" json:"name"`
	PurseAmount    int64     `db:"purse_amount" json:"purseAmount"`
	RemainingPurse int64     `db:"remaining_purse" json:"remainingPurse"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// Mutation is the atomic write set of one engine operation. Auction.Version
// holds the version the decision was made against; drivers bump it on write
// and fail with ErrVersionConflict when the row moved underneath. Items are
// updated as given, and PurseDeltas are added to each bidder's remaining
// purse. All of it commits together or not at all.
type Mutation struct {
	Auction     *Auction
	Items       []*Item
	PurseDeltas map[string]int64
}

// AuctionRepository stores auction aggregates.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	List(ctx context.Context) ([]*Auction, error)
	ListByStatus(ctx context.Context, status AuctionStatus) ([]*Auction, error)
	Delete(ctx context.Context, id string) error
	Apply(ctx context.Context, m *Mutation) error
}

// ItemRepository stores auction items.
type ItemRepository interface {
	CreateBatch(ctx context.Context, items []*Item) error
	GetByID(ctx context.Context, id string) (*Item, error)
	ListByAuction(ctx context.Context, auctionID string) ([]*Item, error)
}

// BidderRepository stores auction bidders.
type BidderRepository interface {
	CreateBatch(ctx context.Context, bidders []*Bidder) error
	GetByID(ctx context.Context, id string) (*Bidder, error)
	ListByAuction(ctx context.Context, auctionID string) ([]*Bidder, error)
}
