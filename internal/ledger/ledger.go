// Package ledger implements the append-only bid log kept per auction.
//
// Entries are ordered newest-first. An item can pass through the auction
// block several times; each pass is a session. A SOLD, UNSOLD or BID_UNDO
// entry closes the session of the item it names, so reads that resolve
// "the current bid" never leak state from an earlier pass. The log keeps a
// materialized per-item session index that is updated in place on appends
// and rebuilt on the rarer removal paths.
package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates ledger entries.
type Kind string

const (
	KindBid    Kind = "BID"
	KindSold   Kind = "SOLD"
	KindUnsold Kind = "UNSOLD"

	// KindBidUndo appears only in ledgers recorded before undo became a
	// physical removal. It is read as a session boundary and purged when
	// the item it names is marked unsold.
	KindBidUndo Kind = "BID_UNDO"
)

func (k Kind) valid() bool {
	switch k {
	case KindBid, KindSold, KindUnsold, KindBidUndo:
		return true
	}
	return false
}

// closes reports whether an entry of this kind ends the named item's session.
func (k Kind) closes() bool {
	return k == KindSold || k == KindUnsold || k == KindBidUndo
}

// Entry is one record in the log. Entries written by early versions of the
// engine may carry an empty ItemID; such entries never match any item scan.
type Entry struct {
	Kind     Kind      `json:"type"`
	ItemID   string    `json:"itemId,omitempty"`
	BidderID string    `json:"bidderId,omitempty"`
	Amount   int64     `json:"amount,omitempty"`
	At       time.Time `json:"timestamp"`
}

// Log is the newest-first event log for one auction. The zero value is an
// empty log ready for use. Log is not safe for concurrent use; callers
// serialize access per auction.
type Log struct {
	entries []Entry

	// sessions maps itemID to the newest-first bids of that item's open
	// session. Items whose most recent entry is a boundary have no key.
	sessions map[string][]Entry
}

// Len returns the number of entries in the log.
func (l *Log) Len() int { return len(l.entries) }

// Entries returns a copy of the log, newest first.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Head returns a copy of the most recent entry, or nil for an empty log.
func (l *Log) Head() *Entry {
	if len(l.entries) == 0 {
		return nil
	}
	e := l.entries[0]
	return &e
}

// CurrentBidFor returns the standing bid for the item's current session, or
// nil when the session has no bids. A closed session never yields a bid.
func (l *Log) CurrentBidFor(itemID string) *Entry {
	s := l.sessions[itemID]
	if len(s) == 0 {
		return nil
	}
	e := s[0]
	return &e
}

// SessionBids returns the current session's bids for the item, newest first.
func (l *Log) SessionBids(itemID string) []Entry {
	s := l.sessions[itemID]
	out := make([]Entry, len(s))
	copy(out, s)
	return out
}

// LastBidFor returns the most recent bid for the item across all sessions,
// ignoring boundaries. Settlement uses it to attribute stale sale requests.
func (l *Log) LastBidFor(itemID string) *Entry {
	for _, e := range l.entries {
		if e.Kind == KindBid && e.ItemID != "" && e.ItemID == itemID {
			out := e
			return &out
		}
	}
	return nil
}

// RecordBid prepends a bid entry and returns a copy of it.
func (l *Log) RecordBid(itemID, bidderID string, amount int64, at time.Time) Entry {
	e := Entry{Kind: KindBid, ItemID: itemID, BidderID: bidderID, Amount: amount, At: at}
	l.push(e)
	if l.sessions == nil {
		l.sessions = make(map[string][]Entry)
	}
	l.sessions[itemID] = prepend(l.sessions[itemID], e)
	return e
}

// RecordSold prepends a sale entry, closing the item's session.
func (l *Log) RecordSold(itemID, bidderID string, amount int64, at time.Time) Entry {
	e := Entry{Kind: KindSold, ItemID: itemID, BidderID: bidderID, Amount: amount, At: at}
	l.push(e)
	delete(l.sessions, itemID)
	return e
}

// RecordUnsold prepends an unsold marker, closing the item's session.
func (l *Log) RecordUnsold(itemID string, at time.Time) Entry {
	e := Entry{Kind: KindUnsold, ItemID: itemID, At: at}
	l.push(e)
	delete(l.sessions, itemID)
	return e
}

// PopBid removes the most recent entry, which must be a bid for itemID, and
// returns a copy of the removed entry.
func (l *Log) PopBid(itemID string) (Entry, error) {
	if len(l.entries) == 0 {
		return Entry{}, fmt.Errorf("ledger: pop bid on empty log")
	}
	head := l.entries[0]
	if head.Kind != KindBid || head.ItemID != itemID {
		return Entry{}, fmt.Errorf("ledger: head entry is %s for item %q, not a bid for item %q", head.Kind, head.ItemID, itemID)
	}
	l.entries = l.entries[1:]
	l.rebuild()
	return head, nil
}

// PopSold removes the most recent entry, which must be a sale, and returns a
// copy of it. The bids of the reopened session become current again.
func (l *Log) PopSold() (Entry, error) {
	if len(l.entries) == 0 {
		return Entry{}, fmt.Errorf("ledger: pop sale on empty log")
	}
	head := l.entries[0]
	if head.Kind != KindSold {
		return Entry{}, fmt.Errorf("ledger: head entry is %s, not a sale", head.Kind)
	}
	l.entries = l.entries[1:]
	l.rebuild()
	return head, nil
}

// PurgeItem removes every BID and BID_UNDO entry naming the item, leaving
// boundary entries in place. It returns the number of entries removed.
func (l *Log) PurgeItem(itemID string) int {
	kept := l.entries[:0]
	removed := 0
	for _, e := range l.entries {
		if (e.Kind == KindBid || e.Kind == KindBidUndo) && e.ItemID != "" && e.ItemID == itemID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	if removed > 0 {
		l.rebuild()
	}
	return removed
}

// Clear drops every entry.
func (l *Log) Clear() {
	l.entries = nil
	l.sessions = nil
}

// Clone returns a deep copy of the log.
func (l *Log) Clone() *Log {
	c := &Log{entries: make([]Entry, len(l.entries))}
	copy(c.entries, l.entries)
	c.rebuild()
	return c
}

func (l *Log) push(e Entry) {
	l.entries = append(l.entries, Entry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = e
}

func prepend(s []Entry, e Entry) []Entry {
	s = append(s, Entry{})
	copy(s[1:], s)
	s[0] = e
	return s
}

// rebuild derives the session index from scratch. Scanning newest-first, an
// item's session collects bids until the first boundary naming that item.
func (l *Log) rebuild() {
	l.sessions = make(map[string][]Entry)
	closed := make(map[string]bool)
	for _, e := range l.entries {
		if e.ItemID == "" {
			continue
		}
		switch {
		case e.Kind == KindBid:
			if !closed[e.ItemID] {
				l.sessions[e.ItemID] = append(l.sessions[e.ItemID], e)
			}
		case e.Kind.closes():
			closed[e.ItemID] = true
		}
	}
}

// MarshalJSON encodes the log as a flat newest-first array.
func (l Log) MarshalJSON() ([]byte, error) {
	if l.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.entries)
}

// UnmarshalJSON decodes a flat newest-first array and rebuilds the session
// index. Entries of unknown kind are rejected.
func (l *Log) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("ledger: decode: %w", err)
	}
	for i, e := range entries {
		if !e.Kind.valid() {
			return fmt.Errorf("ledger: entry %d has unknown type %q", i, e.Kind)
		}
	}
	l.entries = entries
	l.rebuild()
	return nil
}

// Value implements driver.Valuer so a Log persists as a JSONB column.
func (l Log) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *Log) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = Log{}
		return nil
	case []byte:
		return l.UnmarshalJSON(v)
	case string:
		return l.UnmarshalJSON([]byte(v))
	}
	return fmt.Errorf("ledger: cannot scan %T into Log", src)
}
