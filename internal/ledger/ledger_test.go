package ledger_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/larsvolden/squad-auction-service/internal/ledger"
)

var t0 = time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)

func at(offset int) time.Time { return t0.Add(time.Duration(offset) * time.Second) }

func TestRecordBidCurrentBid(t *testing.T) {
	var l ledger.Log

	if got := l.CurrentBidFor("item-1"); got != nil {
		t.Fatalf("CurrentBidFor on empty log = %+v, want nil", got)
	}

	l.RecordBid("item-1", "team-a", 100, at(0))
	l.RecordBid("item-1", "team-b", 200, at(1))

	got := l.CurrentBidFor("item-1")
	if got == nil {
		t.Fatal("CurrentBidFor = nil, want entry")
	}
	if got.BidderID != "team-b" || got.Amount != 200 {
		t.Errorf("CurrentBidFor = %s/%d, want team-b/200", got.BidderID, got.Amount)
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
	if head := l.Head(); head == nil || head.Amount != 200 {
		t.Errorf("Head = %+v, want newest bid", head)
	}
}

func TestSessionScoping(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))
	l.RecordBid("item-1", "team-b", 200, at(1))
	l.RecordSold("item-1", "team-b", 200, at(2))

	if got := l.CurrentBidFor("item-1"); got != nil {
		t.Errorf("CurrentBidFor after sale = %+v, want nil", got)
	}

	// Item comes back around: only the new session is visible.
	l.RecordBid("item-1", "team-c", 100, at(3))
	got := l.CurrentBidFor("item-1")
	if got == nil || got.BidderID != "team-c" || got.Amount != 100 {
		t.Fatalf("CurrentBidFor in new session = %+v, want team-c/100", got)
	}
	if bids := l.SessionBids("item-1"); len(bids) != 1 {
		t.Errorf("SessionBids = %d entries, want 1", len(bids))
	}

	// Other items are unaffected by item-1's boundary.
	l.RecordBid("item-2", "team-a", 100, at(4))
	if got := l.CurrentBidFor("item-2"); got == nil || got.BidderID != "team-a" {
		t.Errorf("CurrentBidFor(item-2) = %+v, want team-a/100", got)
	}
}

func TestUnsoldClosesSession(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))
	l.RecordUnsold("item-1", at(1))

	if got := l.CurrentBidFor("item-1"); got != nil {
		t.Errorf("CurrentBidFor after unsold = %+v, want nil", got)
	}
}

func TestBidUndoReadAsBoundary(t *testing.T) {
	// Ledgers written by older engines contain BID_UNDO markers instead of
	// physically removed bids. On read they must close the session.
	raw := `[
		{"type":"BID_UNDO","itemId":"item-1","timestamp":"2026-03-14T19:00:02Z"},
		{"type":"BID","itemId":"item-1","bidderId":"team-b","amount":200,"timestamp":"2026-03-14T19:00:01Z"},
		{"type":"BID","itemId":"item-1","bidderId":"team-a","amount":100,"timestamp":"2026-03-14T19:00:00Z"}
	]`
	var l ledger.Log
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := l.CurrentBidFor("item-1"); got != nil {
		t.Errorf("CurrentBidFor below BID_UNDO = %+v, want nil", got)
	}
}

func TestLegacyEntriesNeverMatch(t *testing.T) {
	raw := `[
		{"type":"BID","itemId":"item-1","bidderId":"team-a","amount":100,"timestamp":"2026-03-14T19:00:01Z"},
		{"type":"BID","bidderId":"team-x","amount":999,"timestamp":"2026-03-14T19:00:00Z"},
		{"type":"SOLD","bidderId":"team-x","amount":999,"timestamp":"2026-03-14T18:59:00Z"}
	]`
	var l ledger.Log
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got := l.CurrentBidFor("item-1")
	if got == nil || got.BidderID != "team-a" {
		t.Fatalf("CurrentBidFor = %+v, want team-a/100", got)
	}
	if got := l.CurrentBidFor(""); got != nil {
		t.Errorf("CurrentBidFor(empty id) = %+v, want nil", got)
	}
}

func TestPopBid(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))
	l.RecordBid("item-1", "team-b", 200, at(1))

	removed, err := l.PopBid("item-1")
	if err != nil {
		t.Fatalf("PopBid: %v", err)
	}
	if removed.BidderID != "team-b" || removed.Amount != 200 {
		t.Errorf("removed = %s/%d, want team-b/200", removed.BidderID, removed.Amount)
	}
	restored := l.CurrentBidFor("item-1")
	if restored == nil || restored.BidderID != "team-a" || restored.Amount != 100 {
		t.Errorf("restored bid = %+v, want team-a/100", restored)
	}

	if _, err := l.PopBid("item-2"); err == nil {
		t.Error("PopBid for wrong item succeeded, want error")
	}

	l.RecordSold("item-1", "team-a", 100, at(2))
	if _, err := l.PopBid("item-1"); err == nil {
		t.Error("PopBid with sale at head succeeded, want error")
	}

	var empty ledger.Log
	if _, err := empty.PopBid("item-1"); err == nil {
		t.Error("PopBid on empty log succeeded, want error")
	}
}

func TestPopSoldReopensSession(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))
	l.RecordBid("item-1", "team-b", 200, at(1))
	l.RecordSold("item-1", "team-b", 200, at(2))

	sold, err := l.PopSold()
	if err != nil {
		t.Fatalf("PopSold: %v", err)
	}
	if sold.BidderID != "team-b" || sold.Amount != 200 {
		t.Errorf("popped sale = %s/%d, want team-b/200", sold.BidderID, sold.Amount)
	}
	got := l.CurrentBidFor("item-1")
	if got == nil || got.BidderID != "team-b" || got.Amount != 200 {
		t.Errorf("CurrentBidFor after undo = %+v, want team-b/200", got)
	}

	if _, err := l.PopSold(); err == nil {
		t.Error("PopSold with bid at head succeeded, want error")
	}
}

func TestPurgeItem(t *testing.T) {
	raw := `[
		{"type":"BID","itemId":"item-2","bidderId":"team-a","amount":100,"timestamp":"2026-03-14T19:00:04Z"},
		{"type":"BID_UNDO","itemId":"item-1","timestamp":"2026-03-14T19:00:03Z"},
		{"type":"BID","itemId":"item-1","bidderId":"team-b","amount":200,"timestamp":"2026-03-14T19:00:02Z"},
		{"type":"BID","itemId":"item-1","bidderId":"team-a","amount":100,"timestamp":"2026-03-14T19:00:01Z"},
		{"type":"UNSOLD","itemId":"item-3","timestamp":"2026-03-14T19:00:00Z"}
	]`
	var l ledger.Log
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	removed := l.PurgeItem("item-1")
	if removed != 3 {
		t.Errorf("PurgeItem removed %d, want 3", removed)
	}
	if l.Len() != 2 {
		t.Errorf("Len after purge = %d, want 2", l.Len())
	}
	for _, e := range l.Entries() {
		if e.ItemID == "item-1" {
			t.Errorf("entry for item-1 survived purge: %+v", e)
		}
	}
	// Boundary entries of other items stay put.
	if got := l.CurrentBidFor("item-2"); got == nil || got.BidderID != "team-a" {
		t.Errorf("CurrentBidFor(item-2) = %+v, want team-a/100", got)
	}

	if removed := l.PurgeItem("item-1"); removed != 0 {
		t.Errorf("second purge removed %d, want 0", removed)
	}
}

func TestLastBidForIgnoresBoundaries(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))
	l.RecordSold("item-1", "team-a", 100, at(1))

	if got := l.CurrentBidFor("item-1"); got != nil {
		t.Fatalf("CurrentBidFor = %+v, want nil", got)
	}
	got := l.LastBidFor("item-1")
	if got == nil || got.BidderID != "team-a" || got.Amount != 100 {
		t.Errorf("LastBidFor = %+v, want team-a/100", got)
	}
	if got := l.LastBidFor("item-9"); got != nil {
		t.Errorf("LastBidFor(unknown) = %+v, want nil", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))
	l.RecordBid("item-1", "team-b", 200, at(1))
	l.RecordSold("item-1", "team-b", 200, at(2))
	l.RecordBid("item-2", "team-a", 100, at(3))

	data, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var back ledger.Log
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Len() != l.Len() {
		t.Fatalf("round trip Len = %d, want %d", back.Len(), l.Len())
	}
	want := l.Entries()
	got := back.Entries()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	// The rebuilt session index answers reads identically.
	if cb := back.CurrentBidFor("item-1"); cb != nil {
		t.Errorf("CurrentBidFor(item-1) after round trip = %+v, want nil", cb)
	}
	if cb := back.CurrentBidFor("item-2"); cb == nil || cb.BidderID != "team-a" {
		t.Errorf("CurrentBidFor(item-2) after round trip = %+v, want team-a/100", cb)
	}
}

func TestMarshalEmptyLog(t *testing.T) {
	var l ledger.Log
	data, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("Marshal empty log = %s, want []", data)
	}
}

func TestUnmarshalUnknownKind(t *testing.T) {
	raw := `[{"type":"PAID","itemId":"item-1","timestamp":"2026-03-14T19:00:00Z"}]`
	var l ledger.Log
	if err := json.Unmarshal([]byte(raw), &l); err == nil {
		t.Error("Unmarshal with unknown type succeeded, want error")
	}
}

func TestScanValue(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))

	v, err := l.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	raw, ok := v.([]byte)
	if !ok {
		t.Fatalf("Value returned %T, want []byte", v)
	}

	var back ledger.Log
	if err := back.Scan(raw); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := back.CurrentBidFor("item-1"); got == nil || got.Amount != 100 {
		t.Errorf("CurrentBidFor after scan = %+v, want team-a/100", got)
	}

	var fromNil ledger.Log
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if fromNil.Len() != 0 {
		t.Errorf("Len after Scan(nil) = %d, want 0", fromNil.Len())
	}

	if err := back.Scan(42); err == nil {
		t.Error("Scan(int) succeeded, want error")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))

	c := l.Clone()
	c.RecordBid("item-1", "team-b", 200, at(1))

	if got := l.CurrentBidFor("item-1"); got == nil || got.Amount != 100 {
		t.Errorf("original CurrentBidFor = %+v, want team-a/100 after clone mutation", got)
	}
	if got := c.CurrentBidFor("item-1"); got == nil || got.Amount != 200 {
		t.Errorf("clone CurrentBidFor = %+v, want team-b/200", got)
	}
}

func TestClear(t *testing.T) {
	var l ledger.Log
	l.RecordBid("item-1", "team-a", 100, at(0))
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", l.Len())
	}
	if got := l.CurrentBidFor("item-1"); got != nil {
		t.Errorf("CurrentBidFor after Clear = %+v, want nil", got)
	}
}
