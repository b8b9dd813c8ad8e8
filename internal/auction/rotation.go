package auction

import (
	"math/rand/v2"

	"github.com/larsvolden/squad-auction-service/internal/store"
)

// RandSource supplies the randomness for item selection. Tests inject a
// deterministic source.
type RandSource interface {
	IntN(n int) int
}

type systemRand struct{}

func (systemRand) IntN(n int) int { return rand.IntN(n) }

// Policy picks the next item to put on the block. Icon items go first; when
// the available pool runs dry, unsold items are recycled back in. Every
// operation that advances the auction goes through the same policy.
type Policy struct {
	rand RandSource
}

// NewPolicy returns a Policy using the given randomness source, or the
// system source when nil.
func NewPolicy(r RandSource) *Policy {
	if r == nil {
		r = systemRand{}
	}
	return &Policy{rand: r}
}

// Selection is the outcome of one rotation step. Next is nil when the pool
// is exhausted even after recycling. Recycled lists the items flipped from
// UNSOLD back to AVAILABLE, already mutated in place.
type Selection struct {
	Next     *store.Item
	Recycled []*store.Item
}

// SelectNext picks the next item from the given set. Regular items stay
// invisible while any icon item is available. An empty pool triggers one
// recycling round before giving up.
func (p *Policy) SelectNext(items []*store.Item) (*Selection, error) {
	sel := &Selection{}
	pool := filterStatus(items, store.ItemAvailable)
	if len(pool) == 0 {
		batch := filterStatus(items, store.ItemUnsold)
		if err := Recycle(batch); err != nil {
			return nil, err
		}
		sel.Recycled = batch
		pool = batch
	}
	if len(pool) == 0 {
		return sel, nil
	}
	if icons := filterIcon(pool); len(icons) > 0 {
		pool = icons
	}
	sel.Next = pool[p.rand.IntN(len(pool))]
	return sel, nil
}

// Recycle flips a batch of unsold items back to AVAILABLE, clearing their
// sale fields. A SOLD item in the batch means the caller's filtering is
// broken; nothing is mutated and the violation is reported.
func Recycle(batch []*store.Item) error {
	for _, it := range batch {
		if it.Status == store.ItemSold {
			return invariantf("rotation.recycle", "sold item %s appeared in a recycle batch", it.ID)
		}
	}
	for _, it := range batch {
		it.Status = store.ItemAvailable
		it.SoldTo = nil
		it.SoldPrice = nil
	}
	return nil
}

func filterStatus(items []*store.Item, s store.ItemStatus) []*store.Item {
	var out []*store.Item
	for _, it := range items {
		if it.Status == s {
			out = append(out, it)
		}
	}
	return out
}

func filterIcon(items []*store.Item) []*store.Item {
	var out []*store.Item
	for _, it := range items {
		if it.IsIcon {
			out = append(out, it)
		}
	}
	return out
}
