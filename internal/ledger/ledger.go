package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goalmate/realtime/internal/models"
)

// MergeMode selects how a history page combines with the current set.
type MergeMode int

const (
	// Replace discards the current set; the page becomes the new base.
	// Used for a feed's first load or an explicit refresh. Items that
	// arrived over the push channel before the page landed are dropped
	// too: the replacing page is authoritative for recent history, and
	// the live echo of anything newer will arrive again on its own.
	Replace MergeMode = iota
	// Prepend merges older page items into the set without disturbing
	// items that are already present. On an id conflict the existing
	// item wins, since a history page is never fresher than a live
	// observation.
	Prepend
)

// Ledger holds the deduplicated, ordered item set for one feed.
//
// Invariant: the visible order is always ascending by (timestamp, id)
// with no duplicate ids, regardless of the arrival order of the merges
// that produced it. Re-merging a known id is a no-op beyond payload
// overwrite, which makes every merge idempotent and order-independent.
type Ledger struct {
	mu        sync.RWMutex
	feed      models.FeedID
	retention int
	byID      map[int64]models.Item
	order     []models.Item
	// cursor marks the oldest id retrieved from history; nil means
	// either no page has loaded yet or history is exhausted.
	cursor *int64
}

// New creates an empty ledger for a feed. retention caps the set at the
// N most recent items (0 means unbounded). A negative retention is a
// programming error and panics.
func New(feed models.FeedID, retention int) *Ledger {
	if retention < 0 {
		panic(fmt.Sprintf("ledger: negative retention cap %d for feed %s", retention, feed))
	}
	return &Ledger{
		feed:      feed,
		retention: retention,
		byID:      make(map[int64]models.Item),
	}
}

// Feed returns the feed this ledger belongs to.
func (l *Ledger) Feed() models.FeedID {
	return l.feed
}

// MergePage merges a history page into the set.
func (l *Ledger) MergePage(items []models.Item, mode MergeMode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mode == Replace {
		l.byID = make(map[int64]models.Item, len(items))
	}
	for _, item := range items {
		if mode == Prepend {
			if _, exists := l.byID[item.ID]; exists {
				continue
			}
		}
		l.byID[item.ID] = item
	}
	l.rebuild()
}

// MergeOne merges a single live-observed item: a push arrival or a local
// send confirmation. The most recently observed payload wins.
func (l *Ledger) MergeOne(item models.Item) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.byID[item.ID] = item
	l.rebuild()
}

// rebuild re-derives the sorted view from the id map and applies the
// retention cap. Callers hold the write lock.
func (l *Ledger) rebuild() {
	order := make([]models.Item, 0, len(l.byID))
	for _, item := range l.byID {
		order = append(order, item)
	}
	sort.Slice(order, func(i, j int) bool {
		return order[i].Before(order[j])
	})

	if l.retention > 0 && len(order) > l.retention {
		evicted := order[:len(order)-l.retention]
		order = order[len(order)-l.retention:]
		for _, item := range evicted {
			delete(l.byID, item.ID)
		}
	}
	l.order = order
}

// SetCursor records the pagination boundary returned by the latest
// history page; nil means history is exhausted.
func (l *Ledger) SetCursor(cursor *int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cursor = cursor
}

// Cursor returns the current pagination boundary, or nil.
func (l *Ledger) Cursor() *int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursor
}

// HasMoreHistory reports whether an older page can still be requested.
func (l *Ledger) HasMoreHistory() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursor != nil
}

// OrderedItems returns a copy of the item set in ledger order.
func (l *Ledger) OrderedItems() []models.Item {
	l.mu.RLock()
	defer l.mu.RUnlock()
	items := make([]models.Item, len(l.order))
	copy(items, l.order)
	return items
}

// Len returns the number of items currently held.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// UnreadCount returns how many items have the read flag unset.
func (l *Ledger) UnreadCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	count := 0
	for _, item := range l.order {
		if !item.Read {
			count++
		}
	}
	return count
}
