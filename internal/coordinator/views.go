package coordinator

import (
	"github.com/goalmate/realtime/internal/models"
)

// Derived read views. All reads observe the post-merge state: whatever
// interleaving of history pages and push events produced it, the visible
// order is always the ledger sort order.

// State returns the current connection state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the last fetched room listing.
func (c *Coordinator) Rooms() []models.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]models.Room, len(c.rooms))
	copy(rooms, c.rooms)
	return rooms
}

// FeedItems returns the feed's items in ledger order, nil for a feed that
// was never activated or observed.
func (c *Coordinator) FeedItems(feed models.FeedID) []models.Item {
	c.mu.Lock()
	fs, ok := c.feeds[feed]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return fs.ledger.OrderedItems()
}

// FeedUnreadCount returns the unread count derived from one feed's ledger.
func (c *Coordinator) FeedUnreadCount(feed models.FeedID) int {
	c.mu.Lock()
	fs, ok := c.feeds[feed]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return fs.ledger.UnreadCount()
}

// UnreadCount returns the inbox unread counter: seeded from the REST
// endpoint on connect, then kept current by count pushes and local
// merges.
func (c *Coordinator) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inboxUnread
}

// HasMoreHistory reports whether an older page can be requested for the
// feed.
func (c *Coordinator) HasMoreHistory(feed models.FeedID) bool {
	c.mu.Lock()
	fs, ok := c.feeds[feed]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return fs.ledger.HasMoreHistory()
}
