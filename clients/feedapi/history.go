package feedapi

import (
	"context"
	"fmt"

	"github.com/goalmate/realtime/internal/models"
)

// The methods below adapt the typed endpoints to the feed-shaped history
// contract the coordinator consumes: every feed loads pages of normalized
// items with an opaque backward cursor.

// FetchPage loads one page of history for a feed, the most recent page
// when before is nil. The inbox has no pagination; it always returns the
// whole (capped) listing with an exhausted cursor.
func (c *Client) FetchPage(ctx context.Context, feed models.FeedID, before *int64) ([]models.Item, *int64, error) {
	switch feed.Kind {
	case models.FeedKindRoom:
		page, err := c.FetchMessages(ctx, feed.RoomID, before)
		if err != nil {
			return nil, nil, err
		}
		items := make([]models.Item, 0, len(page.Messages))
		for _, msg := range page.Messages {
			items = append(items, msg.Item())
		}
		return items, page.NextCursor, nil

	case models.FeedKindInbox:
		notifications, err := c.ListNotifications(ctx)
		if err != nil {
			return nil, nil, err
		}
		items := make([]models.Item, 0, len(notifications))
		for _, notification := range notifications {
			items = append(items, notification.Item())
		}
		return items, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown feed kind %q", feed.Kind)
	}
}

// MarkItemRead flips an item's read flag. Only inbox items carry one.
func (c *Client) MarkItemRead(ctx context.Context, feed models.FeedID, itemID int64, isRead bool) (*models.Item, error) {
	if feed.Kind != models.FeedKindInbox {
		return nil, fmt.Errorf("feed %s does not track read state", feed)
	}
	notification, err := c.MarkNotificationRead(ctx, itemID, isRead)
	if err != nil {
		return nil, err
	}
	item := notification.Item()
	return &item, nil
}
