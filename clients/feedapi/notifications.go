package feedapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goalmate/realtime/internal/models"
)

// ListNotifications fetches the full inbox, newest first per backend
// convention.
func (c *Client) ListNotifications(ctx context.Context) ([]models.Notification, error) {
	var notifications []models.Notification
	if err := c.get(ctx, notificationsEndpoint, &notifications); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}

// FetchUnreadCount fetches the server-side unread counter.
func (c *Client) FetchUnreadCount(ctx context.Context) (int, error) {
	var payload struct {
		Count int `json:"count"`
	}
	if err := c.get(ctx, unreadCountEndpoint, &payload); err != nil {
		return 0, fmt.Errorf("fetch unread count: %w", err)
	}
	return payload.Count, nil
}

// MarkNotificationRead flips the read flag and returns the updated
// notification.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID int64, isRead bool) (*models.Notification, error) {
	payload := struct {
		IsRead bool `json:"isRead"`
	}{IsRead: isRead}

	var notification models.Notification
	if err := c.send(ctx, http.MethodPatch, notificationReadEndpoint(notificationID), payload, &notification); err != nil {
		return nil, fmt.Errorf("mark notification %d read: %w", notificationID, err)
	}
	return &notification, nil
}
