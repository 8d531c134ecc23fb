package models

import (
	"encoding/json"
	"time"
)

// Notification is the wire shape of an inbox notification.
type Notification struct {
	ID         int64     `json:"id"`
	SenderID   *int64    `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
	Sender     *Sender   `json:"sender"`
}

// NotificationPayload is the feed-item payload for notifications.
type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Item converts the notification into the normalized feed item.
func (n Notification) Item() Item {
	payload, _ := json.Marshal(NotificationPayload{Title: n.Title, Body: n.Body})
	return Item{
		ID:        n.ID,
		Feed:      InboxFeed(),
		CreatedAt: n.CreatedAt,
		Read:      n.IsRead,
		Sender:    n.Sender,
		Payload:   payload,
	}
}
