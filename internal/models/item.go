package models

import (
	"encoding/json"
	"time"
)

// Item is the atomic synchronized unit: a chat message or a notification,
// normalized so one merge algorithm serves both. The server-assigned ID is
// the sole identity key; two items with the same id are the same item
// regardless of which source delivered them.
type Item struct {
	ID        int64           `json:"id"`
	Feed      FeedID          `json:"feed"`
	CreatedAt time.Time       `json:"createdAt"`
	// Read is a mutable flag; chat messages have no read tracking and are
	// always considered read.
	Read    bool            `json:"isRead"`
	Sender  *Sender         `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Sender identifies the user an item originated from.
type Sender struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

// Before reports whether a sorts strictly before b in the ledger order:
// ascending by creation time, id as the tie break so equal timestamps
// still order deterministically.
func (a Item) Before(b Item) bool {
	at, bt := a.CreatedAt.UnixMilli(), b.CreatedAt.UnixMilli()
	if at != bt {
		return at < bt
	}
	return a.ID < b.ID
}
