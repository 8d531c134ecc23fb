package models

import (
	"encoding/json"
	"time"
)

// ChatMessage is the wire shape of a chat message, shared by the REST
// history endpoint and the push channel.
type ChatMessage struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"roomId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Sender    Sender    `json:"sender"`
}

// MessagePayload is the feed-item payload for chat messages.
type MessagePayload struct {
	Content string `json:"content"`
}

// Item converts the message into the normalized feed item. Chat messages
// carry no read flag, so they never contribute to unread counts.
func (m ChatMessage) Item() Item {
	sender := m.Sender
	payload, _ := json.Marshal(MessagePayload{Content: m.Content})
	return Item{
		ID:        m.ID,
		Feed:      RoomFeed(m.RoomID),
		CreatedAt: m.CreatedAt,
		Read:      true,
		Sender:    &sender,
		Payload:   payload,
	}
}
