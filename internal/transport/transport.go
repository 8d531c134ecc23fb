// Package transport provides the duplex push-channel abstraction the feed
// coordinator drives. A Conn is bound to one authenticated identity; it
// emits inbound feed events and accepts request/response sends. Adapters
// exist for WebSocket (the default backend wire) and NATS.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goalmate/realtime/internal/models"
)

// ErrConnClosed is returned by Send when the connection is no longer live.
var ErrConnClosed = errors.New("transport: connection closed")

// Credential carries what an adapter needs to open a channel for one
// identity.
type Credential struct {
	UserID int64
	Token  string
}

// EventKind classifies inbound events.
type EventKind string

const (
	// EventItem carries a feed item: a chat message or a notification.
	EventItem EventKind = "item"
	// EventUnreadCount carries a server-pushed inbox unread count.
	EventUnreadCount EventKind = "unread_count"
	// EventCapabilityDisabled signals the chat capability was turned off
	// for this account out-of-band.
	EventCapabilityDisabled EventKind = "capability_disabled"
)

// Event is one inbound push event.
type Event struct {
	Kind        EventKind
	Feed        models.FeedID
	Item        *models.Item
	UnreadCount int
}

// SendRequest is an outbound request/response send on a feed.
type SendRequest struct {
	Feed    models.FeedID
	Payload json.RawMessage
}

// Conn is one live push channel. Done is closed when the connection dies
// and Err then reports the cause, nil for a local Close. Consumers must
// select on Done alongside Events; adapters are not required to close the
// event channel.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, req SendRequest) (*models.Item, error)
	Close() error
	Done() <-chan struct{}
	Err() error
}

// Transport opens connections. The coordinator owns at most one Conn at a
// time and never re-dials on its own; an adapter may carry its own
// reconnect policy underneath a single Conn.
type Transport interface {
	Open(ctx context.Context, cred Credential) (Conn, error)
}

// frame is the wire envelope shared by the adapters.
type frame struct {
	Type  string          `json:"type"`
	Seq   uint64          `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

const (
	frameChatMessage        = "chat:message"
	frameChatDisabled       = "chat:disabled"
	frameNotificationNew    = "notification:new"
	frameNotificationUpdate = "notification:update"
	frameNotificationCount  = "notification:count"
	frameSend               = "send"
	frameAck                = "ack"
	frameError              = "error"
)

// sendEnvelope is the payload of an outbound send frame.
type sendEnvelope struct {
	Feed    models.FeedID   `json:"feed"`
	Payload json.RawMessage `json:"payload"`
}

// decodeEvent maps an inbound frame to an Event. Unknown frame types
// decode to nil with no error; the adapters log and drop them.
func decodeEvent(f frame) (*Event, error) {
	switch f.Type {
	case frameChatMessage:
		var msg models.ChatMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return nil, fmt.Errorf("decode chat message: %w", err)
		}
		item := msg.Item()
		return &Event{Kind: EventItem, Feed: item.Feed, Item: &item}, nil

	case frameNotificationNew, frameNotificationUpdate:
		var notif models.Notification
		if err := json.Unmarshal(f.Data, &notif); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		item := notif.Item()
		return &Event{Kind: EventItem, Feed: item.Feed, Item: &item}, nil

	case frameNotificationCount:
		var payload struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode unread count: %w", err)
		}
		return &Event{Kind: EventUnreadCount, Feed: models.InboxFeed(), UnreadCount: payload.Count}, nil

	case frameChatDisabled:
		return &Event{Kind: EventCapabilityDisabled}, nil

	default:
		return nil, nil
	}
}

// decodeAckItem decodes a send confirmation into the normalized item,
// using the feed kind the request was issued against.
func decodeAckItem(feed models.FeedID, data json.RawMessage) (*models.Item, error) {
	if feed.Kind == models.FeedKindInbox {
		var notif models.Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, fmt.Errorf("decode notification ack: %w", err)
		}
		item := notif.Item()
		return &item, nil
	}
	var msg models.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message ack: %w", err)
	}
	item := msg.Item()
	return &item, nil
}
