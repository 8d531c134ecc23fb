package models

import "fmt"

// FeedKind discriminates the two feed shapes: chat rooms are room-backed,
// the notification inbox is account-backed (one per user).
type FeedKind string

const (
	FeedKindRoom  FeedKind = "room"
	FeedKindInbox FeedKind = "inbox"
)

// FeedID names one logical feed. It is comparable and used as a map key.
// For room feeds RoomID is the chat room id; for the inbox it is zero.
type FeedID struct {
	Kind   FeedKind `json:"kind"`
	RoomID int64    `json:"roomId,omitempty"`
}

// RoomFeed returns the feed id for a chat room.
func RoomFeed(roomID int64) FeedID {
	return FeedID{Kind: FeedKindRoom, RoomID: roomID}
}

// InboxFeed returns the feed id for the notification inbox.
func InboxFeed() FeedID {
	return FeedID{Kind: FeedKindInbox}
}

func (f FeedID) String() string {
	if f.Kind == FeedKindInbox {
		return "inbox"
	}
	return fmt.Sprintf("room:%d", f.RoomID)
}

// InboxRetention caps the inbox ledger at the most recent entries; older
// notifications fall off once the cap is exceeded. Room feeds are
// uncapped for the lifetime of the session.
const InboxRetention = 50

// Retention returns the ring-buffer cap for a feed, 0 meaning unbounded.
func (f FeedID) Retention() int {
	if f.Kind == FeedKindInbox {
		return InboxRetention
	}
	return 0
}
