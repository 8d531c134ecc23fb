package models

import (
	"fmt"
	"time"
)

// RoomType classifies a chat room.
type RoomType string

const (
	RoomTypeGlobal RoomType = "global"
	RoomTypeTeam   RoomType = "team"
	RoomTypeMatch  RoomType = "match"
)

// Room is a chat room as returned by the backend room listing.
type Room struct {
	ID          int64     `json:"id"`
	Type        RoomType  `json:"type"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	Team        *TeamRef  `json:"team,omitempty"`
	Match       *MatchRef `json:"match,omitempty"`
}

// TeamRef is the minimal team projection embedded in rooms.
type TeamRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// MatchRef is the minimal match projection embedded in rooms.
type MatchRef struct {
	ID          int64     `json:"id"`
	HomeTeam    TeamRef   `json:"homeTeam"`
	AwayTeam    TeamRef   `json:"awayTeam"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Feed returns the feed id backing this room.
func (r Room) Feed() FeedID {
	return RoomFeed(r.ID)
}

// Subtitle derives the display subtitle for a room from its type.
func (r Room) Subtitle() string {
	if r.Type == RoomTypeTeam {
		return "Team room"
	}
	if r.Type == RoomTypeMatch && r.Match != nil {
		return fmt.Sprintf("%s vs %s", r.Match.HomeTeam.Name, r.Match.AwayTeam.Name)
	}
	return "General community"
}
