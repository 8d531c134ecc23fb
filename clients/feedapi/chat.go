package feedapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/goalmate/realtime/internal/models"
)

// MessagePage is one page of chat history. Messages are normalized to
// ascending (timestamp, id) order regardless of the backend's convention;
// NextCursor is the id to pass as beforeID for the next older page, nil
// when history is exhausted.
type MessagePage struct {
	Messages   []models.ChatMessage `json:"messages"`
	NextCursor *int64               `json:"nextCursor"`
}

// ListRooms fetches the chat rooms visible to the authenticated user.
func (c *Client) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := c.get(ctx, roomsEndpoint, &rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// FetchMessages loads one page of room history, the most recent page when
// beforeID is nil.
func (c *Client) FetchMessages(ctx context.Context, roomID int64, beforeID *int64) (*MessagePage, error) {
	endpoint := roomMessagesEndpoint(roomID)
	if beforeID != nil {
		endpoint = fmt.Sprintf("%s?beforeId=%d", endpoint, *beforeID)
	}

	var page MessagePage
	if err := c.get(ctx, endpoint, &page); err != nil {
		return nil, fmt.Errorf("fetch messages for room %d: %w", roomID, err)
	}

	sort.Slice(page.Messages, func(i, j int) bool {
		a, b := page.Messages[i], page.Messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return &page, nil
}

// SendMessage posts a message to a room over REST and returns the
// confirmed message. Callers that hold a live push channel send through
// it instead; this path does not need one.
func (c *Client) SendMessage(ctx context.Context, roomID int64, content string) (*models.ChatMessage, error) {
	payload := struct {
		Content string `json:"content"`
	}{Content: content}

	var msg models.ChatMessage
	if err := c.send(ctx, http.MethodPost, roomMessagesEndpoint(roomID), payload, &msg); err != nil {
		return nil, fmt.Errorf("send message to room %d: %w", roomID, err)
	}
	return &msg, nil
}
