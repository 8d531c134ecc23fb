package feedapi

import "fmt"

const (
	roomsEndpoint         = "/chat/rooms"
	notificationsEndpoint = "/notifications"
	unreadCountEndpoint   = "/notifications/unread-count"
)

func roomMessagesEndpoint(roomID int64) string {
	return fmt.Sprintf("%s/%d/messages", roomsEndpoint, roomID)
}

func notificationReadEndpoint(notificationID int64) string {
	return fmt.Sprintf("%s/%d/read", notificationsEndpoint, notificationID)
}
