package models

import "time"

// Identity is the authenticated user as reported by the session stream.
// ChatEnabled is the per-account capability that gates all realtime
// features; it can toggle without the identity changing.
type Identity struct {
	UserID      int64  `json:"id"`
	Username    string `json:"username"`
	ChatEnabled bool   `json:"isChatEnabled"`
}

// Session is a point-in-time view of the authentication state. A zero
// Session means signed out.
type Session struct {
	Authenticated bool
	Identity      Identity
	Token         string
	// ExpiresAt is when the token stops being valid. Zero means unknown,
	// in which case no client-side expiry is scheduled.
	ExpiresAt time.Time
}

// CanUseFeeds reports whether realtime features are permitted for this
// session: the user must be authenticated and have the chat capability.
func (s Session) CanUseFeeds() bool {
	return s.Authenticated && s.Identity.ChatEnabled
}

// SameIdentity compares two sessions by identity id, not by reference or
// token. Two sessions for the same user are the same identity even if the
// token was refreshed in between.
func (s Session) SameIdentity(other Session) bool {
	if !s.Authenticated || !other.Authenticated {
		return false
	}
	return s.Identity.UserID == other.Identity.UserID
}
