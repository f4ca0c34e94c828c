// Package model defines the core domain types for GoChat.
package model

// Status is a user's presence as mirrored in durable storage.
type Status string

const (
	StatusOffline Status = "offline" // Default; every user starts here after a restart
	StatusOnline  Status = "online"
)

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

// ParseStatus converts a string to a Status, defaulting to offline.
func ParseStatus(s string) Status {
	if Status(s) == StatusOnline {
		return StatusOnline
	}
	return StatusOffline
}

// Identity is the verified (user id, display name) pair a connection carries
// for its whole lifetime.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}
