package models

import "time"

// User is a member of the directory. Password credentials are kept out of
// this struct; the auth package owns hashing and verification.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Meeting is the persisted record backing a call room. The meeting id doubles
// as the room id on both coordinators.
type Meeting struct {
	ID        string    `json:"id"`
	CreatorID string    `json:"creator"`
	CreatedAt time.Time `json:"createdAt"`
}

// Waiting-entry statuses persisted by the admission coordinator.
const (
	WaitingStatusWaiting  = "waiting"
	WaitingStatusAdmitted = "admitted"
)

// WaitingEntry tracks a not-yet-admitted user's request to join a room. An
// admitted entry survives disconnects so a returning user is not forced
// through approval twice.
type WaitingEntry struct {
	RoomID      string `json:"-"`
	UserID      string `json:"-"`
	Status      string `json:"status"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}
