package models

import "time"

// RequestStatus is the lifecycle state of a directed friend request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
)

// Valid reports whether s is one of the known request states.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestRejected:
		return true
	}
	return false
}

// User is the slice of an account this service reads and writes: its friend set.
type User struct {
	ID      string
	Friends []string
}

// HasFriend reports whether id is a member of the user's friend set.
func (u User) HasFriend(id string) bool {
	for _, f := range u.Friends {
		if f == id {
			return true
		}
	}
	return false
}

// FriendRequest represents one directed relationship proposal between two users.
type FriendRequest struct {
	ID         string        `json:"id"`
	FromUserID string        `json:"fromUserId"`
	ToUserID   string        `json:"toUserId"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// FriendshipStatus describes the relation between two users as seen from the first.
type FriendshipStatus string

const (
	FriendshipNone            FriendshipStatus = "none"
	FriendshipPendingSent     FriendshipStatus = "pending_sent"
	FriendshipPendingReceived FriendshipStatus = "pending_received"
	FriendshipFriends         FriendshipStatus = "friends"
)

// RepairOp names the idempotent friend-set mutation a repair entry must replay.
type RepairOp string

const (
	RepairUnion      RepairOp = "union"
	RepairDifference RepairOp = "difference"
)

// Repair records the unfinished half of a dual friend-set write.
type Repair struct {
	ID        string
	UserID    string
	FriendID  string
	Op        RepairOp
	CreatedAt time.Time
}
