// Package events publishes relationship state transitions for downstream consumers.
package events

import (
	"context"
	"time"
)

// Type names a relationship transition.
type Type string

const (
	RequestCreated    Type = "friend_request.created"
	RequestResent     Type = "friend_request.resent"
	RequestAccepted   Type = "friend_request.accepted"
	RequestRejected   Type = "friend_request.rejected"
	RequestCancelled  Type = "friend_request.cancelled"
	FriendshipRemoved Type = "friendship.removed"
)

// Event describes one completed transition.
type Event struct {
	Type       Type      `json:"type"`
	RequestID  string    `json:"requestId,omitempty"`
	FromUserID string    `json:"fromUserId,omitempty"`
	ToUserID   string    `json:"toUserId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
