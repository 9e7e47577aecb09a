package handlers

import (
	"context"

	"github.com/vidfriends/relationships/internal/models"
	"github.com/vidfriends/relationships/internal/relationships"
	"github.com/vidfriends/relationships/internal/subscriptions"
)

// RelationshipService captures the friend request operations exposed over HTTP.
type RelationshipService interface {
	SendRequest(ctx context.Context, from, to string) (relationships.SendResult, error)
	AcceptRequest(ctx context.Context, requestID, from, to string) error
	RejectRequest(ctx context.Context, requestID string) error
	CancelRequest(ctx context.Context, requestID string) error
	RemoveFriend(ctx context.Context, a, b string) error
	CheckFriendshipStatus(ctx context.Context, a, b string) (models.FriendshipStatus, error)
	Request(ctx context.Context, requestID string) (models.FriendRequest, error)
	IncomingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error)
	OutgoingRequests(ctx context.Context, userID string) ([]models.FriendRequest, error)
	Friends(ctx context.Context, userID string) ([]string, error)
}

// PairReconciler repairs the relationship state of a single pair on demand.
type PairReconciler interface {
	Reconcile(ctx context.Context, a, b string) (relationships.Report, error)
}

// FeedSubscriber opens live relationship feeds.
type FeedSubscriber interface {
	SubscribeIncomingRequests(ctx context.Context, userID string, onChange func([]models.FriendRequest)) (*subscriptions.Subscription, error)
	SubscribeFriends(ctx context.Context, userID string, onChange func([]string)) (*subscriptions.Subscription, error)
}
