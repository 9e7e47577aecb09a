package relationships

import (
	"context"
	"errors"
	"fmt"

	"github.com/vidfriends/relationships/internal/docstore"
	"github.com/vidfriends/relationships/internal/models"
)

// Document kinds owned by the relationship manager.
const (
	KindRequests docstore.Kind = "friendRequests"
	KindUsers    docstore.Kind = "users"
	KindRepairs  docstore.Kind = "relationshipRepairs"
)

const (
	fieldFrom    = "fromUserId"
	fieldTo      = "toUserId"
	fieldStatus  = "status"
	fieldFriends = "friends"
	fieldUser    = "userId"
	fieldFriend  = "friendId"
	fieldOp      = "op"
)

// RequestUniqueFields are the fields that identify one directed request. Store
// backends index them as unique.
var RequestUniqueFields = []string{fieldFrom, fieldTo}

// Repository translates relationship operations into document store calls.
type Repository struct {
	store docstore.Store
}

// NewRepository constructs a repository over store.
func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

// CreateRequest stores a new pending request and returns its id.
func (r *Repository) CreateRequest(ctx context.Context, from, to string) (string, error) {
	id, err := r.store.Create(ctx, KindRequests, map[string]any{
		fieldFrom:   from,
		fieldTo:     to,
		fieldStatus: string(models.RequestPending),
	})
	if err != nil {
		return "", fmt.Errorf("create friend request: %w", err)
	}
	return id, nil
}

// Request loads a request by id.
func (r *Repository) Request(ctx context.Context, id string) (models.FriendRequest, error) {
	doc, err := r.store.Get(ctx, KindRequests, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return models.FriendRequest{}, ErrNotFound
		}
		return models.FriendRequest{}, fmt.Errorf("get friend request: %w", err)
	}
	return RequestFromDocument(doc), nil
}

// FindRequest returns the request from -> to. If the pair was written more
// than once a pending document wins, then the most recently updated one.
func (r *Repository) FindRequest(ctx context.Context, from, to string) (models.FriendRequest, bool, error) {
	docs, err := r.store.Query(ctx, KindRequests, docstore.Eq(fieldFrom, from), docstore.Eq(fieldTo, to))
	if err != nil {
		return models.FriendRequest{}, false, fmt.Errorf("find friend request: %w", err)
	}
	if len(docs) == 0 {
		return models.FriendRequest{}, false, nil
	}

	best := RequestFromDocument(docs[0])
	for _, doc := range docs[1:] {
		candidate := RequestFromDocument(doc)
		if preferRequest(candidate, best) {
			best = candidate
		}
	}
	return best, true, nil
}

func preferRequest(candidate, current models.FriendRequest) bool {
	candidatePending := candidate.Status == models.RequestPending
	currentPending := current.Status == models.RequestPending
	if candidatePending != currentPending {
		return candidatePending
	}
	return candidate.UpdatedAt.After(current.UpdatedAt)
}

// SetStatus rewrites the status of a request.
func (r *Repository) SetStatus(ctx context.Context, id string, status models.RequestStatus) error {
	err := r.store.Update(ctx, KindRequests, id, docstore.Update{
		Set: map[string]any{fieldStatus: string(status)},
	})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("update friend request status: %w", err)
	}
	return nil
}

// DeleteRequest removes a request document.
func (r *Repository) DeleteRequest(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, KindRequests, id); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete friend request: %w", err)
	}
	return nil
}

// Incoming lists pending requests addressed to userID.
func (r *Repository) Incoming(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	return r.queryRequests(ctx, docstore.Eq(fieldTo, userID), docstore.Eq(fieldStatus, string(models.RequestPending)))
}

// Outgoing lists pending requests sent by userID.
func (r *Repository) Outgoing(ctx context.Context, userID string) ([]models.FriendRequest, error) {
	return r.queryRequests(ctx, docstore.Eq(fieldFrom, userID), docstore.Eq(fieldStatus, string(models.RequestPending)))
}

// RequestsByStatus lists every request in status.
func (r *Repository) RequestsByStatus(ctx context.Context, status models.RequestStatus) ([]models.FriendRequest, error) {
	return r.queryRequests(ctx, docstore.Eq(fieldStatus, string(status)))
}

func (r *Repository) queryRequests(ctx context.Context, filters ...docstore.Filter) ([]models.FriendRequest, error) {
	docs, err := r.store.Query(ctx, KindRequests, filters...)
	if err != nil {
		return nil, fmt.Errorf("query friend requests: %w", err)
	}
	out := make([]models.FriendRequest, 0, len(docs))
	for _, doc := range docs {
		out = append(out, RequestFromDocument(doc))
	}
	return out, nil
}

// Friends returns the friend set of userID, empty when the user has no document.
func (r *Repository) Friends(ctx context.Context, userID string) ([]string, error) {
	doc, err := r.store.Get(ctx, KindUsers, userID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("get friends: %w", err)
	}
	return FriendsFromDocument(doc), nil
}

// FriendSets returns the friend set of every user that has a document.
func (r *Repository) FriendSets(ctx context.Context) (map[string][]string, error) {
	docs, err := r.store.Query(ctx, KindUsers)
	if err != nil {
		return nil, fmt.Errorf("query friend sets: %w", err)
	}
	out := make(map[string][]string, len(docs))
	for _, doc := range docs {
		out[doc.ID] = FriendsFromDocument(doc)
	}
	return out, nil
}

// AddFriend unions friendID into the friend set of userID, creating the user document if needed.
func (r *Repository) AddFriend(ctx context.Context, userID, friendID string) error {
	err := r.store.Update(ctx, KindUsers, userID, docstore.Update{
		Union:  map[string][]string{fieldFriends: {friendID}},
		Upsert: true,
	})
	if err != nil {
		return fmt.Errorf("add friend: %w", err)
	}
	return nil
}

// RemoveFriend removes friendID from the friend set of userID. A missing user
// document already satisfies the removal.
func (r *Repository) RemoveFriend(ctx context.Context, userID, friendID string) error {
	err := r.store.Update(ctx, KindUsers, userID, docstore.Update{
		Remove: map[string][]string{fieldFriends: {friendID}},
	})
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("remove friend: %w", err)
	}
	return nil
}

// RecordRepair journals a friend-set write that still has to be applied.
func (r *Repository) RecordRepair(ctx context.Context, repair models.Repair) (string, error) {
	id, err := r.store.Create(ctx, KindRepairs, map[string]any{
		fieldUser:   repair.UserID,
		fieldFriend: repair.FriendID,
		fieldOp:     string(repair.Op),
	})
	if err != nil {
		return "", fmt.Errorf("record repair: %w", err)
	}
	return id, nil
}

// Repairs lists every journaled repair, oldest first.
func (r *Repository) Repairs(ctx context.Context) ([]models.Repair, error) {
	return r.queryRepairs(ctx)
}

// RepairsFor lists the journaled repairs for userID -> friendID.
func (r *Repository) RepairsFor(ctx context.Context, userID, friendID string) ([]models.Repair, error) {
	return r.queryRepairs(ctx, docstore.Eq(fieldUser, userID), docstore.Eq(fieldFriend, friendID))
}

func (r *Repository) queryRepairs(ctx context.Context, filters ...docstore.Filter) ([]models.Repair, error) {
	docs, err := r.store.Query(ctx, KindRepairs, filters...)
	if err != nil {
		return nil, fmt.Errorf("query repairs: %w", err)
	}
	out := make([]models.Repair, 0, len(docs))
	for _, doc := range docs {
		out = append(out, models.Repair{
			ID:        doc.ID,
			UserID:    doc.String(fieldUser),
			FriendID:  doc.String(fieldFriend),
			Op:        models.RepairOp(doc.String(fieldOp)),
			CreatedAt: doc.CreatedAt,
		})
	}
	return out, nil
}

// DeleteRepair drops a journal entry once applied.
func (r *Repository) DeleteRepair(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, KindRepairs, id); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("delete repair: %w", err)
	}
	return nil
}

// RequestFromDocument decodes a friendRequests document.
func RequestFromDocument(doc docstore.Document) models.FriendRequest {
	return models.FriendRequest{
		ID:         doc.ID,
		FromUserID: doc.String(fieldFrom),
		ToUserID:   doc.String(fieldTo),
		Status:     models.RequestStatus(doc.String(fieldStatus)),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
}

// FriendsFromDocument decodes the friend set of a users document.
func FriendsFromDocument(doc docstore.Document) []string {
	friends := doc.Strings(fieldFriends)
	if friends == nil {
		return []string{}
	}
	return friends
}

// IncomingTarget is the store target backing the incoming request feed of userID.
func IncomingTarget(userID string) docstore.Target {
	return docstore.Target{Kind: KindRequests, Filters: []docstore.Filter{docstore.Eq(fieldTo, userID)}}
}

// FriendsTarget is the store target backing the friends feed of userID.
func FriendsTarget(userID string) docstore.Target {
	return docstore.Target{Kind: KindUsers, DocID: userID}
}
