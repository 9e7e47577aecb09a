package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vidfriends/relationships/internal/logging"
	"github.com/vidfriends/relationships/internal/models"
	"github.com/vidfriends/relationships/internal/relationships"
)

// FriendHandler provides friend request, friend list and status endpoints.
type FriendHandler struct {
	Relationships RelationshipService
	Reconciler    PairReconciler
	Limiter       RateLimiter
}

type sendRequest struct {
	ToUserID string `json:"toUserId"`
}

type partialWriteResponse struct {
	Status  string   `json:"status"`
	Partial bool     `json:"partial"`
	Pending []string `json:"pendingUsers"`
}

// Send handles POST /api/v1/friends/requests.
func (h FriendHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return
	}

	if !allowRequest(h.Limiter, r, "send") {
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many friend requests"})
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid friend request payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
		return
	}
	req.ToUserID = strings.TrimSpace(req.ToUserID)
	if req.ToUserID == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "toUserId is required"})
		return
	}

	result, err := h.Relationships.SendRequest(ctx, caller, req.ToUserID)
	if err != nil {
		var partial *relationships.PartialWriteError
		if errors.As(err, &partial) && result.Outcome == relationships.AutoAccepted {
			respondJSON(ctx, w, http.StatusMultiStatus, partialResponse(result.Outcome.String(), partial))
			return
		}
		h.respondError(ctx, w, "send friend request", err)
		return
	}

	switch result.Outcome {
	case relationships.Created:
		respondJSON(ctx, w, http.StatusCreated, result)
	case relationships.AlreadyFriends, relationships.DuplicateRequest:
		respondJSON(ctx, w, http.StatusConflict, result)
	default:
		respondJSON(ctx, w, http.StatusOK, result)
	}
}

// Accept handles POST /api/v1/friends/requests/{id}/accept.
func (h FriendHandler) Accept(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.addressedRequest(ctx, w, r, func(caller string, req models.FriendRequest) bool {
		return req.ToUserID == caller
	})
	if !ok {
		return
	}

	if err := h.Relationships.AcceptRequest(ctx, req.ID, req.FromUserID, req.ToUserID); err != nil {
		var partial *relationships.PartialWriteError
		if errors.As(err, &partial) {
			respondJSON(ctx, w, http.StatusMultiStatus, partialResponse(string(models.RequestAccepted), partial))
			return
		}
		h.respondError(ctx, w, "accept friend request", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": string(models.RequestAccepted)})
}

// Reject handles POST /api/v1/friends/requests/{id}/reject.
func (h FriendHandler) Reject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.addressedRequest(ctx, w, r, func(caller string, req models.FriendRequest) bool {
		return req.ToUserID == caller
	})
	if !ok {
		return
	}

	if err := h.Relationships.RejectRequest(ctx, req.ID); err != nil {
		h.respondError(ctx, w, "reject friend request", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": string(models.RequestRejected)})
}

// Cancel handles DELETE /api/v1/friends/requests/{id}.
func (h FriendHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.addressedRequest(ctx, w, r, func(caller string, req models.FriendRequest) bool {
		return req.FromUserID == caller
	})
	if !ok {
		return
	}

	if err := h.Relationships.CancelRequest(ctx, req.ID); err != nil {
		h.respondError(ctx, w, "cancel friend request", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Incoming handles GET /api/v1/friends/requests/incoming.
func (h FriendHandler) Incoming(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return
	}

	reqs, err := h.Relationships.IncomingRequests(ctx, caller)
	if err != nil {
		h.respondError(ctx, w, "list incoming requests", err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"requests": nonNil(reqs)})
}

// Outgoing handles GET /api/v1/friends/requests/outgoing.
func (h FriendHandler) Outgoing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return
	}

	reqs, err := h.Relationships.OutgoingRequests(ctx, caller)
	if err != nil {
		h.respondError(ctx, w, "list outgoing requests", err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"requests": nonNil(reqs)})
}

// List handles GET /api/v1/friends.
func (h FriendHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return
	}

	friends, err := h.Relationships.Friends(ctx, caller)
	if err != nil {
		h.respondError(ctx, w, "list friends", err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"friends": nonNil(friends)})
}

// Remove handles DELETE /api/v1/friends/{friendId}.
func (h FriendHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return
	}

	friendID := strings.TrimSpace(r.PathValue("friendId"))
	if friendID == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "friend id is required"})
		return
	}

	if err := h.Relationships.RemoveFriend(ctx, caller, friendID); err != nil {
		var partial *relationships.PartialWriteError
		if errors.As(err, &partial) {
			respondJSON(ctx, w, http.StatusMultiStatus, partialResponse("removed", partial))
			return
		}
		h.respondError(ctx, w, "remove friend", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /api/v1/friends/status/{otherId}.
func (h FriendHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return
	}

	other := strings.TrimSpace(r.PathValue("otherId"))
	status, err := h.Relationships.CheckFriendshipStatus(ctx, caller, other)
	if err != nil {
		h.respondError(ctx, w, "check friendship status", err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]string{"status": string(status)})
}

// Reconcile handles POST /api/v1/friends/reconcile/{otherId}.
func (h FriendHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return
	}
	if h.Reconciler == nil {
		respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "reconciler unavailable"})
		return
	}

	other := strings.TrimSpace(r.PathValue("otherId"))
	report, err := h.Reconciler.Reconcile(ctx, caller, other)
	if err != nil {
		h.respondError(ctx, w, "reconcile pair", err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, report)
}

// addressedRequest loads the request named in the path and checks that the
// caller is allowed to act on it.
func (h FriendHandler) addressedRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, allowed func(caller string, req models.FriendRequest) bool) (models.FriendRequest, bool) {
	caller, ok := requireCaller(ctx, w, r)
	if !ok {
		return models.FriendRequest{}, false
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "request id is required"})
		return models.FriendRequest{}, false
	}

	req, err := h.Relationships.Request(ctx, id)
	if err != nil {
		h.respondError(ctx, w, "load friend request", err)
		return models.FriendRequest{}, false
	}
	if !allowed(caller, req) {
		respondJSON(ctx, w, http.StatusForbidden, map[string]string{"error": "not permitted to modify this request"})
		return models.FriendRequest{}, false
	}
	return req, true
}

func (h FriendHandler) respondError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	logger := logging.FromContext(ctx)

	switch {
	case errors.Is(err, relationships.ErrNotFound):
		respondJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "friend request not found"})
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn(op+" timed out", "error", err)
		respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "request timed out"})
	default:
		logger.Error(op+" failed", "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func requireCaller(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := callerID(r)
	if caller == "" {
		respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": UserIDHeader + " header is required"})
		return "", false
	}
	return caller, true
}

func partialResponse(status string, err *relationships.PartialWriteError) partialWriteResponse {
	resp := partialWriteResponse{Status: status, Partial: true}
	for _, step := range err.Failed() {
		resp.Pending = append(resp.Pending, step.UserID)
	}
	return resp
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
