package handlers

import "net/http"

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Check: deps.HealthCheck}
	friends := FriendHandler{Relationships: deps.Relationships, Reconciler: deps.Reconciler, Limiter: deps.SendLimiter}
	streams := StreamHandler{Feeds: deps.Feeds}

	mux.HandleFunc("/healthz", health.Handle)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	mux.HandleFunc("POST /api/v1/friends/requests", friends.Send)
	mux.HandleFunc("GET /api/v1/friends/requests/incoming", friends.Incoming)
	mux.HandleFunc("GET /api/v1/friends/requests/outgoing", friends.Outgoing)
	mux.HandleFunc("POST /api/v1/friends/requests/{id}/accept", friends.Accept)
	mux.HandleFunc("POST /api/v1/friends/requests/{id}/reject", friends.Reject)
	mux.HandleFunc("DELETE /api/v1/friends/requests/{id}", friends.Cancel)
	mux.HandleFunc("GET /api/v1/friends", friends.List)
	mux.HandleFunc("DELETE /api/v1/friends/{friendId}", friends.Remove)
	mux.HandleFunc("GET /api/v1/friends/status/{otherId}", friends.Status)
	mux.HandleFunc("POST /api/v1/friends/reconcile/{otherId}", friends.Reconcile)
	mux.HandleFunc("GET /api/v1/friends/stream/requests", streams.IncomingRequests)
	mux.HandleFunc("GET /api/v1/friends/stream/friends", streams.Friends)
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Relationships RelationshipService
	Reconciler    PairReconciler
	Feeds         FeedSubscriber
	SendLimiter   RateLimiter
	Metrics       http.Handler
	HealthCheck   HealthCheck
}
