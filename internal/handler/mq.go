package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/middleware"
	"github.com/connexus-ai/rag-aggregator/internal/model"
)

const mqDefaultLimit = 50

// QueueBroker abstracts the reserved-queue broker for handler testability.
type QueueBroker interface {
	Reserve(ctx context.Context, owner string, ttl time.Duration) (*model.ReservedQueue, error)
	Consume(ctx context.Context, queueID, token string, limit int) ([]model.ReservedMessage, int, error)
	Peek(ctx context.Context, owner string, limit int) ([]model.ReservedMessage, int, error)
	ClearByOwner(ctx context.Context, owner string) (int, error)
	Release(ctx context.Context, queueID, token string) (int, error)
	QueueCount() int
}

// MQDeps bundles the broker and the TTL applied to new reservations.
type MQDeps struct {
	Broker  QueueBroker
	TTL     time.Duration
	Metrics *middleware.Metrics // optional, reports live queue depth
}

type reserveQueueResponse struct {
	QueueID     string `json:"queue_id"`
	SecretToken string `json:"token"`
	ExpiresAt   string `json:"expires_at"`
}

// MQReserve handles POST /mq/reserve.
func MQReserve(deps MQDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		q, err := deps.Broker.Reserve(r.Context(), userID, deps.TTL)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "failed to reserve queue"})
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.SetReservedQueueDepth(deps.Broker.QueueCount())
		}

		respondJSON(w, http.StatusOK, reserveQueueResponse{
			QueueID:     q.QueueID,
			SecretToken: q.SecretToken,
			ExpiresAt:   q.ExpiresAt.Format(time.RFC3339),
		})
	}
}

type mqConsumeRequest struct {
	QueueID string `json:"queue_id"`
	Token   string `json:"token"`
	Limit   int    `json:"limit"`
}

type mqMessagesResponse struct {
	Messages  []model.ReservedMessage `json:"messages"`
	Remaining int                     `json:"remaining,omitempty"`
	Total     int                     `json:"total,omitempty"`
}

// MQConsume handles POST /mq/consume: token-authenticated, removes messages.
func MQConsume(deps MQDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mqConsumeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if req.QueueID == "" || req.Token == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "queue_id and token are required"})
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = mqDefaultLimit
		}

		messages, remaining, err := deps.Broker.Consume(r.Context(), req.QueueID, req.Token, limit)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: err.Error()})
			return
		}

		respondJSON(w, http.StatusOK, mqMessagesResponse{Messages: messages, Remaining: remaining})
	}
}

type mqPeekRequest struct {
	Limit int `json:"limit"`
}

// MQPeek handles POST /mq/peek (owner-auth): non-destructive read of the
// caller's own reserved queue.
func MQPeek(deps MQDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var req mqPeekRequest
		json.NewDecoder(r.Body).Decode(&req) // empty body is valid — default limit applies
		limit := req.Limit
		if limit <= 0 {
			limit = mqDefaultLimit
		}

		messages, total, err := deps.Broker.Peek(r.Context(), userID, limit)
		if err != nil {
			respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: err.Error()})
			return
		}

		respondJSON(w, http.StatusOK, mqMessagesResponse{Messages: messages, Total: total})
	}
}

type mqClearResponse struct {
	Status  string `json:"status"`
	Cleared int    `json:"cleared"`
}

// MQClear handles DELETE /mq/clear (owner-auth): deletes the caller's own
// reserved queue outright, pending messages included, authorized by identity
// rather than the per-reservation secret token.
func MQClear(deps MQDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		cleared, err := deps.Broker.ClearByOwner(r.Context(), userID)
		if err != nil {
			respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: err.Error()})
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.SetReservedQueueDepth(deps.Broker.QueueCount())
		}

		respondJSON(w, http.StatusOK, mqClearResponse{Status: "cleared", Cleared: cleared})
	}
}

type mqReleaseRequest struct {
	QueueID string `json:"queue_id"`
	Token   string `json:"token"`
}

type mqReleaseResponse struct {
	Status  string `json:"status"`
	Cleared int    `json:"cleared"`
	QueueID string `json:"queue_id"`
}

// MQRelease handles POST /mq/release: token-authenticated, deletes the queue
// outright.
func MQRelease(deps MQDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mqReleaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if req.QueueID == "" || req.Token == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "queue_id and token are required"})
			return
		}

		cleared, err := deps.Broker.Release(r.Context(), req.QueueID, req.Token)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: err.Error()})
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.SetReservedQueueDepth(deps.Broker.QueueCount())
		}

		respondJSON(w, http.StatusOK, mqReleaseResponse{Status: "released", Cleared: cleared, QueueID: req.QueueID})
	}
}
