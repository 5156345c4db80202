package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/connexus-ai/rag-aggregator/internal/middleware"
	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// TokenMinter mints PeerTokens scoping the caller to a set of target owners.
type TokenMinter interface {
	Mint(ctx context.Context, userID string, targetOwners []string, expireSeconds int) (*model.PeerToken, error)
}

// peerTokenRequest is the body of POST /api/v1/peer-token.
type peerTokenRequest struct {
	TargetUsernames []string `json:"target_usernames"`
}

// peerTokenResponse is the body returned on a successful mint.
type peerTokenResponse struct {
	PeerToken    string `json:"peer_token"`
	PeerChannel  string `json:"peer_channel"`
	ExpiresIn    int    `json:"expires_in"`
	TransportURL string `json:"transport_url"`
}

// PeerTokenDeps bundles the services needed by the peer-token handler.
type PeerTokenDeps struct {
	Authority     TokenMinter
	ExpireSeconds int
	Metrics       *middleware.Metrics // optional, tracks mint volume
}

// PeerToken handles POST /api/v1/peer-token (authenticated). Mints a
// short-lived credential scoping the caller to the requested target owners.
func PeerToken(deps PeerTokenDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var req peerTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if len(req.TargetUsernames) == 0 {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "target_usernames must not be empty"})
			return
		}

		pt, err := deps.Authority.Mint(r.Context(), userID, req.TargetUsernames, deps.ExpireSeconds)
		if err != nil {
			slog.Error("peer token mint failed", "user_id", userID, "error", err)
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "failed to mint peer token"})
			return
		}
		if deps.Metrics != nil {
			deps.Metrics.IncrementPeerTokenMints()
		}

		respondJSON(w, http.StatusOK, peerTokenResponse{
			PeerToken:    pt.Token,
			PeerChannel:  pt.PeerChannel,
			ExpiresIn:    pt.ExpiresInSec,
			TransportURL: pt.TransportURL,
		})
	}
}
