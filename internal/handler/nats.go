package handler

import (
	"net/http"

	"github.com/connexus-ai/rag-aggregator/internal/middleware"
)

// NATSCredentialsDeps bundles the configured transport auth token.
type NATSCredentialsDeps struct {
	TransportAuth string
}

// natsCredentialsResponse is the body returned by GET /api/v1/nats/credentials.
type natsCredentialsResponse struct {
	NATSAuthToken string `json:"nats_auth_token"`
}

// NATSCredentials handles GET /api/v1/nats/credentials (authenticated).
// Unlike PeerToken, this is an unscoped passthrough of the deployment's
// configured transport auth token — every authenticated caller gets the
// same bus credential, since the bus-level auth only gates connecting to
// the transport, not which peer owners a caller may address.
func NATSCredentials(deps NATSCredentialsDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		respondJSON(w, http.StatusOK, natsCredentialsResponse{NATSAuthToken: deps.TransportAuth})
	}
}
