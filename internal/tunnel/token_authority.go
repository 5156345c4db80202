package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/rag-aggregator/internal/model"
	"github.com/connexus-ai/rag-aggregator/internal/ttlstore"
)

// TokenAuthority mints, validates, and revokes PeerTokens: short-lived
// credentials that authorize the orchestrator to address a set of peer
// owners on the tunnel bus on behalf of an authenticated user.
type TokenAuthority struct {
	store         *ttlstore.Store[model.PeerToken]
	transportURL  string
	transportAuth string
}

// NewTokenAuthority builds an authority backed by an in-process TTL store.
// transportURL/transportAuth are handed back to callers in every minted
// token so they know how to dial the bus themselves.
func NewTokenAuthority(cleanupInterval time.Duration, transportURL, transportAuth string) *TokenAuthority {
	return &TokenAuthority{
		store:         ttlstore.New[model.PeerToken](cleanupInterval),
		transportURL:  transportURL,
		transportAuth: transportAuth,
	}
}

// Mint creates a new token scoped to userID and targetOwners, valid for
// expireSeconds (60-3600 per the caller-enforced bound in internal/config).
func (a *TokenAuthority) Mint(ctx context.Context, userID string, targetOwners []string, expireSeconds int) (*model.PeerToken, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("tunnel: mint peer token: %w", err)
	}

	pt := model.PeerToken{
		Token:         token,
		PeerChannel:   "peer_" + uuid.New().String(),
		UserID:        userID,
		TargetOwners:  targetOwners,
		ExpiresInSec:  expireSeconds,
		ExpiresAt:     time.Now().Add(time.Duration(expireSeconds) * time.Second),
		TransportURL:  a.transportURL,
		TransportAuth: a.transportAuth,
	}

	a.store.Set(pt.Token, pt, time.Duration(expireSeconds)*time.Second)
	return &pt, nil
}

// Validate looks up token and, if present and unexpired, returns it with
// ExpiresInSec refreshed to reflect the remaining TTL.
func (a *TokenAuthority) Validate(ctx context.Context, token string) (*model.PeerToken, error) {
	pt, ok := a.store.Get(token)
	if !ok {
		return nil, fmt.Errorf("tunnel: peer token not found or expired")
	}
	if remaining, ok := a.store.TTL(token); ok {
		pt.ExpiresInSec = int(remaining.Seconds())
	}
	return &pt, nil
}

// Revoke deletes token immediately. Returns false if it was already absent.
func (a *TokenAuthority) Revoke(ctx context.Context, token string) bool {
	return a.store.Delete(token)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pt_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
