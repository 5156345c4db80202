package service

import (
	"context"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/apperr"
	"github.com/connexus-ai/rag-aggregator/internal/client"
	"github.com/connexus-ai/rag-aggregator/internal/model"
	"github.com/connexus-ai/rag-aggregator/internal/tunnel"
)

// Transport is what RetrievalService and GenerationService depend on to
// reach a peer, direct or tunneled. TransportRouter is the production
// implementation; tests substitute a fake.
type Transport interface {
	QueryDataSource(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, query string, topK int) model.RetrievalResult
	Chat(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (model.GenerationResult, error)
	ChatStream(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (<-chan client.StreamChunk, <-chan error)
}

// TransportRouter dispatches a data-source or model call to either the
// direct HTTP client or the tunnel's PeerClient, based on whether the
// endpoint's URL carries model.TunnelingPrefix. A nil peerToken paired with
// a tunneled endpoint (e.g. a request that carried no bearer token) fails
// that call: Chat and ChatStream return a TunnelAuthFailure, while
// QueryDataSource returns a RetrievalResult with an error status.
type TransportRouter struct {
	dataSource *client.DataSourceClient
	model      *client.ModelClient
	peer       *tunnel.PeerClient
}

// NewTransportRouter wires the direct and tunnel transports behind one
// dispatch point. peer may be nil when the deployment has no tunnel bus
// configured; tunneled endpoints then always fail in the same way as with a
// nil peerToken.
func NewTransportRouter(dataSource *client.DataSourceClient, modelClient *client.ModelClient, peer *tunnel.PeerClient) *TransportRouter {
	return &TransportRouter{dataSource: dataSource, model: modelClient, peer: peer}
}

// QueryDataSource dispatches one retrieval leg.
func (r *TransportRouter) QueryDataSource(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, query string, topK int) model.RetrievalResult {
	if !model.IsTunneled(ref.URL) {
		return r.dataSource.Query(ctx, ref.URL, ref.Name, query, topK)
	}
	if r.peer == nil || peerToken == nil {
		return model.RetrievalResult{
			EndpointPath: ref.Name,
			Status:       model.RetrievalError,
			ErrorMessage: "tunnel transport unavailable: no peer token",
		}
	}
	owner := model.TunnelOwner(ref.URL)
	return r.peer.Query(ctx, peerToken, owner, ref.Name, query, topK)
}

// Chat dispatches one unary generation call.
func (r *TransportRouter) Chat(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (model.GenerationResult, error) {
	if !model.IsTunneled(ref.URL) {
		return r.model.Chat(ctx, ref.URL, messages)
	}
	if r.peer == nil || peerToken == nil {
		return model.GenerationResult{}, apperr.NewTunnelAuthFailure("tunnel transport unavailable: no peer token")
	}
	owner := model.TunnelOwner(ref.URL)
	return r.peer.Chat(ctx, peerToken, owner, ref.Name, messages)
}

// ChatStream dispatches one streaming generation call, returning channels
// in the shape internal/client.ModelClient.ChatStream uses.
func (r *TransportRouter) ChatStream(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (<-chan client.StreamChunk, <-chan error) {
	if !model.IsTunneled(ref.URL) {
		return r.model.ChatStream(ctx, ref.URL, messages)
	}
	if r.peer == nil || peerToken == nil {
		chunkCh := make(chan client.StreamChunk)
		errCh := make(chan error, 1)
		close(chunkCh)
		errCh <- apperr.NewTunnelAuthFailure("tunnel transport unavailable: no peer token")
		close(errCh)
		return chunkCh, errCh
	}
	owner := model.TunnelOwner(ref.URL)
	raw, errs := r.peer.ChatStream(ctx, peerToken, owner, ref.Name, messages)

	chunkCh := make(chan client.StreamChunk)
	errCh := make(chan error, 1)
	go func() {
		defer close(chunkCh)
		defer close(errCh)
		for content := range raw {
			chunkCh <- client.StreamChunk{Content: content}
		}
		if err := <-errs; err != nil {
			errCh <- err
		}
	}()
	return chunkCh, errCh
}

// defaultRetrievalTimeout is used when the caller doesn't set a per-leg
// deadline explicitly.
const defaultRetrievalTimeout = 30 * time.Second
