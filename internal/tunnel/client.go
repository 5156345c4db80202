package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// PeerClient reaches data source and model peers over the tunnel bus
// instead of direct HTTP, used whenever an EndpointRef.URL carries the
// model.TunnelingPrefix. It implements the same operation shapes as
// internal/client's HTTP clients so the retrieval and generation services
// don't need to know which transport a given endpoint uses.
type PeerClient struct {
	bus           Bus
	senderOwner   string
	requestBudget time.Duration
}

// NewPeerClient builds a PeerClient bound to a single bus connection.
// senderOwner identifies the aggregator itself in outgoing envelopes.
func NewPeerClient(bus Bus, senderOwner string, requestBudget time.Duration) *PeerClient {
	return &PeerClient{bus: bus, senderOwner: senderOwner, requestBudget: requestBudget}
}

// Query performs a data-source leg against a tunneled peer. It mints no
// token itself — token is supplied by the caller, already validated by
// TokenAuthority — and publishes on peer.<owner>.inbox, correlating the
// reply by request_id on the token's peer_channel.
func (c *PeerClient) Query(ctx context.Context, token *model.PeerToken, owner, endpointSlug, query string, topK int) model.RetrievalResult {
	start := time.Now()

	payload := map[string]any{"query": query, "top_k": topK}
	envelope := model.TunnelEnvelope{
		ProtocolVersion: model.TunnelProtocolVersion,
		RequestID:       uuid.New().String(),
		ReplyTo:         token.PeerChannel,
		SenderOwner:     c.senderOwner,
		TargetOwner:     owner,
		EndpointSlug:    endpointSlug,
		EndpointType:    model.EndpointDataSource,
		Payload:         payload,
		DeadlineMs:      c.requestBudget.Milliseconds(),
	}

	reply, err := c.roundTrip(ctx, owner, token.PeerChannel, envelope)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		return model.RetrievalResult{
			EndpointPath: endpointSlug,
			Status:       model.RetrievalError,
			ErrorMessage: err.Error(),
			LatencyMs:    latencyMs,
		}
	}
	if reply.Status != "" && reply.Status != "ok" {
		return model.RetrievalResult{
			EndpointPath: endpointSlug,
			Status:       model.RetrievalError,
			ErrorMessage: fmt.Sprintf("peer error %s", reply.ErrorCode),
			LatencyMs:    latencyMs,
		}
	}

	var body struct {
		Documents []model.Document `json:"documents"`
	}
	if err := decodePayload(reply.Payload, &body); err != nil {
		return model.RetrievalResult{
			EndpointPath: endpointSlug,
			Status:       model.RetrievalError,
			ErrorMessage: "malformed peer payload: " + err.Error(),
			LatencyMs:    latencyMs,
		}
	}

	return model.RetrievalResult{
		EndpointPath: endpointSlug,
		Documents:    body.Documents,
		Status:       model.RetrievalSuccess,
		LatencyMs:    latencyMs,
	}
}

// Chat performs a unary generation call against a tunneled model peer.
func (c *PeerClient) Chat(ctx context.Context, token *model.PeerToken, owner, endpointSlug string, messages []model.Message) (model.GenerationResult, error) {
	start := time.Now()

	envelope := model.TunnelEnvelope{
		ProtocolVersion: model.TunnelProtocolVersion,
		RequestID:       uuid.New().String(),
		ReplyTo:         token.PeerChannel,
		SenderOwner:     c.senderOwner,
		TargetOwner:     owner,
		EndpointSlug:    endpointSlug,
		EndpointType:    model.EndpointModel,
		Payload:         map[string]any{"messages": messages},
		DeadlineMs:      c.requestBudget.Milliseconds(),
	}

	reply, err := c.roundTrip(ctx, owner, token.PeerChannel, envelope)
	if err != nil {
		return model.GenerationResult{}, err
	}
	if reply.Status != "" && reply.Status != "ok" {
		return model.GenerationResult{}, fmt.Errorf("tunnel: peer error %s", reply.ErrorCode)
	}

	var body struct {
		Response string            `json:"response"`
		Usage    *model.TokenUsage `json:"usage,omitempty"`
	}
	if err := decodePayload(reply.Payload, &body); err != nil {
		return model.GenerationResult{}, fmt.Errorf("tunnel: malformed peer payload: %w", err)
	}

	return model.GenerationResult{
		Response:  body.Response,
		LatencyMs: time.Since(start).Milliseconds(),
		Usage:     body.Usage,
	}, nil
}

// ChatStream performs a streaming generation call. Peer replies are
// ordered by ChunkIndex and delivered until one arrives with Final=true.
func (c *PeerClient) ChatStream(ctx context.Context, token *model.PeerToken, owner, endpointSlug string, messages []model.Message) (<-chan string, <-chan error) {
	chunkCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		inbox, unsubscribe, err := c.bus.Subscribe(ctx, token.PeerChannel)
		if err != nil {
			errCh <- fmt.Errorf("tunnel: subscribe to %s: %w", token.PeerChannel, err)
			return
		}
		defer unsubscribe()

		requestID := uuid.New().String()
		envelope := model.TunnelEnvelope{
			ProtocolVersion: model.TunnelProtocolVersion,
			RequestID:       requestID,
			ReplyTo:         token.PeerChannel,
			SenderOwner:     c.senderOwner,
			TargetOwner:     owner,
			EndpointSlug:    endpointSlug,
			EndpointType:    model.EndpointModel,
			Payload:         map[string]any{"messages": messages, "stream": true},
			DeadlineMs:      c.requestBudget.Milliseconds(),
		}
		raw, err := json.Marshal(envelope)
		if err != nil {
			errCh <- fmt.Errorf("tunnel: encode envelope: %w", err)
			return
		}
		if err := c.bus.Publish(ctx, inboxSubject(owner), raw); err != nil {
			errCh <- fmt.Errorf("tunnel: publish to %s: %w", inboxSubject(owner), err)
			return
		}

		pending := map[int]model.TunnelEnvelope{}
		nextIndex := 0

		deadline := time.NewTimer(c.requestBudget)
		defer deadline.Stop()

		for {
			select {
			case raw, ok := <-inbox:
				if !ok {
					errCh <- fmt.Errorf("tunnel: stream channel closed before final chunk")
					return
				}
				var reply model.TunnelEnvelope
				if err := json.Unmarshal(raw, &reply); err != nil {
					errCh <- fmt.Errorf("tunnel: malformed stream envelope: %w", err)
					return
				}
				if reply.CorrelationID != requestID && reply.RequestID != requestID {
					continue
				}
				if reply.Status != "" && reply.Status != "ok" {
					errCh <- fmt.Errorf("tunnel: peer error %s", reply.ErrorCode)
					return
				}

				pending[reply.ChunkIndex] = reply
				for {
					next, ok := pending[nextIndex]
					if !ok {
						break
					}
					delete(pending, nextIndex)
					nextIndex++

					var body struct {
						Content string `json:"content"`
					}
					if err := decodePayload(next.Payload, &body); err != nil {
						errCh <- fmt.Errorf("tunnel: malformed chunk payload: %w", err)
						return
					}
					if body.Content != "" {
						select {
						case chunkCh <- body.Content:
						case <-ctx.Done():
							return
						}
					}
					if next.Final {
						return
					}
				}
			case <-deadline.C:
				errCh <- fmt.Errorf("tunnel: stream deadline exceeded")
				return
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return chunkCh, errCh
}

func (c *PeerClient) roundTrip(ctx context.Context, owner, replyChannel string, envelope model.TunnelEnvelope) (model.TunnelEnvelope, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return model.TunnelEnvelope{}, fmt.Errorf("tunnel: encode envelope: %w", err)
	}

	inbox, unsubscribe, err := c.bus.Subscribe(ctx, replyChannel)
	if err != nil {
		return model.TunnelEnvelope{}, fmt.Errorf("tunnel: subscribe to %s: %w", replyChannel, err)
	}
	defer unsubscribe()

	if err := c.bus.Publish(ctx, inboxSubject(owner), raw); err != nil {
		return model.TunnelEnvelope{}, fmt.Errorf("tunnel: publish to %s: %w", inboxSubject(owner), err)
	}

	budget := c.requestBudget
	if envelope.DeadlineMs > 0 {
		budget = time.Duration(envelope.DeadlineMs) * time.Millisecond
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	// replyChannel is shared by every concurrent leg using the same
	// PeerToken (service/retrieval.go fans one token out across endpoints),
	// so a reply must be matched to this call's own request_id before use.
	for {
		select {
		case raw, ok := <-inbox:
			if !ok {
				return model.TunnelEnvelope{}, fmt.Errorf("tunnel: reply channel closed before response")
			}
			var reply model.TunnelEnvelope
			if err := json.Unmarshal(raw, &reply); err != nil {
				return model.TunnelEnvelope{}, fmt.Errorf("tunnel: malformed reply envelope: %w", err)
			}
			if reply.CorrelationID != envelope.RequestID && reply.RequestID != envelope.RequestID {
				continue
			}
			return reply, nil
		case <-deadline.C:
			return model.TunnelEnvelope{}, fmt.Errorf("tunnel: round trip to %s timed out after %s", owner, budget)
		case <-ctx.Done():
			return model.TunnelEnvelope{}, ctx.Err()
		}
	}
}

func inboxSubject(owner string) string {
	return "peer." + owner + ".inbox"
}

func decodePayload(payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
