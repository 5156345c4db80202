package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/apperr"
	"github.com/connexus-ai/rag-aggregator/internal/middleware"
	"github.com/connexus-ai/rag-aggregator/internal/model"
	"github.com/connexus-ai/rag-aggregator/internal/service"
)

// envelope is the uniform JSON response shape for non-streaming endpoints.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondAppError maps an *apperr.AppError (or bare error) to the envelope
// response, using the Kind's mapped HTTP status.
func respondAppError(w http.ResponseWriter, err error) {
	if ae, ok := apperr.As(err); ok {
		respondJSON(w, ae.StatusCode(), envelope{Success: false, Error: ae.Message})
		return
	}
	respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: err.Error()})
}

// TokenValidator resolves a bearer token into the PeerToken that scopes a
// tunneled request to its authorized peer owners. Nil for a deployment that
// does not front any tunneled data sources or models.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*model.PeerToken, error)
}

// ChatDeps bundles the services needed by the chat handlers.
type ChatDeps struct {
	Orchestrator *service.Orchestrator
	Tokens       TokenValidator
	Limits       service.Limits

	// TotalTimeout bounds the entire request (retrieval + generation +
	// response write), independent of the per-leg budgets in Limits. Zero
	// means no end-to-end bound beyond the per-leg ones.
	TotalTimeout time.Duration
}

// resolvePeerToken looks up the caller's PeerToken when the request carries a
// bearer token and at least one data source or the model is tunneled;
// anonymous/non-tunneled requests proceed with a nil token.
func resolvePeerToken(ctx context.Context, deps ChatDeps, req model.ChatRequest) (*model.PeerToken, error) {
	if deps.Tokens == nil {
		return nil, nil
	}
	bearer := middleware.BearerTokenFromContext(ctx)
	if bearer == "" {
		return nil, nil
	}
	needsTunnel := model.IsTunneled(req.Model.URL)
	for _, ds := range req.DataSources {
		if model.IsTunneled(ds.URL) {
			needsTunnel = true
			break
		}
	}
	if !needsTunnel {
		return nil, nil
	}
	pt, err := deps.Tokens.Validate(ctx, bearer)
	if err != nil {
		return nil, apperr.NewTunnelAuthFailure("invalid or expired peer token")
	}
	return pt, nil
}

// Chat handles POST /api/v1/chat: runs the pipeline to completion and
// returns the unary ChatResponse.
func Chat(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.TotalTimeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), deps.TotalTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		var req model.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}

		if err := service.ValidateChatRequest(&req, deps.Limits); err != nil {
			respondAppError(w, err)
			return
		}

		peerToken, err := resolvePeerToken(r.Context(), deps, req)
		if err != nil {
			respondAppError(w, err)
			return
		}

		resp, err := deps.Orchestrator.ProcessChat(r.Context(), req, peerToken, deps.Limits)
		if err != nil {
			slog.Error("chat request failed", "error", err)
			respondAppError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, resp)
	}
}

// ChatStream handles POST /api/v1/chat/stream: emits the SSE event protocol
// as the pipeline progresses.
func ChatStream(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.TotalTimeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), deps.TotalTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		var req model.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}

		if err := service.ValidateChatRequest(&req, deps.Limits); err != nil {
			respondAppError(w, err)
			return
		}

		peerToken, err := resolvePeerToken(r.Context(), deps, req)
		if err != nil {
			respondAppError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events := deps.Orchestrator.ProcessChatStream(r.Context(), req, peerToken, deps.Limits)
		for event := range events {
			data, err := json.Marshal(event.Data)
			if err != nil {
				slog.Error("chat stream marshal failed", "event", event.Name, "error", err)
				continue
			}
			sendEvent(w, flusher, event.Name, string(data))
		}
	}
}

// sendEvent writes a single SSE event in the standard format.
func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}
