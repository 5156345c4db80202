package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/connexus-ai/rag-aggregator/internal/client"
	"github.com/connexus-ai/rag-aggregator/internal/middleware"
	"github.com/connexus-ai/rag-aggregator/internal/model"
	"github.com/connexus-ai/rag-aggregator/internal/service"
)

// fakeHandlerTransport is a handler-package stand-in for service.Transport,
// scripted per test.
type fakeHandlerTransport struct {
	queryResult model.RetrievalResult
	chatResult  model.GenerationResult
	chatErr     error
}

func (f *fakeHandlerTransport) QueryDataSource(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, query string, topK int) model.RetrievalResult {
	r := f.queryResult
	r.EndpointPath = ref.Name
	return r
}

func (f *fakeHandlerTransport) Chat(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (model.GenerationResult, error) {
	if f.chatErr != nil {
		return model.GenerationResult{}, f.chatErr
	}
	return f.chatResult, nil
}

func (f *fakeHandlerTransport) ChatStream(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (<-chan client.StreamChunk, <-chan error) {
	chunkCh := make(chan client.StreamChunk, 1)
	errCh := make(chan error, 1)
	if f.chatErr == nil {
		chunkCh <- client.StreamChunk{Content: f.chatResult.Response}
	}
	close(chunkCh)
	errCh <- f.chatErr
	close(errCh)
	return chunkCh, errCh
}

func testLimits() service.Limits {
	return service.Limits{
		DefaultTopK:       5,
		MaxTopK:           20,
		MaxDataSources:    10,
		RetrievalTimeout:  3_000_000_000,
		GenerationTimeout: 3_000_000_000,
	}
}

func newChatDeps(transport *fakeHandlerTransport) ChatDeps {
	orch := service.NewOrchestrator(service.NewRetrievalService(transport), service.NewGenerationService(transport))
	return ChatDeps{Orchestrator: orch, Limits: testLimits()}
}

func TestChat_HappyPath(t *testing.T) {
	transport := &fakeHandlerTransport{chatResult: model.GenerationResult{Response: "hello there"}}
	deps := newChatDeps(transport)

	body, _ := json.Marshal(model.ChatRequest{Prompt: "hi", Model: model.EndpointRef{Name: "m1", URL: "http://model"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	Chat(deps)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp model.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "hello there" {
		t.Errorf("response = %q, want %q", resp.Response, "hello there")
	}
}

func TestChat_InvalidBody(t *testing.T) {
	deps := newChatDeps(&fakeHandlerTransport{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{bad json"))
	rec := httptest.NewRecorder()

	Chat(deps)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChat_EmptyPromptRejected(t *testing.T) {
	deps := newChatDeps(&fakeHandlerTransport{})

	body, _ := json.Marshal(model.ChatRequest{Model: model.EndpointRef{Name: "m1", URL: "http://model"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	Chat(deps)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChat_GenerationFailureReturns400(t *testing.T) {
	transport := &fakeHandlerTransport{chatErr: context.DeadlineExceeded}
	deps := newChatDeps(transport)

	body, _ := json.Marshal(model.ChatRequest{Prompt: "hi", Model: model.EndpointRef{Name: "m1", URL: "http://model"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	Chat(deps)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatStream_EmitsSSEEvents(t *testing.T) {
	transport := &fakeHandlerTransport{chatResult: model.GenerationResult{Response: "hi"}}
	deps := newChatDeps(transport)

	body, _ := json.Marshal(model.ChatRequest{Prompt: "hi", Model: model.EndpointRef{Name: "m1", URL: "http://model"}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	ChatStream(deps)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: generation_start") {
		t.Error("expected generation_start event")
	}
	if !strings.Contains(out, "event: done") {
		t.Error("expected done event")
	}
}

func TestResolvePeerToken_AnonymousDirectRequestSkipsValidation(t *testing.T) {
	deps := ChatDeps{Limits: testLimits()}
	req := model.ChatRequest{Model: model.EndpointRef{Name: "m1", URL: "http://direct-model"}}

	pt, err := resolvePeerToken(context.Background(), deps, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt != nil {
		t.Errorf("expected nil peer token for non-tunneled request, got %+v", pt)
	}
}

func TestResolvePeerToken_TunneledWithoutBearerSkipsValidation(t *testing.T) {
	deps := ChatDeps{Limits: testLimits()}
	req := model.ChatRequest{Model: model.EndpointRef{Name: "m1", URL: model.TunnelingPrefix + "owner1"}}

	pt, err := resolvePeerToken(context.Background(), deps, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt != nil {
		t.Errorf("expected nil peer token with no bearer token present, got %+v", pt)
	}
}

type fakeTokenValidator struct {
	token *model.PeerToken
	err   error
}

func (f *fakeTokenValidator) Validate(ctx context.Context, token string) (*model.PeerToken, error) {
	return f.token, f.err
}

func TestResolvePeerToken_TunneledWithBearerValidates(t *testing.T) {
	want := &model.PeerToken{Token: "pt_abc"}
	deps := ChatDeps{Tokens: &fakeTokenValidator{token: want}, Limits: testLimits()}
	req := model.ChatRequest{Model: model.EndpointRef{Name: "m1", URL: model.TunnelingPrefix + "owner1"}}

	httpCtx := extractBearerCtx("Bearer abc123")
	pt, err := resolvePeerToken(httpCtx, deps, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pt != want {
		t.Errorf("expected validated peer token, got %+v", pt)
	}
}

// extractBearerCtx runs the real ExtractBearerToken middleware over a
// synthetic request to produce a context carrying the bearer token, matching
// how the router wires it in production.
func extractBearerCtx(authHeader string) context.Context {
	var captured context.Context
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
	})
	h := middleware.ExtractBearerToken(inner)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
	req.Header.Set("Authorization", authHeader)
	h.ServeHTTP(httptest.NewRecorder(), req)
	return captured
}
