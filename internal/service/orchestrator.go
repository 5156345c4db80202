package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/apperr"
	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// Event is one entry in the SSE stream ProcessChatStream emits. Name is one
// of the event names in the chat streaming protocol; Data is marshaled as
// the event's JSON payload by the HTTP handler.
type Event struct {
	Name string
	Data any
}

// Orchestrator drives the retrieve-build-generate pipeline for one chat
// request and emits the corresponding response or event stream.
type Orchestrator struct {
	retrieval  *RetrievalService
	generation *GenerationService
}

func NewOrchestrator(retrieval *RetrievalService, generation *GenerationService) *Orchestrator {
	return &Orchestrator{retrieval: retrieval, generation: generation}
}

// Limits bounds request validation; callers pass the deployment's
// configured values (internal/config.Config) in.
type Limits struct {
	DefaultTopK       int
	MaxTopK           int
	MaxDataSources    int
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
}

// ValidateChatRequest enforces spec.md's ChatRequest bounds, filling in
// DefaultTopK when the caller left TopK unset.
func ValidateChatRequest(req *model.ChatRequest, limits Limits) error {
	if req.Prompt == "" {
		return apperr.NewValidationFailure("prompt must not be empty")
	}
	if req.TopK == 0 {
		req.TopK = limits.DefaultTopK
	}
	if req.TopK < 1 || req.TopK > limits.MaxTopK {
		return apperr.NewValidationFailure("top_k out of range")
	}
	if len(req.DataSources) > limits.MaxDataSources {
		return apperr.NewValidationFailure("too many data sources")
	}
	return nil
}

// ProcessChat runs the full pipeline to completion and returns the unary
// ChatResponse. A generation failure is returned as an *apperr.AppError of
// Kind GenerationFailure regardless of how many retrieval legs failed.
func (o *Orchestrator) ProcessChat(ctx context.Context, req model.ChatRequest, peerToken *model.PeerToken, limits Limits) (*model.ChatResponse, error) {
	start := time.Now()

	aggCtx, err := o.retrieval.Retrieve(ctx, req.DataSources, peerToken, req.Prompt, req.TopK, limits.RetrievalTimeout)
	if err != nil {
		return nil, apperr.NewInternal("retrieval phase failed unexpectedly", err)
	}
	retrievalMs := aggCtx.TotalLatencyMs

	messages := BuildPrompt(req.Prompt, aggCtx, "")

	genCtx, cancel := context.WithTimeout(ctx, limits.GenerationTimeout)
	defer cancel()

	genStart := time.Now()
	gen, err := o.generation.Generate(genCtx, req.Model, peerToken, messages)
	if err != nil {
		return nil, err
	}
	generationMs := time.Since(genStart).Milliseconds()

	resp := buildChatResponse(aggCtx, gen, retrievalMs, generationMs, time.Since(start).Milliseconds())
	return resp, nil
}

// ProcessChatStream runs the pipeline, emitting SSE events as each phase
// progresses. The returned channel is closed once a terminal event (done or
// error) has been sent, or the context is cancelled.
func (o *Orchestrator) ProcessChatStream(ctx context.Context, req model.ChatRequest, peerToken *model.PeerToken, limits Limits) <-chan Event {
	events := make(chan Event, 8)

	go func() {
		defer close(events)
		start := time.Now()

		var aggCtx *model.AggregatedContext
		if len(req.DataSources) > 0 {
			if !emit(ctx, events, Event{"retrieval_start", map[string]any{"sources": len(req.DataSources)}}) {
				return
			}

			resultCh := o.retrieval.RetrieveStreaming(ctx, req.DataSources, peerToken, req.Prompt, req.TopK, limits.RetrievalTimeout)
			var documents []model.Document
			var perSource []model.RetrievalResult
			for result := range resultCh {
				perSource = append(perSource, result)
				if result.Status == model.RetrievalSuccess {
					documents = append(documents, result.Documents...)
				}
				if !emit(ctx, events, Event{"source_complete", map[string]any{
					"path":      result.EndpointPath,
					"status":    result.Status,
					"documents": len(result.Documents),
				}}) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}

			documents = sortByScoreDesc(documents)
			totalLatencyMs := time.Since(start).Milliseconds()
			aggCtx = &model.AggregatedContext{Documents: documents, PerSource: perSource, TotalLatencyMs: totalLatencyMs}

			if !emit(ctx, events, Event{"retrieval_complete", map[string]any{
				"total_documents": len(documents),
				"time_ms":         totalLatencyMs,
			}}) {
				return
			}
		} else {
			aggCtx = &model.AggregatedContext{Documents: []model.Document{}, PerSource: []model.RetrievalResult{}}
		}

		if !emit(ctx, events, Event{"generation_start", map[string]any{}}) {
			return
		}

		messages := BuildPrompt(req.Prompt, aggCtx, "")

		genCtx, cancel := context.WithTimeout(ctx, limits.GenerationTimeout)
		defer cancel()

		genStart := time.Now()
		chunkCh, errCh := o.generation.GenerateStream(genCtx, req.Model, peerToken, messages)
		var response string
		for chunk := range chunkCh {
			response += chunk
			if !emit(ctx, events, Event{"token", map[string]any{"content": chunk}}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := <-errCh; err != nil {
			slog.Warn("generation stream failed", "error", err)
			emit(ctx, events, Event{"error", map[string]any{"message": errMessage(err)}})
			return
		}

		generationMs := time.Since(genStart).Milliseconds()
		resp := buildChatResponse(aggCtx, &model.GenerationResult{Response: response, LatencyMs: generationMs}, aggCtx.TotalLatencyMs, generationMs, time.Since(start).Milliseconds())

		emit(ctx, events, Event{"done", map[string]any{
			"sources":        resp.Sources,
			"retrieval_info": resp.RetrievalInfo,
			"metadata":       resp.Metadata,
			"usage":          resp.Usage,
		}})
	}()

	return events
}

// emit sends e on events, returning false if the context is cancelled
// before the send completes (the caller should stop producing further
// events in that case).
func emit(ctx context.Context, events chan<- Event, e Event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func errMessage(err error) string {
	if ae, ok := apperr.As(err); ok {
		return ae.Message
	}
	return err.Error()
}

func buildChatResponse(aggCtx *model.AggregatedContext, gen *model.GenerationResult, retrievalMs, generationMs, totalMs int64) *model.ChatResponse {
	retrievalInfo := make([]model.SourceInfo, 0, len(aggCtx.PerSource))
	for _, r := range aggCtx.PerSource {
		retrievalInfo = append(retrievalInfo, model.SourceInfo{
			Path:               r.EndpointPath,
			DocumentsRetrieved: len(r.Documents),
			Status:             r.Status,
			ErrorMessage:       r.ErrorMessage,
		})
	}

	// sources maps by title (the endpoint path doubles as title here); first
	// document retrieved for a given path wins.
	sources := make(map[string]model.SourceExcerpt)
	for _, r := range aggCtx.PerSource {
		if r.Status != model.RetrievalSuccess || len(r.Documents) == 0 {
			continue
		}
		if _, exists := sources[r.EndpointPath]; exists {
			continue
		}
		sources[r.EndpointPath] = model.SourceExcerpt{Slug: r.EndpointPath, Content: r.Documents[0].Content}
	}

	return &model.ChatResponse{
		Response:      gen.Response,
		Sources:       sources,
		RetrievalInfo: retrievalInfo,
		Metadata: model.ResponseMetadata{
			RetrievalMs:  retrievalMs,
			GenerationMs: generationMs,
			TotalMs:      totalMs,
		},
		Usage: gen.Usage,
	}
}

func sortByScoreDesc(documents []model.Document) []model.Document {
	if documents == nil {
		return []model.Document{}
	}
	out := append([]model.Document(nil), documents...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
