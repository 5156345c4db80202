package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/apperr"
	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// GenerationService is a thin wrapper over the model transport: it times
// the call and wraps any failure as a domain-level GenerationFailure.
type GenerationService struct {
	transport Transport
}

func NewGenerationService(transport Transport) *GenerationService {
	return &GenerationService{transport: transport}
}

// Generate performs a unary model call.
func (s *GenerationService) Generate(ctx context.Context, modelRef model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (*model.GenerationResult, error) {
	start := time.Now()
	result, err := s.transport.Chat(ctx, modelRef, peerToken, messages)
	if err != nil {
		slog.Warn("generation failed", "model", modelRef.Name, "error", err)
		return nil, apperr.NewGenerationFailure("model generation failed", err)
	}
	result.LatencyMs = time.Since(start).Milliseconds()
	slog.Info("generation complete", "model", modelRef.Name, "latency_ms", result.LatencyMs)
	return &result, nil
}

// GenerateStream performs a streaming model call, filtering empty chunks
// and re-wrapping any mid-stream failure as a GenerationFailure.
func (s *GenerationService) GenerateStream(ctx context.Context, modelRef model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (<-chan string, <-chan error) {
	rawChunks, rawErrs := s.transport.ChatStream(ctx, modelRef, peerToken, messages)

	out := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		for chunk := range rawChunks {
			if chunk.Content == "" {
				continue
			}
			select {
			case out <- chunk.Content:
			case <-ctx.Done():
				return
			}
		}
		if err := <-rawErrs; err != nil {
			errCh <- apperr.NewGenerationFailure("model stream failed", err)
		}
	}()

	return out, errCh
}
