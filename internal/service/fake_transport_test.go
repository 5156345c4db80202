package service

import (
	"context"

	"github.com/connexus-ai/rag-aggregator/internal/client"
	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// fakeTransport is a hand-rolled stand-in for Transport used across the
// retrieval and generation tests, letting each test script its own
// result/error/stream without standing up an HTTP server or a bus.
type fakeTransport struct {
	queryResults map[string]model.RetrievalResult
	queryDelay   func(ref model.EndpointRef) model.RetrievalResult

	chatResult model.GenerationResult
	chatErr    error

	streamChunks []client.StreamChunk
	streamErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{queryResults: make(map[string]model.RetrievalResult)}
}

func (f *fakeTransport) router() Transport {
	return f
}

func (f *fakeTransport) QueryDataSource(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, query string, topK int) model.RetrievalResult {
	if f.queryDelay != nil {
		return f.queryDelay(ref)
	}
	if r, ok := f.queryResults[ref.Name]; ok {
		return r
	}
	return model.RetrievalResult{EndpointPath: ref.Name, Status: model.RetrievalSuccess}
}

func (f *fakeTransport) Chat(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (model.GenerationResult, error) {
	if f.chatErr != nil {
		return model.GenerationResult{}, f.chatErr
	}
	return f.chatResult, nil
}

func (f *fakeTransport) ChatStream(ctx context.Context, ref model.EndpointRef, peerToken *model.PeerToken, messages []model.Message) (<-chan client.StreamChunk, <-chan error) {
	chunkCh := make(chan client.StreamChunk, len(f.streamChunks))
	errCh := make(chan error, 1)
	for _, c := range f.streamChunks {
		chunkCh <- c
	}
	close(chunkCh)
	errCh <- f.streamErr
	close(errCh)
	return chunkCh, errCh
}
