package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/rag-aggregator/internal/middleware"
	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// RetrievalService fans a query out across data source endpoints
// concurrently and merges the results. Per-source failures never fail the
// aggregate: they surface as a RetrievalResult with a non-success status.
type RetrievalService struct {
	transport Transport
	metrics   *middleware.Metrics
}

func NewRetrievalService(transport Transport) *RetrievalService {
	return &RetrievalService{transport: transport}
}

// SetMetrics attaches optional Prometheus instrumentation. Nil-safe: with no
// metrics attached, Retrieve/RetrieveStreaming record nothing extra.
func (s *RetrievalService) SetMetrics(m *middleware.Metrics) {
	s.metrics = m
}

// Retrieve queries every source concurrently and waits for all of them.
// Documents from successful legs are merged and stably sorted by score
// descending; ties preserve first-arrival order.
func (s *RetrievalService) Retrieve(ctx context.Context, sources []model.EndpointRef, peerToken *model.PeerToken, query string, topK int, legTimeout time.Duration) (*model.AggregatedContext, error) {
	if len(sources) == 0 {
		return &model.AggregatedContext{Documents: []model.Document{}, PerSource: []model.RetrievalResult{}}, nil
	}
	if s.metrics != nil {
		s.metrics.RecordRetrievalFanout(len(sources))
	}

	if legTimeout <= 0 {
		legTimeout = defaultRetrievalTimeout
	}

	start := time.Now()
	results := make([]model.RetrievalResult, len(sources))
	var arrivalMu sync.Mutex
	arrival := make([]int, 0, len(sources))

	g, gCtx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			legCtx, cancel := context.WithTimeout(gCtx, legTimeout)
			defer cancel()
			results[i] = s.transport.QueryDataSource(legCtx, src, peerToken, query, topK)
			arrivalMu.Lock()
			arrival = append(arrival, i)
			arrivalMu.Unlock()
			return nil
		})
	}
	// errgroup.Wait's error is always nil here: QueryDataSource never
	// returns a Go error, it encodes failure in the result's Status.
	_ = g.Wait()

	totalLatencyMs := time.Since(start).Milliseconds()

	var documents []model.Document
	for _, idx := range arrival {
		if r := results[idx]; r.Status == model.RetrievalSuccess {
			documents = append(documents, r.Documents...)
		}
	}
	sort.SliceStable(documents, func(i, j int) bool {
		return documents[i].Score > documents[j].Score
	})

	successCount := 0
	for _, r := range results {
		if r.Status == model.RetrievalSuccess {
			successCount++
		}
	}
	slog.Info("retrieval complete",
		"sources_total", len(sources),
		"sources_ok", successCount,
		"documents", len(documents),
		"latency_ms", totalLatencyMs,
	)

	if documents == nil {
		documents = []model.Document{}
	}

	return &model.AggregatedContext{
		Documents:      documents,
		PerSource:      results,
		TotalLatencyMs: totalLatencyMs,
	}, nil
}

// RetrieveStreaming queries every source concurrently and yields each
// RetrievalResult on the returned channel as soon as it completes, in
// completion order (no particular order across sources). The channel is
// closed once every source has reported.
func (s *RetrievalService) RetrieveStreaming(ctx context.Context, sources []model.EndpointRef, peerToken *model.PeerToken, query string, topK int, legTimeout time.Duration) <-chan model.RetrievalResult {
	out := make(chan model.RetrievalResult, len(sources))
	if len(sources) == 0 {
		close(out)
		return out
	}
	if s.metrics != nil {
		s.metrics.RecordRetrievalFanout(len(sources))
	}

	if legTimeout <= 0 {
		legTimeout = defaultRetrievalTimeout
	}

	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		src := src
		go func() {
			defer wg.Done()
			legCtx, cancel := context.WithTimeout(ctx, legTimeout)
			defer cancel()
			out <- s.transport.QueryDataSource(legCtx, src, peerToken, query, topK)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
