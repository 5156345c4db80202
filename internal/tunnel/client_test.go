package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// memBus is an in-process Bus used only by tests: Publish fans out
// synchronously to every live Subscribe channel on the same subject.
type memBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]chan []byte)}
}

func (b *memBus) Publish(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[subject] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[subject]
		for i, c := range list {
			if c == ch {
				b.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe, nil
}

func (b *memBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	return nil, nil
}

func (b *memBus) Close() error { return nil }

func (b *memBus) Ping(ctx context.Context) error { return nil }

// fakePeer answers one request on owner's inbox with a canned reply on the
// envelope's ReplyTo, echoing its request_id as correlation_id.
func fakePeer(t *testing.T, bus *memBus, owner string, respond func(req model.TunnelEnvelope) model.TunnelEnvelope) {
	t.Helper()
	inbox, unsubscribe, _ := bus.Subscribe(context.Background(), inboxSubject(owner))
	go func() {
		defer unsubscribe()
		raw := <-inbox
		var req model.TunnelEnvelope
		if err := json.Unmarshal(raw, &req); err != nil {
			return
		}
		reply := respond(req)
		reply.CorrelationID = req.RequestID
		out, _ := json.Marshal(reply)
		bus.Publish(context.Background(), req.ReplyTo, out)
	}()
}

func TestPeerClientQuerySuccess(t *testing.T) {
	bus := newMemBus()
	fakePeer(t, bus, "alice", func(req model.TunnelEnvelope) model.TunnelEnvelope {
		return model.TunnelEnvelope{
			Status:  "ok",
			Payload: map[string]any{"documents": []model.Document{{Content: "hi", Score: 0.5}}},
		}
	})

	client := NewPeerClient(bus, "aggregator", time.Second)
	token := &model.PeerToken{Token: "pt_x", PeerChannel: "peer_x"}

	result := client.Query(context.Background(), token, "alice", "vault", "query", 5)
	if result.Status != model.RetrievalSuccess {
		t.Fatalf("expected success, got %s: %s", result.Status, result.ErrorMessage)
	}
	if len(result.Documents) != 1 || result.Documents[0].Content != "hi" {
		t.Errorf("unexpected documents: %+v", result.Documents)
	}
}

func TestPeerClientQueryTimesOut(t *testing.T) {
	bus := newMemBus()
	client := NewPeerClient(bus, "aggregator", 20*time.Millisecond)
	token := &model.PeerToken{Token: "pt_x", PeerChannel: "peer_x"}

	result := client.Query(context.Background(), token, "nobody-home", "vault", "query", 5)
	if result.Status != model.RetrievalError {
		t.Fatalf("expected error status on timeout, got %s", result.Status)
	}
}

// TestPeerClientRoundTripFiltersCrossDeliveredReplies exercises two
// concurrent Query calls sharing one PeerToken, and hence one reply
// channel, as service/retrieval.go's fan-out does in production. Each
// reply must land with the call that sent the matching request_id, not
// whichever call happened to read the channel first.
func TestPeerClientRoundTripFiltersCrossDeliveredReplies(t *testing.T) {
	bus := newMemBus()

	inbox, unsubscribe, _ := bus.Subscribe(context.Background(), inboxSubject("dave"))
	go func() {
		defer unsubscribe()
		for i := 0; i < 2; i++ {
			raw := <-inbox
			var req model.TunnelEnvelope
			if err := json.Unmarshal(raw, &req); err != nil {
				return
			}
			var payload struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(mustMarshal(req.Payload), &payload)
			reply := model.TunnelEnvelope{
				Status:        "ok",
				CorrelationID: req.RequestID,
				Payload:       map[string]any{"documents": []model.Document{{Content: payload.Query, Score: 1}}},
			}
			out, _ := json.Marshal(reply)
			// Publish to both legs' shared reply channel, exactly like two
			// real peer replies landing on one subject.
			bus.Publish(context.Background(), req.ReplyTo, out)
		}
	}()

	client := NewPeerClient(bus, "aggregator", time.Second)
	token := &model.PeerToken{Token: "pt_shared", PeerChannel: "shared_channel"}

	var wg sync.WaitGroup
	results := make([]model.RetrievalResult, 2)
	queries := []string{"query-a", "query-b"}
	for i := range queries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = client.Query(context.Background(), token, "dave", "vault", queries[i], 5)
		}(i)
	}
	wg.Wait()

	for i, want := range queries {
		if results[i].Status != model.RetrievalSuccess {
			t.Fatalf("leg %d: expected success, got %s: %s", i, results[i].Status, results[i].ErrorMessage)
		}
		if len(results[i].Documents) != 1 || results[i].Documents[0].Content != want {
			t.Errorf("leg %d: expected own reply %q, got %+v (cross-delivery)", i, want, results[i].Documents)
		}
	}
}

func mustMarshal(v any) []byte {
	raw, _ := json.Marshal(v)
	return raw
}

func TestPeerClientChatSuccess(t *testing.T) {
	bus := newMemBus()
	fakePeer(t, bus, "bob", func(req model.TunnelEnvelope) model.TunnelEnvelope {
		return model.TunnelEnvelope{
			Status:  "ok",
			Payload: map[string]any{"response": "hello back"},
		}
	})

	client := NewPeerClient(bus, "aggregator", time.Second)
	token := &model.PeerToken{Token: "pt_x", PeerChannel: "peer_y"}

	result, err := client.Chat(context.Background(), token, "bob", "echo-model", []model.Message{{Role: model.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Response != "hello back" {
		t.Errorf("unexpected response: %q", result.Response)
	}
}

func TestPeerClientChatStreamOrdersChunks(t *testing.T) {
	bus := newMemBus()
	inbox, unsubscribe, _ := bus.Subscribe(context.Background(), inboxSubject("carol"))
	go func() {
		defer unsubscribe()
		raw := <-inbox
		var req model.TunnelEnvelope
		json.Unmarshal(raw, &req)

		chunks := []struct {
			idx   int
			text  string
			final bool
		}{
			{1, "world", false},
			{0, "hello ", false},
			{2, "!", true},
		}
		for _, c := range chunks {
			reply := model.TunnelEnvelope{
				Status:        "ok",
				CorrelationID: req.RequestID,
				ChunkIndex:    c.idx,
				Final:         c.final,
				Payload:       map[string]any{"content": c.text},
			}
			out, _ := json.Marshal(reply)
			bus.Publish(context.Background(), req.ReplyTo, out)
		}
	}()

	client := NewPeerClient(bus, "aggregator", time.Second)
	token := &model.PeerToken{Token: "pt_x", PeerChannel: "peer_z"}

	chunkCh, errCh := client.ChatStream(context.Background(), token, "carol", "echo-model", nil)

	var got string
	for chunk := range chunkCh {
		got += chunk
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if got != "hello world!" {
		t.Errorf("expected ordered concatenation \"hello world!\", got %q", got)
	}
}
