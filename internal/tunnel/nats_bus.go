package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// natsBus is the default Bus backend, a thin wrapper over a single shared
// *nats.Conn. Subscriptions are core NATS (not JetStream): tunnel messages
// are request/reply or fire-and-forget, never durable.
type natsBus struct {
	conn   *nats.Conn
	mu     sync.Mutex
	closed bool
}

// NewNATSBus dials url and wraps the connection as a Bus. authToken is sent
// as the connection's auth token when non-empty.
func NewNATSBus(url, authToken string) (Bus, error) {
	opts := []nats.Option{
		nats.Name("rag-aggregator-tunnel"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if authToken != "" {
		opts = append(opts, nats.Token(authToken))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("tunnel: connect to nats at %s: %w", url, err)
	}
	return &natsBus{conn: conn}, nil
}

func (b *natsBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("tunnel: nats connection status %s", b.conn.Status())
	}
	return nil
}

func (b *natsBus) Publish(ctx context.Context, subject string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("tunnel: publish to %s: %w", subject, err)
	}
	return nil
}

func (b *natsBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, nil, ErrBusClosed
	}

	out := make(chan []byte, 64)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case out <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tunnel: subscribe to %s: %w", subject, err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(out)
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return out, unsubscribe, nil
}

func (b *natsBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBusClosed
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := b.conn.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("tunnel: request to %s: %w", subject, err)
	}
	return msg.Data, nil
}

func (b *natsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.conn.Close()
	return nil
}
