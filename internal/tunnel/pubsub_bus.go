package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// pubsubBus is the alternate Bus backend for operators who already run
// Cloud Pub/Sub instead of NATS. Subjects are mapped 1:1 onto topic IDs;
// subscriptions are created on demand with a random, non-durable
// subscription name and deleted on unsubscribe.
type pubsubBus struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

// NewPubSubBus builds a Bus backed by Cloud Pub/Sub in the given project.
func NewPubSubBus(ctx context.Context, projectID string) (Bus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("tunnel: create pubsub client for project %s: %w", projectID, err)
	}
	return &pubsubBus{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

func (b *pubsubBus) topicFor(ctx context.Context, subject string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if t, ok := b.topics[subject]; ok {
		return t, nil
	}

	t := b.client.Topic(subject)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("tunnel: check topic %s: %w", subject, err)
	}
	if !exists {
		t, err = b.client.CreateTopic(ctx, subject)
		if err != nil {
			return nil, fmt.Errorf("tunnel: create topic %s: %w", subject, err)
		}
	}
	b.topics[subject] = t
	return t, nil
}

func (b *pubsubBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	// Cloud Pub/Sub has no lightweight connection probe; a topic lookup on
	// a well-known control subject exercises the same client/transport path.
	_, err := b.topicFor(ctx, "tunnel-health-probe")
	return err
}

func (b *pubsubBus) Publish(ctx context.Context, subject string, payload []byte) error {
	topic, err := b.topicFor(ctx, subject)
	if err != nil {
		return err
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("tunnel: publish to %s: %w", subject, err)
	}
	return nil
}

func (b *pubsubBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	topic, err := b.topicFor(ctx, subject)
	if err != nil {
		return nil, nil, err
	}

	subID := "tunnel-" + uuid.New().String()
	sub, err := b.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
		Topic:            topic,
		ExpirationPolicy: 24 * time.Hour,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tunnel: create subscription for %s: %w", subject, err)
	}

	out := make(chan []byte, 64)
	recvCtx, cancelRecv := context.WithCancel(context.Background())

	go func() {
		err := sub.Receive(recvCtx, func(_ context.Context, m *pubsub.Message) {
			select {
			case out <- m.Data:
				m.Ack()
			default:
				m.Nack()
			}
		})
		_ = err
		close(out)
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancelRecv()
			_ = sub.Delete(context.Background())
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return out, unsubscribe, nil
}

func (b *pubsubBus) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	replySubject := subject + ".reply." + uuid.New().String()
	replyCh, unsubscribe, err := b.Subscribe(ctx, replySubject)
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	if err := b.Publish(ctx, subject, payload); err != nil {
		return nil, err
	}

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case data, ok := <-replyCh:
		if !ok {
			return nil, fmt.Errorf("tunnel: request to %s: reply channel closed", subject)
		}
		return data, nil
	case <-reqCtx.Done():
		return nil, fmt.Errorf("tunnel: request to %s: %w", subject, reqCtx.Err())
	}
}

func (b *pubsubBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
