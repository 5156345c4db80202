// Package mq implements the reserved-queue broker: short-lived,
// token-protected FIFO mailboxes used as reply-to addresses for HTTP-only
// tunnel clients that can't hold an open bus subscription themselves.
package mq

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/rag-aggregator/internal/model"
	"github.com/connexus-ai/rag-aggregator/internal/ttlstore"
)

// mailbox is the mutable per-queue state: the reserved queue's metadata
// plus its FIFO backlog. Stored by value in ttlstore and mutated through
// Store.Mutate to keep updates atomic.
type mailbox struct {
	queue    model.ReservedQueue
	messages []model.ReservedMessage
}

// Broker manages reserved queues. Queue IDs and secret tokens are generated
// here; ownership of a queue's contents is enforced by matching the caller-
// supplied token against the stored SecretToken for consume/release. Peek is
// instead owner-authenticated: it looks the caller's queue up by identity,
// not by a bearer secret, since it's meant for the owner checking their own
// mailbox without holding onto the per-reservation token.
type Broker struct {
	store *ttlstore.Store[mailbox]

	ownerIdx   map[string]string // owner -> most recently reserved queue_id
	ownerIdxMu sync.Mutex
}

// NewBroker builds a Broker backed by an in-process TTL store.
func NewBroker(cleanupInterval time.Duration) *Broker {
	return &Broker{
		store:    ttlstore.New[mailbox](cleanupInterval),
		ownerIdx: make(map[string]string),
	}
}

// Reserve creates a new queue owned by owner, valid for ttl (the caller is
// expected to enforce the 60s-1h bound from the wire contract).
func (b *Broker) Reserve(ctx context.Context, owner string, ttl time.Duration) (*model.ReservedQueue, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("mq: reserve queue: %w", err)
	}

	q := model.ReservedQueue{
		QueueID:     "rq_" + uuid.New().String(),
		SecretToken: secret,
		Owner:       owner,
		ExpiresAt:   time.Now().Add(ttl),
	}
	b.store.Set(q.QueueID, mailbox{queue: q}, ttl)

	b.ownerIdxMu.Lock()
	b.ownerIdx[owner] = q.QueueID
	b.ownerIdxMu.Unlock()

	return &q, nil
}

// Publish appends msg to queueID's backlog. Any sender may publish; only
// the queue's secret token gates Consume/Release.
func (b *Broker) Publish(ctx context.Context, queueID string, msg model.ReservedMessage) (int, error) {
	var length int
	ok := b.store.Mutate(queueID, func(m mailbox) mailbox {
		m.messages = append(m.messages, msg)
		length = len(m.messages)
		return m
	})
	if !ok {
		return 0, fmt.Errorf("mq: queue %s not found or expired", queueID)
	}
	return length, nil
}

// Consume removes up to limit messages from the front of queueID's backlog,
// requiring token to match the queue's secret. Returns the consumed
// messages and the count remaining afterward.
func (b *Broker) Consume(ctx context.Context, queueID, token string, limit int) ([]model.ReservedMessage, int, error) {
	m, ok := b.store.Get(queueID)
	if !ok {
		return nil, 0, fmt.Errorf("mq: queue %s not found or expired", queueID)
	}
	if m.queue.SecretToken != token {
		return nil, 0, fmt.Errorf("mq: invalid token for queue %s", queueID)
	}

	var taken []model.ReservedMessage
	var remaining int
	b.store.Mutate(queueID, func(m mailbox) mailbox {
		n := limit
		if n > len(m.messages) {
			n = len(m.messages)
		}
		taken = append([]model.ReservedMessage(nil), m.messages[:n]...)
		m.messages = m.messages[n:]
		remaining = len(m.messages)
		return m
	})
	return taken, remaining, nil
}

// Peek returns up to limit messages from the front of owner's most recently
// reserved queue without removing them. Authorized by the caller's own
// identity rather than a queue secret, unlike Consume/Release.
func (b *Broker) Peek(ctx context.Context, owner string, limit int) ([]model.ReservedMessage, int, error) {
	b.ownerIdxMu.Lock()
	queueID, ok := b.ownerIdx[owner]
	b.ownerIdxMu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("mq: no reserved queue for owner %s", owner)
	}

	m, ok := b.store.Get(queueID)
	if !ok {
		return nil, 0, fmt.Errorf("mq: queue %s not found or expired", queueID)
	}

	n := limit
	if n > len(m.messages) {
		n = len(m.messages)
	}
	return append([]model.ReservedMessage(nil), m.messages[:n]...), len(m.messages), nil
}

// ClearByOwner deletes owner's most recently reserved queue outright,
// authorized by identity rather than a queue secret, same as Peek. Returns
// the number of messages that were still pending.
func (b *Broker) ClearByOwner(ctx context.Context, owner string) (int, error) {
	b.ownerIdxMu.Lock()
	queueID, ok := b.ownerIdx[owner]
	b.ownerIdxMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("mq: no reserved queue for owner %s", owner)
	}

	m, ok := b.store.Get(queueID)
	if !ok {
		return 0, fmt.Errorf("mq: queue %s not found or expired", queueID)
	}
	cleared := len(m.messages)
	b.store.Delete(queueID)
	return cleared, nil
}

// Release deletes queueID outright, requiring token to match the queue's
// secret. Returns the number of messages that were still pending.
func (b *Broker) Release(ctx context.Context, queueID, token string) (int, error) {
	m, ok := b.store.Get(queueID)
	if !ok {
		return 0, fmt.Errorf("mq: queue %s not found or expired", queueID)
	}
	if m.queue.SecretToken != token {
		return 0, fmt.Errorf("mq: invalid token for queue %s", queueID)
	}
	cleared := len(m.messages)
	b.store.Delete(queueID)
	return cleared, nil
}

// QueueCount reports the number of currently live reserved queues.
func (b *Broker) QueueCount() int {
	return b.store.Len()
}

// Stop halts the broker's background cleanup goroutine.
func (b *Broker) Stop() {
	b.store.Stop()
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
