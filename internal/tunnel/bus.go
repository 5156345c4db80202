// Package tunnel implements the peer-token authority and the pub/sub
// transport used to reach data source and model peers that sit behind NAT
// and cannot accept direct inbound HTTP connections.
package tunnel

import (
	"context"
	"fmt"
	"time"
)

// Bus is the pub/sub transport the tunnel subsystem runs over. Subjects are
// plain strings (e.g. "peer.<owner>.inbox"); payloads are opaque bytes, the
// caller is responsible for JSON-encoding a model.TunnelEnvelope.
type Bus interface {
	// Publish fires payload at subject with no reply expected.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscribe returns a channel of payloads delivered to subject and an
	// unsubscribe function. The channel is closed once unsubscribe runs or
	// ctx is cancelled.
	Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error)

	// Request publishes payload at subject and waits up to timeout for a
	// single reply, the core request/reply pattern. PeerClient does not use
	// it: its round-trips publish and then read replies on the token's
	// peer_channel via Subscribe.
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)

	// Close releases the underlying connection.
	Close() error

	// Ping reports whether the underlying transport connection is healthy.
	Ping(ctx context.Context) error
}

// ErrBusClosed is returned by Bus operations issued after Close.
var ErrBusClosed = fmt.Errorf("tunnel: bus is closed")
