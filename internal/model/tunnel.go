package model

import "time"

// PeerToken is a short-lived credential minted by the peer-token authority
// that authorizes the orchestrator to address a set of peer owners on the
// tunnel bus. A token with ExpiresAt in the past is treated as absent.
type PeerToken struct {
	Token          string    `json:"token"`
	PeerChannel    string    `json:"peer_channel"`
	UserID         string    `json:"user_id"`
	TargetOwners   []string  `json:"target_owners"`
	ExpiresInSec   int       `json:"expires_in_seconds"`
	ExpiresAt      time.Time `json:"-"`
	TransportURL   string    `json:"transport_url"`
	TransportAuth  string    `json:"transport_auth"`
}

// EndpointType distinguishes the two peer wire contracts carried over the
// tunnel.
type EndpointType string

const (
	EndpointModel      EndpointType = "model"
	EndpointDataSource EndpointType = "data_source"
)

// TunnelEnvelope is the JSON payload carried on every tunnel bus message,
// both requests (published to peer.<owner>.inbox) and replies (published to
// reply_to).
type TunnelEnvelope struct {
	ProtocolVersion string       `json:"protocol_version"`
	RequestID       string       `json:"request_id"`
	CorrelationID   string       `json:"correlation_id"`
	ReplyTo         string       `json:"reply_to"`
	SenderOwner     string       `json:"sender_owner"`
	TargetOwner     string       `json:"target_owner"`
	EndpointSlug    string       `json:"endpoint_slug"`
	EndpointType    EndpointType `json:"endpoint_type"`
	Payload         any          `json:"payload"`
	DeadlineMs      int64        `json:"deadline_ms"`

	// Response-only fields. Zero values on a request envelope.
	Status       string `json:"status,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ChunkIndex   int    `json:"chunk_index,omitempty"`
	Final        bool   `json:"final,omitempty"`
}

// TunnelProtocolVersion is the envelope version this aggregator speaks.
const TunnelProtocolVersion = "1"

// ReservedQueue is a short-lived, token-protected FIFO mailbox used as a
// reply-to address for HTTP-only tunnel clients.
type ReservedQueue struct {
	QueueID     string    `json:"queue_id"`
	SecretToken string    `json:"-"`
	Owner       string    `json:"owner"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ReservedMessage is one FIFO entry in a ReservedQueue's mailbox.
type ReservedMessage struct {
	ID             string    `json:"id"`
	FromOwner      string    `json:"from_owner"`
	Payload        string    `json:"payload"`
	QueuedAt       time.Time `json:"queued_at"`
}
