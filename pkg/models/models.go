package models

import "time"

// Phase is the coordinator's top-level state.
type Phase string

const (
	PhaseInitial        Phase = "initial"
	PhaseKeysGenerated  Phase = "keys_generated"
	PhaseDiscovering    Phase = "discovering"
	PhaseConnected      Phase = "connected"
	PhaseExchangingKeys Phase = "exchanging_keys"
	PhaseSecureChat     Phase = "secure_chat"
)

// ErrorCode is the UI-facing error taxonomy.
type ErrorCode string

const (
	ErrorEntropyUnavailable   ErrorCode = "entropy_unavailable"
	ErrorInvalidKeyFormat     ErrorCode = "invalid_key_format"
	ErrorInvalidNodeID        ErrorCode = "invalid_node_id"
	ErrorInvalidPeerKey       ErrorCode = "invalid_peer_key"
	ErrorPeerIdentityLocked   ErrorCode = "peer_identity_locked"
	ErrorNotConnected         ErrorCode = "not_connected"
	ErrorTransport            ErrorCode = "transport_error"
	ErrorTimeout              ErrorCode = "timeout"
	ErrorSessionNotReady      ErrorCode = "session_not_ready"
	ErrorAuthenticationFailed ErrorCode = "authentication_failed"
	ErrorReplayDetected       ErrorCode = "replay_detected"
	ErrorSequenceExhausted    ErrorCode = "sequence_exhausted"
	ErrorInvalidTransition    ErrorCode = "invalid_transition"
	ErrorCancelled            ErrorCode = "cancelled"
	ErrorStorage              ErrorCode = "storage_error"
	ErrorInvalidInput         ErrorCode = "invalid_input"
	ErrorInternal             ErrorCode = "internal_error"
)

// Sender identifies which side authored a message.
type Sender string

const (
	SenderLocal Sender = "local"
	SenderPeer  Sender = "peer"
)

type Message struct {
	Sequence   uint64        `json:"sequence"`
	Sender     Sender        `json:"sender"`
	Text       string        `json:"text"`
	Ciphertext []byte        `json:"ciphertext,omitempty"`
	SentAt     time.Time     `json:"sent_at"`
	Status     MessageStatus `json:"status"`
	Encrypted  bool          `json:"encrypted"`
	Epoch      uint64        `json:"epoch"`
}

// Key identifies a message within the log; sequences repeat across senders and epochs.
func (m Message) Key() MessageKey {
	return MessageKey{Epoch: m.Epoch, Sender: m.Sender, Sequence: m.Sequence}
}

type MessageKey struct {
	Epoch    uint64
	Sender   Sender
	Sequence uint64
}

type PeerInfo struct {
	PublicKeyFingerprint string    `json:"public_key_fingerprint,omitempty"`
	NodeID               string    `json:"node_id,omitempty"`
	KeySource            string    `json:"key_source,omitempty"`
	NodeSource           string    `json:"node_source,omitempty"`
	Complete             bool      `json:"complete"`
	AcquiredAt           time.Time `json:"acquired_at,omitzero"`
}

type ConnectionRecord struct {
	Kind    string    `json:"kind"`
	Address string    `json:"address"`
	Name    string    `json:"name,omitempty"`
	Signal  int       `json:"signal"`
	SeenAt  time.Time `json:"seen_at"`
}

type TransportInfo struct {
	State      string    `json:"state"`
	Kind       string    `json:"kind,omitempty"`
	Address    string    `json:"address,omitempty"`
	PeerNodeID string    `json:"peer_node_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Since      time.Time `json:"since,omitzero"`
}

type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is an immutable view of the coordinator state.
type Snapshot struct {
	Seq              uint64             `json:"seq"`
	Phase            Phase              `json:"phase"`
	LocalNodeID      string             `json:"local_node_id"`
	LocalFingerprint string             `json:"local_fingerprint,omitempty"`
	Peer             PeerInfo           `json:"peer"`
	Messages         []Message          `json:"messages"`
	Discovered       []ConnectionRecord `json:"discovered,omitempty"`
	LastError        *ErrorInfo         `json:"last_error,omitempty"`
	ListeningElapsed time.Duration      `json:"listening_elapsed"`
	Transport        TransportInfo      `json:"transport"`
	NegotiatorState  string             `json:"negotiator_state"`
	SessionID        string             `json:"session_id,omitempty"`
	SafetyPhrase     string             `json:"safety_phrase,omitempty"`
	Fatal            bool               `json:"fatal"`
	QueuedSends      int                `json:"queued_sends"`
}
