package crypto

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/platform/memzero"
)

// State of session negotiation.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingPeer         State = "awaiting_peer"
	StateSharedSecretComputed State = "shared_secret_computed"
	StateSessionKeyDerived    State = "session_key_derived"
	StateReady                State = "ready"
	StateFailed               State = "failed"
)

const (
	labelSessionKey = "fusionlink/session/v1"
	labelChainA2B   = "fusionlink/channel/a2b/v1"
	labelChainB2A   = "fusionlink/channel/b2a/v1"
	labelSessionID  = "fusionlink/session-id/v1"
	labelSafety     = "fusionlink/safety-phrase/v1"
)

var (
	ErrSessionNotReady   = errors.New("session not ready")
	ErrPeerIncomplete    = errors.New("peer identity incomplete")
	ErrInvalidTransition = errors.New("invalid negotiator transition")
	ErrSessionStore      = errors.New("session store failure")
)

// KeyAgreer is the part of the key vault the negotiator needs.
type KeyAgreer interface {
	PublicKeyBytes() ([identity.KeySize]byte, error)
	Agree(peer [identity.KeySize]byte) (*identity.SharedSecret, error)
}

// PeerSource yields the complete peer identity.
type PeerSource interface {
	Identity() (identity.PeerIdentity, bool)
}

type sessionKeys struct {
	key     [32]byte
	sendKey [32]byte
	recvKey [32]byte
	id      string
	phrase  string
	localID string
	peerID  string
	peerKey [identity.KeySize]byte
	epoch   uint64
	readyAt time.Time
	// resume holds the counters persisted for this session id when it became ready.
	resume SessionState
}

func (k *sessionKeys) wipe() {
	memzero.Zero(k.key[:])
	memzero.Zero(k.sendKey[:])
	memzero.Zero(k.recvKey[:])
}

// Negotiator turns the local key pair and a complete peer identity into a session key.
type Negotiator struct {
	mu      sync.RWMutex
	vault   KeyAgreer
	peers   PeerSource
	localID string
	logger  *slog.Logger
	store   SessionStore

	state   State
	failure error
	epoch   uint64
	session *sessionKeys
}

type NegotiatorOption func(*Negotiator)

// WithSessionStore sets where session counters and epochs are kept. The default store lives in memory.
func WithSessionStore(store SessionStore) NegotiatorOption {
	return func(n *Negotiator) {
		if store != nil {
			n.store = store
		}
	}
}

func NewNegotiator(vault KeyAgreer, peers PeerSource, localNodeID string, logger *slog.Logger, opts ...NegotiatorOption) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Negotiator{
		vault:   vault,
		peers:   peers,
		localID: strings.TrimSpace(localNodeID),
		logger:  logger,
		store:   NewInMemorySessionStore(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetEpochFloor makes the next session epoch larger than epoch.
func (n *Negotiator) SetEpochFloor(epoch uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.epoch = max(n.epoch, epoch)
}

// SetLocalNodeID changes the local node id. An existing session is invalidated.
func (n *Negotiator) SetLocalNodeID(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == n.localID {
		return
	}
	n.localID = nodeID
	if n.session != nil {
		n.resetLocked(StateIdle, nil)
	}
}

func (n *Negotiator) LocalNodeID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.localID
}

// Arm moves Idle to AwaitingPeer once the vault holds a key pair.
func (n *Negotiator) Arm() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.armLocked()
}

func (n *Negotiator) armLocked() error {
	switch n.state {
	case StateAwaitingPeer:
		return nil
	case StateIdle:
	default:
		return fmt.Errorf("%w: arm from %s", ErrInvalidTransition, n.state)
	}
	if _, err := n.vault.PublicKeyBytes(); err != nil {
		return err
	}
	n.state = StateAwaitingPeer
	return nil
}

// Establish runs AwaitingPeer -> SharedSecretComputed -> SessionKeyDerived -> Ready.
// An invalid peer key moves the negotiator to Failed; it stays there until invalidated.
func (n *Negotiator) Establish(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case StateReady:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: negotiation failed earlier: %v", ErrInvalidTransition, n.failure)
	case StateIdle:
		if err := n.armLocked(); err != nil {
			return err
		}
	case StateAwaitingPeer:
	default:
		return fmt.Errorf("%w: establish from %s", ErrInvalidTransition, n.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	peer, ok := n.peers.Identity()
	if !ok {
		return ErrPeerIncomplete
	}
	if n.localID == "" {
		return fmt.Errorf("%w: local node id is not set", identity.ErrInvalidNodeID)
	}
	if peer.NodeID == n.localID {
		return fmt.Errorf("%w: peer node id equals the local node id", identity.ErrInvalidNodeID)
	}
	localPub, err := n.vault.PublicKeyBytes()
	if err != nil {
		return err
	}
	if bytes.Equal(localPub[:], peer.PublicKey[:]) {
		err := fmt.Errorf("%w: peer key equals the local key", identity.ErrInvalidPeerKey)
		n.resetLocked(StateFailed, err)
		return err
	}

	secret, err := n.vault.Agree(peer.PublicKey)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidPeerKey) {
			n.resetLocked(StateFailed, err)
			n.logger.Warn("session negotiation failed", "reason", err.Error())
		}
		return err
	}
	defer secret.Wipe()
	n.state = StateSharedSecretComputed

	keys := &sessionKeys{localID: n.localID, peerID: peer.NodeID, peerKey: peer.PublicKey}
	if err := secret.Use(func(raw []byte) error {
		return deriveSessionKeys(keys, raw, localPub, peer.PublicKey)
	}); err != nil {
		keys.wipe()
		n.resetLocked(StateFailed, err)
		return err
	}
	n.state = StateSessionKeyDerived

	keys.readyAt = time.Now().UTC()
	resume, err := n.claimEpochLocked(keys)
	if err != nil {
		keys.wipe()
		n.state = StateAwaitingPeer
		n.logger.Error("session state not saved", "session_id", keys.id, "error", err)
		return err
	}
	n.epoch = resume.Epoch
	keys.epoch = resume.Epoch
	keys.resume = resume
	n.session = keys
	n.state = StateReady
	n.logger.Info("session ready", "session_id", keys.id, "peer_node_id", keys.peerID, "epoch", keys.epoch,
		"resumed_seq", resume.SendReserved)
	return nil
}

// claimEpochLocked persists a fresh epoch for keys and returns the counters saved for its session id.
// Epochs grow across restarts, so history keyed by epoch never collides.
func (n *Negotiator) claimEpochLocked(keys *sessionKeys) (SessionState, error) {
	last, err := n.store.LastEpoch()
	if err != nil {
		return SessionState{}, fmt.Errorf("%w: %w", ErrSessionStore, err)
	}
	state, _, err := n.store.Get(keys.id)
	if err != nil {
		return SessionState{}, fmt.Errorf("%w: %w", ErrSessionStore, err)
	}
	state.SessionID = keys.id
	state.PeerNodeID = keys.peerID
	state.Epoch = max(n.epoch, last) + 1
	state.UpdatedAt = keys.readyAt
	if err := n.store.Save(state); err != nil {
		return SessionState{}, fmt.Errorf("%w: %w", ErrSessionStore, err)
	}
	return state, nil
}

// Invalidate discards the session and any failure, returning to Idle.
func (n *Negotiator) Invalidate(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateIdle && n.session == nil {
		return
	}
	n.resetLocked(StateIdle, nil)
	n.logger.Info("session invalidated", "reason", reason)
}

// Fail discards the session and records a session-fatal error.
func (n *Negotiator) Fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLocked(StateFailed, err)
	n.logger.Warn("session failed", "reason", err.Error())
}

func (n *Negotiator) resetLocked(next State, failure error) {
	if n.session != nil {
		n.session.wipe()
		n.session = nil
	}
	n.state = next
	n.failure = failure
}

func (n *Negotiator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Negotiator) Failure() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.failure
}

// SessionInfo is the non-secret description of a ready session.
type SessionInfo struct {
	ID           string
	Epoch        uint64
	PeerNodeID   string
	SafetyPhrase string
	ReadyAt      time.Time
}

func (n *Negotiator) Session() (SessionInfo, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateReady || n.session == nil {
		return SessionInfo{}, false
	}
	s := n.session
	return SessionInfo{ID: s.id, Epoch: s.epoch, PeerNodeID: s.peerID, SafetyPhrase: s.phrase, ReadyAt: s.readyAt}, true
}

// withSession runs fn with the ready session keys under the read lock.
func (n *Negotiator) withSession(fn func(*sessionKeys) error) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateReady || n.session == nil {
		return ErrSessionNotReady
	}
	return fn(n.session)
}

func deriveSessionKeys(out *sessionKeys, secret []byte, localPub, peerPub [identity.KeySize]byte) error {
	lo, hi := normalizeKeys(localPub[:], peerPub[:])
	saltHash := sha256.New()
	saltHash.Write(lo)
	saltHash.Write(hi)
	salt := saltHash.Sum(nil)

	nodeA, nodeB := normalizeIDs(out.localID, out.peerID)
	info := make([]byte, 0, len(labelSessionKey)+len(nodeA)+len(nodeB)+2)
	info = append(info, labelSessionKey...)
	info = append(info, 0)
	info = append(info, nodeA...)
	info = append(info, 0)
	info = append(info, nodeB...)

	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out.key[:]); err != nil {
		return err
	}

	a2b := kdf32(out.key[:], []byte(labelChainA2B))
	b2a := kdf32(out.key[:], []byte(labelChainB2A))
	defer memzero.Zero(a2b)
	defer memzero.Zero(b2a)
	if out.localID == nodeA {
		copy(out.sendKey[:], a2b)
		copy(out.recvKey[:], b2a)
	} else {
		copy(out.sendKey[:], b2a)
		copy(out.recvKey[:], a2b)
	}

	idBytes := kdf32(out.key[:], []byte(labelSessionID))
	out.id = hex.EncodeToString(idBytes[:8])

	safety := kdf32(out.key[:], []byte(labelSafety))
	defer memzero.Zero(safety)
	phrase, err := bip39.NewMnemonic(safety[:16])
	if err != nil {
		return err
	}
	out.phrase = phrase
	return nil
}

func kdf32(input, info []byte) []byte {
	reader := hkdf.New(sha256.New, input, nil, info)
	out := make([]byte, 32)
	_, _ = io.ReadFull(reader, out)
	return out
}

func normalizeIDs(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func normalizeKeys(a, b []byte) ([]byte, []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// SessionID is the short public identifier of the ready session, or "".
func (n *Negotiator) SessionID() string {
	info, _ := n.Session()
	return info.ID
}

// SafetyPhrase is the word list both users compare out of band, or "".
func (n *Negotiator) SafetyPhrase() string {
	info, _ := n.Session()
	return info.SafetyPhrase
}
