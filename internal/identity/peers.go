package identity

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMinNodeIDLength = 5
	maxNodeIDLength        = 128
)

var (
	ErrInvalidKeyFormat   = errors.New("invalid key format")
	ErrInvalidNodeID      = errors.New("invalid node id")
	ErrPeerIdentityLocked = errors.New("peer identity already complete")
)

// Provenance records how a peer field was obtained.
type Provenance string

const (
	SourceManual    Provenance = "manual"
	SourceQR        Provenance = "qr"
	SourceTransport Provenance = "transport"
)

type PeerIdentity struct {
	PublicKey  [KeySize]byte
	NodeID     string
	AcquiredAt time.Time
	KeySource  Provenance
	NodeSource Provenance
}

// PeerRegistry holds the remote party's public key and relay node id.
type PeerRegistry struct {
	mu           sync.RWMutex
	minNodeIDLen int
	now          func() time.Time

	key        *[KeySize]byte
	keySource  Provenance
	keyAt      time.Time
	nodeID     string
	nodeSource Provenance
	nodeAt     time.Time
}

func NewPeerRegistry(minNodeIDLen int) *PeerRegistry {
	if minNodeIDLen <= 0 {
		minNodeIDLen = DefaultMinNodeIDLength
	}
	return &PeerRegistry{
		minNodeIDLen: minNodeIDLen,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetPeerKey accepts a 32-byte key encoded as hex or base64 (standard or URL, padded or not).
func (r *PeerRegistry) SetPeerKey(raw string, source Provenance) error {
	key, err := DecodePublicKey(raw)
	if err != nil {
		return err
	}
	return r.setKey(key, source)
}

// SetPeerKeyBytes accepts raw key bytes, for example the output of a QR decoder.
func (r *PeerRegistry) SetPeerKeyBytes(b []byte, source Provenance) error {
	if len(b) != KeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyFormat, KeySize, len(b))
	}
	var key [KeySize]byte
	copy(key[:], b)
	return r.setKey(key, source)
}

func (r *PeerRegistry) setKey(key [KeySize]byte, source Provenance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeLocked() {
		if bytes.Equal(r.key[:], key[:]) {
			return nil
		}
		return ErrPeerIdentityLocked
	}
	r.key = &key
	r.keySource = source
	r.keyAt = r.now()
	return nil
}

func (r *PeerRegistry) SetPeerNodeID(raw string, source Provenance) error {
	nodeID, err := ValidateNodeID(raw, r.minNodeIDLen)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeLocked() {
		if r.nodeID == nodeID {
			return nil
		}
		return ErrPeerIdentityLocked
	}
	r.nodeID = nodeID
	r.nodeSource = source
	r.nodeAt = r.now()
	return nil
}

// ApplyQRPayload validates decoded QR text the same way as manual entry.
func (r *PeerRegistry) ApplyQRPayload(payload []byte) error {
	keyText, nodeID := ParseQRPayload(string(payload))
	if nodeID != "" {
		if _, err := ValidateNodeID(nodeID, r.minNodeIDLen); err != nil {
			return err
		}
	}
	if err := r.SetPeerKey(keyText, SourceQR); err != nil {
		return err
	}
	if nodeID == "" {
		return nil
	}
	return r.SetPeerNodeID(nodeID, SourceQR)
}

func (r *PeerRegistry) IsComplete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completeLocked()
}

func (r *PeerRegistry) completeLocked() bool {
	return r.key != nil && r.nodeID != ""
}

// Identity returns the peer identity once both fields are set.
func (r *PeerRegistry) Identity() (PeerIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.completeLocked() {
		return PeerIdentity{}, false
	}
	acquired := r.keyAt
	if r.nodeAt.After(acquired) {
		acquired = r.nodeAt
	}
	return PeerIdentity{
		PublicKey:  *r.key,
		NodeID:     r.nodeID,
		AcquiredAt: acquired,
		KeySource:  r.keySource,
		NodeSource: r.nodeSource,
	}, true
}

// Partial reports whatever has been entered so far.
func (r *PeerRegistry) Partial() (key *[KeySize]byte, nodeID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.key != nil {
		k := *r.key
		key = &k
	}
	return key, r.nodeID
}

func (r *PeerRegistry) HasAny() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.key != nil || r.nodeID != ""
}

func (r *PeerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = nil
	r.keySource = ""
	r.keyAt = time.Time{}
	r.nodeID = ""
	r.nodeSource = ""
	r.nodeAt = time.Time{}
}

// DecodePublicKey decodes hex or base64 text into a 32-byte key.
func DecodePublicKey(raw string) ([KeySize]byte, error) {
	var key [KeySize]byte
	text := strings.Join(strings.Fields(raw), "")
	if text == "" {
		return key, fmt.Errorf("%w: empty input", ErrInvalidKeyFormat)
	}
	if len(text) == hex.EncodedLen(KeySize) {
		if decoded, err := hex.DecodeString(text); err == nil {
			copy(key[:], decoded)
			return key, nil
		}
	}
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		decoded, err := enc.DecodeString(text)
		if err != nil {
			continue
		}
		if len(decoded) != KeySize {
			return key, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyFormat, KeySize, len(decoded))
		}
		copy(key[:], decoded)
		return key, nil
	}
	return key, fmt.Errorf("%w: not hex or base64", ErrInvalidKeyFormat)
}

// ValidateNodeID trims and checks a relay node id.
func ValidateNodeID(raw string, minLen int) (string, error) {
	if minLen <= 0 {
		minLen = DefaultMinNodeIDLength
	}
	nodeID := strings.TrimSpace(raw)
	if nodeID == "" {
		return "", fmt.Errorf("%w: node id is required", ErrInvalidNodeID)
	}
	n := utf8.RuneCountInString(nodeID)
	if n < minLen {
		return "", fmt.Errorf("%w: must be at least %d characters", ErrInvalidNodeID, minLen)
	}
	if n > maxNodeIDLength {
		return "", fmt.Errorf("%w: must be at most %d characters", ErrInvalidNodeID, maxNodeIDLength)
	}
	for _, r := range nodeID {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) || string(r) == qrNodeSeparator {
			return "", fmt.Errorf("%w: contains unsupported character %q", ErrInvalidNodeID, r)
		}
	}
	return nodeID, nil
}
