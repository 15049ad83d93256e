package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"fusionlink/go-backend/internal/platform/memzero"
)

const KeySize = 32

var (
	ErrEntropyUnavailable = errors.New("entropy unavailable")
	ErrNoKeyGenerated     = errors.New("no key generated")
	ErrInvalidPeerKey     = errors.New("invalid peer key")
)

type EventKind string

const (
	EventKeyGenerated EventKind = "key_generated"
	EventKeyReset     EventKind = "key_reset"
)

// VaultEvent reports a change of the local key pair. Fingerprint identifies the pair it concerns.
type VaultEvent struct {
	Kind        EventKind
	Fingerprint string
	At          time.Time
}

// KeyInfo is the public view of the local key pair.
type KeyInfo struct {
	PublicKey   [KeySize]byte
	Fingerprint string
	CreatedAt   time.Time
}

type keyPair struct {
	private   [KeySize]byte
	public    [KeySize]byte
	createdAt time.Time
}

func (kp *keyPair) wipe() {
	memzero.Zero(kp.private[:])
	memzero.Zero(kp.public[:])
	kp.createdAt = time.Time{}
}

func (kp *keyPair) info() KeyInfo {
	return KeyInfo{
		PublicKey:   kp.public,
		Fingerprint: Fingerprint(kp.public),
		CreatedAt:   kp.createdAt,
	}
}

// SharedSecret holds a raw X25519 output until it is wiped.
type SharedSecret struct {
	mu    sync.Mutex
	b     [KeySize]byte
	wiped bool
}

// Use passes the secret bytes to fn. The slice must not be retained.
func (s *SharedSecret) Use(fn func(secret []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return errors.New("shared secret already wiped")
	}
	return fn(s.b[:])
}

func (s *SharedSecret) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	memzero.Zero(s.b[:])
	s.wiped = true
}

type KeyVault struct {
	mu     sync.RWMutex
	pair   *keyPair
	random io.Reader
	store  *VaultStore
	logger *slog.Logger
	now    func() time.Time

	subsMu  sync.Mutex
	subs    map[int]chan VaultEvent
	nextSub int
}

type VaultOption func(*KeyVault)

// WithRandom replaces the entropy source, mainly for tests.
func WithRandom(r io.Reader) VaultOption {
	return func(v *KeyVault) {
		if r != nil {
			v.random = r
		}
	}
}

func WithStore(store *VaultStore) VaultOption {
	return func(v *KeyVault) { v.store = store }
}

func WithLogger(logger *slog.Logger) VaultOption {
	return func(v *KeyVault) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewKeyVault(opts ...VaultOption) *KeyVault {
	v := &KeyVault{
		random: rand.Reader,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[int]chan VaultEvent),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Load restores a persisted key pair. It reports whether a pair was found.
func (v *KeyVault) Load(ctx context.Context) (bool, error) {
	if v.store == nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	kp, err := v.store.load()
	if err != nil || kp == nil {
		return false, err
	}
	v.mu.Lock()
	old := v.pair
	v.pair = kp
	v.mu.Unlock()
	if old != nil {
		old.wipe()
	}
	v.logger.Info("key vault restored", "key_fingerprint", Fingerprint(kp.public))
	return true, nil
}

// Generate creates a fresh key pair and replaces (and wipes) any previous one.
func (v *KeyVault) Generate(ctx context.Context) (KeyInfo, error) {
	if err := ctx.Err(); err != nil {
		return KeyInfo{}, err
	}
	kp, err := v.newKeyPair()
	if err != nil {
		return KeyInfo{}, err
	}
	if v.store != nil {
		if err := v.store.save(kp); err != nil {
			kp.wipe()
			return KeyInfo{}, fmt.Errorf("persist key pair: %w", err)
		}
	}

	v.mu.Lock()
	old := v.pair
	v.pair = kp
	info := kp.info()
	v.mu.Unlock()

	if old != nil {
		oldFingerprint := Fingerprint(old.public)
		old.wipe()
		v.emit(VaultEvent{Kind: EventKeyReset, Fingerprint: oldFingerprint, At: v.now()})
	}
	v.emit(VaultEvent{Kind: EventKeyGenerated, Fingerprint: info.Fingerprint, At: info.CreatedAt})
	v.logger.Info("key pair generated", "key_fingerprint", info.Fingerprint)
	return info, nil
}

func (v *KeyVault) newKeyPair() (*keyPair, error) {
	kp := &keyPair{createdAt: v.now()}
	if _, err := io.ReadFull(v.random, kp.private[:]); err != nil {
		kp.wipe()
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	if memzero.IsZero(kp.private[:]) {
		return nil, fmt.Errorf("%w: random source returned zeros", ErrEntropyUnavailable)
	}
	clamp(&kp.private)
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		kp.wipe()
		return nil, err
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// HasKey reports whether a key pair is present.
func (v *KeyVault) HasKey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.pair != nil
}

func (v *KeyVault) Info() (KeyInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.pair == nil {
		return KeyInfo{}, ErrNoKeyGenerated
	}
	return v.pair.info(), nil
}

func (v *KeyVault) PublicKeyBytes() ([KeySize]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.pair == nil {
		return [KeySize]byte{}, ErrNoKeyGenerated
	}
	return v.pair.public, nil
}

// PublicKeyText returns the public key as standard base64 (44 characters).
func (v *KeyVault) PublicKeyText() (string, error) {
	pub, err := v.PublicKeyBytes()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pub[:]), nil
}

// QRPayload returns the text carried by the exported QR code. The node id is optional metadata.
func (v *KeyVault) QRPayload(nodeID string) (string, error) {
	text, err := v.PublicKeyText()
	if err != nil {
		return "", err
	}
	return FormatQRPayload(text, nodeID), nil
}

// Agree computes X25519(private, peer). Low-order and all-zero peer points are rejected.
func (v *KeyVault) Agree(peer [KeySize]byte) (*SharedSecret, error) {
	if memzero.IsZero(peer[:]) {
		return nil, fmt.Errorf("%w: all-zero point", ErrInvalidPeerKey)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.pair == nil {
		return nil, ErrNoKeyGenerated
	}
	out, err := curve25519.X25519(v.pair.private[:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	secret := &SharedSecret{}
	copy(secret.b[:], out)
	memzero.Zero(out)
	return secret, nil
}

// Reset wipes the key pair and removes its persisted copy. Calling it without a key is a no-op.
func (v *KeyVault) Reset() error {
	v.mu.Lock()
	old := v.pair
	v.pair = nil
	v.mu.Unlock()

	var storeErr error
	if v.store != nil {
		storeErr = v.store.remove()
	}
	if old == nil {
		return storeErr
	}
	fingerprint := Fingerprint(old.public)
	old.wipe()
	v.emit(VaultEvent{Kind: EventKeyReset, Fingerprint: fingerprint, At: v.now()})
	v.logger.Info("key pair destroyed", "key_fingerprint", fingerprint)
	return storeErr
}

// Subscribe returns a buffered event channel and its cancel function.
// Slow subscribers are dropped rather than blocking the vault.
func (v *KeyVault) Subscribe() (<-chan VaultEvent, func()) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	id := v.nextSub
	v.nextSub++
	ch := make(chan VaultEvent, 16)
	v.subs[id] = ch
	return ch, func() {
		v.subsMu.Lock()
		defer v.subsMu.Unlock()
		if sub, ok := v.subs[id]; ok {
			close(sub)
			delete(v.subs, id)
		}
	}
}

func (v *KeyVault) emit(ev VaultEvent) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	for id, ch := range v.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(v.subs, id)
		}
	}
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
