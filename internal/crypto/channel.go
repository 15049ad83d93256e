package crypto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const messageVersion = 1

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrReplayDetected       = errors.New("replay detected")
	ErrSequenceExhausted    = errors.New("sequence counter exhausted")
	ErrMalformedMessage     = errors.New("malformed encoded message")
)

// EncodedMessage is the sealed form of one chat message.
type EncodedMessage struct {
	Version    uint8  `json:"v"`
	SessionID  string `json:"sid"`
	Sender     string `json:"from"`
	Sequence   uint64 `json:"seq"`
	Ciphertext []byte `json:"ct"`
	// Epoch of the local session that sealed the message; never serialized.
	Epoch uint64 `json:"-"`
}

func (m EncodedMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func ParseEncodedMessage(raw []byte) (EncodedMessage, error) {
	var m EncodedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return EncodedMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validateEncoded(m); err != nil {
		return EncodedMessage{}, err
	}
	return m, nil
}

func validateEncoded(m EncodedMessage) error {
	switch {
	case m.Version != messageVersion:
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedMessage, m.Version)
	case strings.TrimSpace(m.Sender) == "":
		return fmt.Errorf("%w: sender is required", ErrMalformedMessage)
	case m.Sequence == 0:
		return fmt.Errorf("%w: sequence must be positive", ErrMalformedMessage)
	case len(m.Ciphertext) < chacha20poly1305.Overhead:
		return fmt.Errorf("%w: ciphertext too short", ErrMalformedMessage)
	}
	return nil
}

// sendReserveBlock is how many outbound sequences one store write reserves.
const sendReserveBlock = 32

// Channel seals and opens messages under the negotiator's session.
// The per-direction sequence counter is the only nonce source. Counters are kept per session id
// in the session store, so a session rebuilt from the same identities continues where it stopped.
type Channel struct {
	mu           sync.Mutex
	neg          *Negotiator
	epoch        uint64
	saved        SessionState
	sendSeq      uint64
	lastAccepted map[string]uint64
}

func NewChannel(neg *Negotiator) *Channel {
	return &Channel{neg: neg, lastAccepted: make(map[string]uint64)}
}

// Encode seals plaintext. The send counter advances only when sealing succeeds.
func (c *Channel) Encode(plaintext string) (EncodedMessage, error) {
	return c.Seal(plaintext, nil)
}

// Seal encrypts plaintext and passes the result to commit. If commit fails the sealed message is
// discarded and its sequence is burned: the nonce is never used again and the peer accepts the gap.
func (c *Channel) Seal(plaintext string, commit func(EncodedMessage) error) (EncodedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out EncodedMessage
	err := c.neg.withSession(func(s *sessionKeys) error {
		c.syncEpochLocked(s)
		if c.sendSeq == math.MaxUint64 {
			return ErrSequenceExhausted
		}
		seq := c.sendSeq + 1
		if err := c.reserveLocked(seq); err != nil {
			return err
		}
		aead, err := chacha20poly1305.New(s.sendKey[:])
		if err != nil {
			return err
		}
		nonce := sequenceNonce(seq)
		ct := aead.Seal(nil, nonce[:], []byte(plaintext), messageAAD(s.id, s.localID, s.peerID, seq))
		msg := EncodedMessage{
			Version:    messageVersion,
			SessionID:  s.id,
			Sender:     s.localID,
			Sequence:   seq,
			Ciphertext: ct,
			Epoch:      s.epoch,
		}
		c.sendSeq = seq
		if commit != nil {
			if err := commit(msg); err != nil {
				return err
			}
		}
		out = msg
		return nil
	})
	if err != nil {
		return EncodedMessage{}, err
	}
	return out, nil
}

// Decode authenticates msg and then enforces a strictly increasing sequence per sender.
func (c *Channel) Decode(msg EncodedMessage) (string, error) {
	return c.Open(msg, nil)
}

// Open is Decode with a commit step: the replay window moves only after commit accepts the
// plaintext, so a message the caller failed to store can be delivered again.
func (c *Channel) Open(msg EncodedMessage, commit func(text string, epoch uint64) error) (string, error) {
	if err := validateEncoded(msg); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var plaintext []byte
	err := c.neg.withSession(func(s *sessionKeys) error {
		c.syncEpochLocked(s)
		if msg.SessionID != s.id || msg.Sender != s.peerID {
			return fmt.Errorf("%w: message not bound to this session", ErrAuthenticationFailed)
		}
		aead, err := chacha20poly1305.New(s.recvKey[:])
		if err != nil {
			return err
		}
		nonce := sequenceNonce(msg.Sequence)
		pt, err := aead.Open(nil, nonce[:], msg.Ciphertext, messageAAD(s.id, msg.Sender, s.localID, msg.Sequence))
		if err != nil {
			return ErrAuthenticationFailed
		}
		if msg.Sequence <= c.lastAccepted[msg.Sender] {
			return fmt.Errorf("%w: sequence %d not after %d", ErrReplayDetected, msg.Sequence, c.lastAccepted[msg.Sender])
		}
		if commit != nil {
			if err := commit(string(pt), s.epoch); err != nil {
				return err
			}
		}
		if err := c.acceptLocked(msg.Sequence); err != nil {
			return err
		}
		c.lastAccepted[msg.Sender] = msg.Sequence
		plaintext = pt
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Counters reports the last sent sequence and the last accepted sequence from the peer.
func (c *Channel) Counters() (sent uint64, accepted map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	accepted = make(map[string]uint64, len(c.lastAccepted))
	for k, v := range c.lastAccepted {
		accepted[k] = v
	}
	return c.sendSeq, accepted
}

// syncEpochLocked loads the saved counters when a new session key replaced the old one.
// Sequences reserved but never used are skipped.
func (c *Channel) syncEpochLocked(s *sessionKeys) {
	if c.epoch == s.epoch {
		return
	}
	c.epoch = s.epoch
	c.saved = s.resume
	c.sendSeq = s.resume.SendReserved
	c.lastAccepted = map[string]uint64{s.peerID: s.resume.RecvAccepted}
}

// reserveLocked makes sure seq is covered by a saved reservation before it is used as a nonce.
func (c *Channel) reserveLocked(seq uint64) error {
	if seq <= c.saved.SendReserved {
		return nil
	}
	next := c.saved
	next.SendReserved = seq + min(sendReserveBlock-1, math.MaxUint64-seq)
	return c.saveLocked(next)
}

func (c *Channel) acceptLocked(seq uint64) error {
	next := c.saved
	next.RecvAccepted = seq
	return c.saveLocked(next)
}

func (c *Channel) saveLocked(next SessionState) error {
	next.UpdatedAt = time.Now().UTC()
	if err := c.neg.store.Save(next); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionStore, err)
	}
	c.saved = next
	return nil
}

func sequenceNonce(seq uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], seq)
	return nonce
}

func messageAAD(sessionID, sender, recipient string, seq uint64) []byte {
	b := make([]byte, 0, len(sessionID)+len(sender)+len(recipient)+12)
	b = append(b, messageVersion)
	b = append(b, sessionID...)
	b = append(b, 0)
	b = append(b, sender...)
	b = append(b, 0)
	b = append(b, recipient...)
	b = append(b, 0)
	return binary.BigEndian.AppendUint64(b, seq)
}
