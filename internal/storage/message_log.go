package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"fusionlink/go-backend/internal/platform/memzero"
	"fusionlink/go-backend/internal/securestore"
	"fusionlink/go-backend/pkg/models"
)

var (
	ErrMessageConflict = errors.New("message sequence conflict")
	ErrInvalidMessage  = errors.New("invalid message")
)

const historySchemaVersion = 1

type historySnapshot struct {
	Version  int              `json:"version"`
	Messages []models.Message `json:"messages"`
}

// MessageLog is the ordered chat history with delivery status per message.
type MessageLog struct {
	mu       sync.RWMutex
	messages []models.Message
	index    map[models.MessageKey]int
	path     string
	secret   string
	now      func() time.Time
}

func NewMessageLog() *MessageLog {
	return &MessageLog{
		index: make(map[models.MessageKey]int),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewPersistentMessageLog keeps history in an encrypted file. History is never written in plaintext,
// so a path without a passphrase is rejected.
func NewPersistentMessageLog(path, passphrase string) (*MessageLog, error) {
	l := NewMessageLog()
	if strings.TrimSpace(path) == "" {
		return l, nil
	}
	if !securestore.IsConfigured(path, passphrase) {
		return nil, fmt.Errorf("history %s: %w", path, securestore.ErrNoSecret)
	}
	l.path = path
	l.secret = passphrase
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Record appends a message. Recording an identical message again is a no-op.
func (l *MessageLog) Record(msg models.Message) error {
	if msg.Sequence == 0 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidMessage)
	}
	if msg.Sender != models.SenderLocal && msg.Sender != models.SenderPeer {
		return fmt.Errorf("%w: unknown sender %q", ErrInvalidMessage, msg.Sender)
	}
	if status := models.NormalizeStatus(string(msg.Status)); status != "" {
		msg.Status = status
	} else {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, msg.Status)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = l.now()
	}
	msg.Ciphertext = bytes.Clone(msg.Ciphertext)

	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[msg.Key()]; ok {
		if sameMessage(l.messages[i], msg) {
			return nil
		}
		return fmt.Errorf("%w: %s #%d", ErrMessageConflict, msg.Sender, msg.Sequence)
	}
	next := append(slices.Clone(l.messages), msg)
	if err := l.persistLocked(next); err != nil {
		return err
	}
	l.messages = next
	l.index[msg.Key()] = len(next) - 1
	return nil
}

// UpdateStatus merges status into the message identified by key. Transitions only move forward.
func (l *MessageLog) UpdateStatus(key models.MessageKey, status models.MessageStatus) (models.Message, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[key]
	if !ok {
		return models.Message{}, false, nil
	}
	current := l.messages[i]
	merged := models.MergeStatus(current.Status, status)
	if merged == current.Status {
		return cloneMessage(current), true, nil
	}
	next := slices.Clone(l.messages)
	next[i].Status = merged
	if err := l.persistLocked(next); err != nil {
		return models.Message{}, false, err
	}
	l.messages = next
	return cloneMessage(next[i]), true, nil
}

// MarkDelivered applies a transport acknowledgment to an outbound message.
func (l *MessageLog) MarkDelivered(epoch, seq uint64) (models.Message, bool, error) {
	return l.UpdateStatus(models.MessageKey{Epoch: epoch, Sender: models.SenderLocal, Sequence: seq}, models.StatusDelivered)
}

// MarkRead records that the user has seen an inbound message.
func (l *MessageLog) MarkRead(epoch, seq uint64) (models.Message, bool, error) {
	return l.UpdateStatus(models.MessageKey{Epoch: epoch, Sender: models.SenderPeer, Sequence: seq}, models.StatusRead)
}

func (l *MessageLog) Get(key models.MessageKey) (models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[key]
	if !ok {
		return models.Message{}, false
	}
	return cloneMessage(l.messages[i]), true
}

// Messages returns the history in recording order.
func (l *MessageLog) Messages() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// Queued lists outbound messages of epoch still waiting for a transport, lowest sequence first.
func (l *MessageLog) Queued(epoch uint64) []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, m := range l.messages {
		if m.Epoch == epoch && m.Sender == models.SenderLocal && m.Status == models.StatusQueued {
			out = append(out, cloneMessage(m))
		}
	}
	slices.SortFunc(out, func(a, b models.Message) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	return out
}

// FailQueued marks every queued outbound message as failed and reports how many changed.
func (l *MessageLog) FailQueued() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := slices.Clone(l.messages)
	changed := 0
	for i := range next {
		if next[i].Sender == models.SenderLocal && next[i].Status == models.StatusQueued {
			next[i].Status = models.StatusFailed
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := l.persistLocked(next); err != nil {
		return 0, err
	}
	l.messages = next
	return changed, nil
}

// MaxEpoch is the highest session epoch found in the history, or 0.
func (l *MessageLog) MaxEpoch() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var epoch uint64
	for _, m := range l.messages {
		epoch = max(epoch, m.Epoch)
	}
	return epoch
}

func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Clear drops the whole history, including the encrypted file.
func (l *MessageLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path != "" {
		if err := securestore.Remove(l.path); err != nil {
			return err
		}
	}
	l.messages = nil
	l.index = make(map[models.MessageKey]int)
	return nil
}

func (l *MessageLog) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	raw, err := securestore.ReadDecryptedFile(l.path, l.secret, securestore.PurposeHistory)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if raw == nil {
		return nil
	}
	defer memzero.Zero(raw)
	var snap historySnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if snap.Version != historySchemaVersion {
		return fmt.Errorf("load history: unsupported schema version %d", snap.Version)
	}
	index := make(map[models.MessageKey]int, len(snap.Messages))
	for i, m := range snap.Messages {
		index[m.Key()] = i
	}
	l.messages = snap.Messages
	l.index = index
	return nil
}

func (l *MessageLog) persistLocked(messages []models.Message) error {
	if l.path == "" {
		return nil
	}
	return securestore.WriteEncryptedJSON(l.path, l.secret, securestore.PurposeHistory, historySnapshot{
		Version:  historySchemaVersion,
		Messages: messages,
	})
}

func cloneMessage(m models.Message) models.Message {
	m.Ciphertext = bytes.Clone(m.Ciphertext)
	return m
}

func sameMessage(a, b models.Message) bool {
	return a.Key() == b.Key() &&
		a.Text == b.Text &&
		bytes.Equal(a.Ciphertext, b.Ciphertext) &&
		a.Encrypted == b.Encrypted
}
