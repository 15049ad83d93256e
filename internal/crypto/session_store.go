package crypto

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"fusionlink/go-backend/internal/platform/memzero"
	"fusionlink/go-backend/internal/securestore"
)

const sessionFileVersion = 1

// SessionState is what outlives the keys of a session. Session ids are derived from the two
// identities, so the same pair of peers always lands on the same record.
type SessionState struct {
	SessionID  string `json:"session_id"`
	PeerNodeID string `json:"peer_node_id"`
	Epoch      uint64 `json:"epoch"`
	// SendReserved is the highest outbound sequence that may already have been sealed.
	SendReserved uint64 `json:"send_reserved"`
	// RecvAccepted is the highest sequence accepted from the peer.
	RecvAccepted uint64    `json:"recv_accepted"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionStore keeps session counters and the epoch high-water mark.
type SessionStore interface {
	Save(state SessionState) error
	Get(sessionID string) (SessionState, bool, error)
	LastEpoch() (uint64, error)
}

type InMemorySessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]SessionState
	lastEpoch uint64
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]SessionState)}
}

func (s *InMemorySessionStore) Save(state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.SessionID] = state
	s.lastEpoch = max(s.lastEpoch, state.Epoch)
	return nil
}

func (s *InMemorySessionStore) Get(sessionID string) (SessionState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[sessionID]
	return state, ok, nil
}

func (s *InMemorySessionStore) LastEpoch() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEpoch, nil
}

type sessionFile struct {
	Version   int                     `json:"version"`
	LastEpoch uint64                  `json:"last_epoch"`
	Sessions  map[string]SessionState `json:"sessions"`
}

// FileSessionStore keeps session state in a passphrase-encrypted file next to the key vault.
// A persisted key pair without this file would restart every counter at zero.
type FileSessionStore struct {
	mu     sync.Mutex
	path   string
	secret string
	data   sessionFile
}

// NewFileSessionStore opens the encrypted store at path, reading any existing content.
func NewFileSessionStore(path, passphrase string) (*FileSessionStore, error) {
	if !securestore.IsConfigured(path, passphrase) {
		return nil, fmt.Errorf("session store %s: %w", path, securestore.ErrNoSecret)
	}
	s := &FileSessionStore{path: strings.TrimSpace(path), secret: passphrase}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSessionStore) Path() string {
	return s.path
}

func (s *FileSessionStore) Save(state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := sessionFile{
		Version:   sessionFileVersion,
		LastEpoch: max(s.data.LastEpoch, state.Epoch),
		Sessions:  make(map[string]SessionState, len(s.data.Sessions)+1),
	}
	for id, st := range s.data.Sessions {
		next.Sessions[id] = st
	}
	next.Sessions[state.SessionID] = state
	if err := securestore.WriteEncryptedJSON(s.path, s.secret, securestore.PurposeSessions, next); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	s.data = next
	return nil
}

func (s *FileSessionStore) Get(sessionID string) (SessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.data.Sessions[sessionID]
	return state, ok, nil
}

func (s *FileSessionStore) LastEpoch() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastEpoch, nil
}

func (s *FileSessionStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = sessionFile{Version: sessionFileVersion, Sessions: make(map[string]SessionState)}
	raw, err := securestore.ReadDecryptedFile(s.path, s.secret, securestore.PurposeSessions)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if raw == nil {
		return nil
	}
	defer memzero.Zero(raw)
	var data sessionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if data.Version != sessionFileVersion {
		return fmt.Errorf("load session state: unsupported schema version %d", data.Version)
	}
	if data.Sessions == nil {
		data.Sessions = make(map[string]SessionState)
	}
	for _, st := range data.Sessions {
		data.LastEpoch = max(data.LastEpoch, st.Epoch)
	}
	s.data = data
	return nil
}
