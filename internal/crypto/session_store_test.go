package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fusionlink/go-backend/internal/securestore"
	"fusionlink/go-backend/internal/testutil/fsperm"
)

func TestFileSessionStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secure", "sessions.enc")
	store, err := NewFileSessionStore(path, "pass")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if last, _ := store.LastEpoch(); last != 0 {
		t.Fatalf("empty store reports epoch %d", last)
	}
	state := SessionState{SessionID: "0011223344556677", PeerNodeID: "NODE-BBB", Epoch: 4, SendReserved: 32, RecvAccepted: 9}
	if err := store.Save(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(SessionState{SessionID: "other", Epoch: 2}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if bytes.Contains(raw, []byte("NODE-BBB")) {
		t.Fatal("session file is not encrypted")
	}
	fsperm.AssertPrivateDir(t, filepath.Dir(path))
	fsperm.AssertSecretFile(t, path)

	reopened, err := NewFileSessionStore(path, "pass")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, ok, err := reopened.Get(state.SessionID)
	if err != nil || !ok {
		t.Fatalf("state missing after reopen: %v", err)
	}
	if got.SendReserved != 32 || got.RecvAccepted != 9 || got.PeerNodeID != "NODE-BBB" {
		t.Fatalf("unexpected state %+v", got)
	}
	if last, _ := reopened.LastEpoch(); last != 4 {
		t.Fatalf("epoch high-water lost: %d", last)
	}

	if _, err := NewFileSessionStore(path, "wrong"); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestFileSessionStoreRequiresPassphrase(t *testing.T) {
	if _, err := NewFileSessionStore(filepath.Join(t.TempDir(), "sessions.enc"), ""); !errors.Is(err, securestore.ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestFileSessionStoreKeepsStateWhenWriteFails(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSessionStore(filepath.Join(dir, "sessions.enc"), "pass")
	if err != nil {
		t.Fatal(err)
	}
	store.path = dir // a directory cannot be replaced by rename
	if err := store.Save(SessionState{SessionID: "x", Epoch: 3}); err == nil {
		t.Fatal("expected save error")
	}
	if _, ok, _ := store.Get("x"); ok {
		t.Fatal("unsaved state must not be visible")
	}
	if last, _ := store.LastEpoch(); last != 0 {
		t.Fatalf("unsaved epoch became visible: %d", last)
	}
}
