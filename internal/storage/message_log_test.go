package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fusionlink/go-backend/internal/securestore"
	"fusionlink/go-backend/internal/testutil/fsperm"
	"fusionlink/go-backend/pkg/models"
)

func localMessage(seq uint64, status models.MessageStatus) models.Message {
	return models.Message{
		Sequence:   seq,
		Sender:     models.SenderLocal,
		Text:       "hello",
		Ciphertext: []byte{1, 2, 3},
		Status:     status,
		Encrypted:  true,
		Epoch:      1,
	}
}

func TestMessageStatusMonotonicTransitions(t *testing.T) {
	l := NewMessageLog()
	if err := l.Record(localMessage(1, models.StatusSent)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if _, _, err := l.MarkDelivered(1, 1); err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	key := models.MessageKey{Epoch: 1, Sender: models.SenderLocal, Sequence: 1}
	if _, _, err := l.UpdateStatus(key, models.StatusRead); err != nil {
		t.Fatalf("set read failed: %v", err)
	}
	if _, _, err := l.UpdateStatus(key, models.StatusSent); err != nil {
		t.Fatalf("set sent failed: %v", err)
	}
	got, ok := l.Get(key)
	if !ok {
		t.Fatal("message not found")
	}
	if got.Status != models.StatusRead {
		t.Fatalf("expected final status read, got %s", got.Status)
	}
}

func TestFailedIsTerminal(t *testing.T) {
	l := NewMessageLog()
	if err := l.Record(localMessage(1, models.StatusQueued)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if n, err := l.FailQueued(); err != nil || n != 1 {
		t.Fatalf("fail queued: n=%d err=%v", n, err)
	}
	got, _, err := l.MarkDelivered(1, 1)
	if err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("failed must be terminal, got %s", got.Status)
	}
}

func TestMarkDeliveredIgnoresUnknownSequence(t *testing.T) {
	l := NewMessageLog()
	if _, ok, err := l.MarkDelivered(1, 42); ok || err != nil {
		t.Fatalf("expected no-op, got ok=%v err=%v", ok, err)
	}
}

func TestMarkReadTargetsInboundMessages(t *testing.T) {
	l := NewMessageLog()
	in := localMessage(1, models.StatusDelivered)
	in.Sender = models.SenderPeer
	if err := l.Record(in); err != nil {
		t.Fatalf("record inbound failed: %v", err)
	}
	if err := l.Record(localMessage(1, models.StatusSent)); err != nil {
		t.Fatalf("record outbound with same sequence failed: %v", err)
	}
	got, ok, err := l.MarkRead(1, 1)
	if err != nil || !ok {
		t.Fatalf("mark read: ok=%v err=%v", ok, err)
	}
	if got.Sender != models.SenderPeer || got.Status != models.StatusRead {
		t.Fatalf("unexpected message %+v", got)
	}
	out, _ := l.Get(models.MessageKey{Epoch: 1, Sender: models.SenderLocal, Sequence: 1})
	if out.Status != models.StatusSent {
		t.Fatalf("outbound message must be untouched, got %s", out.Status)
	}
}

func TestRecordRejectsConflicts(t *testing.T) {
	l := NewMessageLog()
	base := localMessage(1, models.StatusSent)
	if err := l.Record(base); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := l.Record(base); err != nil {
		t.Fatalf("identical record must be a no-op, got %v", err)
	}
	conflict := base
	conflict.Text = "other"
	if err := l.Record(conflict); !errors.Is(err, ErrMessageConflict) {
		t.Fatalf("expected ErrMessageConflict, got %v", err)
	}
	if err := l.Record(localMessage(0, models.StatusSent)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for zero sequence, got %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected one message, got %d", l.Len())
	}
}

func TestQueuedReturnsSequenceOrder(t *testing.T) {
	l := NewMessageLog()
	for _, seq := range []uint64{3, 1, 2} {
		if err := l.Record(localMessage(seq, models.StatusQueued)); err != nil {
			t.Fatalf("record %d failed: %v", seq, err)
		}
	}
	if _, _, err := l.UpdateStatus(models.MessageKey{Epoch: 1, Sender: models.SenderLocal, Sequence: 2}, models.StatusSent); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	queued := l.Queued(1)
	if len(queued) != 2 || queued[0].Sequence != 1 || queued[1].Sequence != 3 {
		t.Fatalf("unexpected queue %+v", queued)
	}
	if len(l.Queued(2)) != 0 {
		t.Fatal("other epochs must not be returned")
	}
}

func TestMessagesReturnsCopies(t *testing.T) {
	l := NewMessageLog()
	if err := l.Record(localMessage(1, models.StatusSent)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	snap := l.Messages()
	snap[0].Ciphertext[0] = 99
	snap[0].Status = models.StatusFailed
	again := l.Messages()
	if again[0].Ciphertext[0] != 1 || again[0].Status != models.StatusSent {
		t.Fatal("snapshot mutation leaked into the log")
	}
}

func TestPersistentMessageLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secure", "history.enc")
	l, err := NewPersistentMessageLog(path, "pass")
	if err != nil {
		t.Fatalf("new log failed: %v", err)
	}
	if err := l.Record(localMessage(1, models.StatusSent)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if _, _, err := l.MarkDelivered(1, 1); err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file failed: %v", err)
	}
	if bytes.Contains(raw, []byte("hello")) {
		t.Fatal("history file contains plaintext")
	}
	fsperm.AssertPrivateDir(t, filepath.Dir(path))
	fsperm.AssertSecretFile(t, path)

	reopened, err := NewPersistentMessageLog(path, "pass")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	msgs := reopened.Messages()
	if len(msgs) != 1 || msgs[0].Status != models.StatusDelivered || msgs[0].Text != "hello" {
		t.Fatalf("unexpected history %+v", msgs)
	}

	if _, err := NewPersistentMessageLog(path, "wrong"); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}

	if err := reopened.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("history file must be removed, got %v", err)
	}
}

func TestPersistentMessageLogRequiresPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.enc")
	if _, err := NewPersistentMessageLog(path, ""); !errors.Is(err, securestore.ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestRecordRollsBackOnPersistError(t *testing.T) {
	l := NewMessageLog()
	l.path = t.TempDir() // a directory cannot be replaced by rename
	l.secret = "pass"
	if err := l.Record(localMessage(1, models.StatusSent)); err == nil {
		t.Fatal("expected record error")
	}
	if l.Len() != 0 {
		t.Fatal("message must not stay in memory after persist failure")
	}
}

func TestMaxEpochCoversPersistedHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.enc")
	l, err := NewPersistentMessageLog(path, "pass")
	if err != nil {
		t.Fatalf("new log failed: %v", err)
	}
	if l.MaxEpoch() != 0 {
		t.Fatalf("empty history reports epoch %d", l.MaxEpoch())
	}
	for _, epoch := range []uint64{3, 1} {
		m := localMessage(1, models.StatusSent)
		m.Epoch = epoch
		if err := l.Record(m); err != nil {
			t.Fatalf("record epoch %d failed: %v", epoch, err)
		}
	}
	reopened, err := NewPersistentMessageLog(path, "pass")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got := reopened.MaxEpoch(); got != 3 {
		t.Fatalf("expected max epoch 3, got %d", got)
	}
}
