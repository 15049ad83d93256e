package app

import (
	"sync"
	"time"

	"fusionlink/go-backend/pkg/models"
)

// SnapshotHub fans coordinator snapshots out to observers and keeps a bounded replay history.
type SnapshotHub struct {
	mu      sync.Mutex
	nextSeq uint64
	limit   int
	history []models.Snapshot
	subs    map[int]chan models.Snapshot
	nextSub int
}

func NewSnapshotHub(limit int) *SnapshotHub {
	if limit < 1 {
		limit = 1
	}
	return &SnapshotHub{
		limit: limit,
		subs:  make(map[int]chan models.Snapshot),
	}
}

// Publish stamps snap with the next sequence number and delivers it.
// A subscriber whose buffer is full is dropped and its channel closed.
func (h *SnapshotHub) Publish(snap models.Snapshot) models.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	snap.Seq = h.nextSeq
	h.history = append(h.history, snap)
	if len(h.history) > h.limit {
		h.history = append([]models.Snapshot(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- snap:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return snap
}

// Subscribe returns the retained snapshots newer than fromSeq and a channel of later ones.
func (h *SnapshotHub) Subscribe(fromSeq uint64) ([]models.Snapshot, <-chan models.Snapshot, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]models.Snapshot, 0)
	for _, snap := range h.history {
		if snap.Seq > fromSeq {
			replay = append(replay, snap)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan models.Snapshot, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *SnapshotHub) LastSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

func (h *SnapshotHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// Close ends every subscription.
func (h *SnapshotHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
