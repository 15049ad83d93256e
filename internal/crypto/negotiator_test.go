package crypto

import (
	"context"
	"errors"
	"strings"
	"testing"

	"fusionlink/go-backend/internal/identity"
)

type side struct {
	vault *identity.KeyVault
	peers *identity.PeerRegistry
	neg   *Negotiator
	id    string
}

func newSide(t *testing.T, nodeID string, opts ...NegotiatorOption) *side {
	t.Helper()
	v := identity.NewKeyVault()
	if _, err := v.Generate(context.Background()); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	peers := identity.NewPeerRegistry(identity.DefaultMinNodeIDLength)
	return &side{vault: v, peers: peers, neg: NewNegotiator(v, peers, nodeID, nil, opts...), id: nodeID}
}

type flakyStore struct {
	*InMemorySessionStore
	fail bool
}

func (s *flakyStore) Save(state SessionState) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.InMemorySessionStore.Save(state)
}

func introduce(t *testing.T, to, from *side) {
	t.Helper()
	pub, err := from.vault.PublicKeyBytes()
	if err != nil {
		t.Fatalf("public key failed: %v", err)
	}
	if err := to.peers.SetPeerKeyBytes(pub[:], identity.SourceManual); err != nil {
		t.Fatalf("set peer key failed: %v", err)
	}
	if err := to.peers.SetPeerNodeID(from.id, identity.SourceManual); err != nil {
		t.Fatalf("set peer node id failed: %v", err)
	}
}

func readyPair(t *testing.T) (*side, *side) {
	t.Helper()
	a := newSide(t, "NODE-AAA")
	b := newSide(t, "NODE-BBB")
	establishPair(t, a, b)
	return a, b
}

func establishPair(t *testing.T, a, b *side) {
	t.Helper()
	introduce(t, a, b)
	introduce(t, b, a)
	if err := a.neg.Establish(context.Background()); err != nil {
		t.Fatalf("establish a failed: %v", err)
	}
	if err := b.neg.Establish(context.Background()); err != nil {
		t.Fatalf("establish b failed: %v", err)
	}
}

func sessionOf(t *testing.T, n *Negotiator) sessionKeys {
	t.Helper()
	var out sessionKeys
	if err := n.withSession(func(s *sessionKeys) error {
		out = *s
		return nil
	}); err != nil {
		t.Fatalf("session not ready: %v", err)
	}
	return out
}

func TestBothSidesDeriveTheSameSession(t *testing.T) {
	a, b := readyPair(t)
	ka := sessionOf(t, a.neg)
	kb := sessionOf(t, b.neg)
	if ka.key != kb.key {
		t.Fatal("session keys differ")
	}
	if ka.sendKey != kb.recvKey || ka.recvKey != kb.sendKey {
		t.Fatal("directional keys are not mirrored")
	}
	if ka.sendKey == ka.recvKey {
		t.Fatal("send and receive keys must differ")
	}
	ia, _ := a.neg.Session()
	ib, _ := b.neg.Session()
	if ia.ID != ib.ID || ia.ID == "" {
		t.Fatalf("session ids differ: %q vs %q", ia.ID, ib.ID)
	}
	if ia.SafetyPhrase != ib.SafetyPhrase {
		t.Fatal("safety phrases differ")
	}
	if words := strings.Fields(ia.SafetyPhrase); len(words) != 12 {
		t.Fatalf("expected 12 words, got %d", len(words))
	}
	if ia.PeerNodeID != "NODE-BBB" || ib.PeerNodeID != "NODE-AAA" {
		t.Fatalf("unexpected peer ids: %q %q", ia.PeerNodeID, ib.PeerNodeID)
	}
}

func TestEstablishOrderDoesNotMatter(t *testing.T) {
	a := newSide(t, "NODE-AAA")
	b := newSide(t, "NODE-BBB")
	introduce(t, a, b)
	introduce(t, b, a)
	if err := b.neg.Establish(context.Background()); err != nil {
		t.Fatalf("establish b failed: %v", err)
	}
	if err := a.neg.Establish(context.Background()); err != nil {
		t.Fatalf("establish a failed: %v", err)
	}
	if sessionOf(t, a.neg).key != sessionOf(t, b.neg).key {
		t.Fatal("session keys differ")
	}
}

func TestEstablishRequiresCompletePeer(t *testing.T) {
	a := newSide(t, "NODE-AAA")
	if err := a.neg.Establish(context.Background()); !errors.Is(err, ErrPeerIncomplete) {
		t.Fatalf("expected ErrPeerIncomplete, got %v", err)
	}
	if got := a.neg.State(); got != StateAwaitingPeer {
		t.Fatalf("expected awaiting_peer, got %s", got)
	}
}

func TestArmRequiresKeyPair(t *testing.T) {
	v := identity.NewKeyVault()
	n := NewNegotiator(v, identity.NewPeerRegistry(5), "NODE-AAA", nil)
	if err := n.Arm(); !errors.Is(err, identity.ErrNoKeyGenerated) {
		t.Fatalf("expected ErrNoKeyGenerated, got %v", err)
	}
	if n.State() != StateIdle {
		t.Fatalf("expected idle, got %s", n.State())
	}
}

func TestLowOrderPeerKeyFailsNegotiation(t *testing.T) {
	a := newSide(t, "NODE-AAA")
	var low [identity.KeySize]byte
	low[0] = 1
	if err := a.peers.SetPeerKeyBytes(low[:], identity.SourceManual); err != nil {
		t.Fatalf("set peer key failed: %v", err)
	}
	if err := a.peers.SetPeerNodeID("NODE-BBB", identity.SourceManual); err != nil {
		t.Fatalf("set node id failed: %v", err)
	}
	if err := a.neg.Establish(context.Background()); !errors.Is(err, identity.ErrInvalidPeerKey) {
		t.Fatalf("expected ErrInvalidPeerKey, got %v", err)
	}
	if a.neg.State() != StateFailed {
		t.Fatalf("expected failed, got %s", a.neg.State())
	}
	if err := a.neg.Establish(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from failed, got %v", err)
	}
	a.neg.Invalidate("peer cleared")
	if a.neg.State() != StateIdle || a.neg.Failure() != nil {
		t.Fatalf("invalidate must return to idle, got %s", a.neg.State())
	}
	if err := a.neg.Arm(); err != nil {
		t.Fatalf("arm after invalidate failed: %v", err)
	}
}

func TestOwnKeyAsPeerIsRejected(t *testing.T) {
	a := newSide(t, "NODE-AAA")
	introduce(t, a, &side{vault: a.vault, id: "NODE-BBB"})
	if err := a.neg.Establish(context.Background()); !errors.Is(err, identity.ErrInvalidPeerKey) {
		t.Fatalf("expected ErrInvalidPeerKey, got %v", err)
	}
}

func TestSameNodeIDIsRejected(t *testing.T) {
	a := newSide(t, "NODE-AAA")
	b := newSide(t, "NODE-AAA")
	introduce(t, a, b)
	if err := a.neg.Establish(context.Background()); !errors.Is(err, identity.ErrInvalidNodeID) {
		t.Fatalf("expected ErrInvalidNodeID, got %v", err)
	}
}

func TestInvalidateWipesSessionAndBumpsEpoch(t *testing.T) {
	a, _ := readyPair(t)
	first, _ := a.neg.Session()
	var held *sessionKeys
	_ = a.neg.withSession(func(s *sessionKeys) error {
		held = s
		return nil
	})
	a.neg.Invalidate("reset")
	if _, ok := a.neg.Session(); ok {
		t.Fatal("session must be gone after invalidate")
	}
	if held.key != ([32]byte{}) || held.sendKey != ([32]byte{}) || held.recvKey != ([32]byte{}) {
		t.Fatal("session keys were not wiped")
	}
	if err := a.neg.Establish(context.Background()); err != nil {
		t.Fatalf("re-establish failed: %v", err)
	}
	second, _ := a.neg.Session()
	if second.Epoch <= first.Epoch {
		t.Fatalf("expected epoch to advance, got %d then %d", first.Epoch, second.Epoch)
	}
	if second.ID != first.ID {
		t.Fatal("same keys must yield the same session id")
	}
}

func TestSetLocalNodeIDInvalidatesSession(t *testing.T) {
	a, _ := readyPair(t)
	a.neg.SetLocalNodeID("NODE-ZZZ")
	if a.neg.State() != StateIdle {
		t.Fatalf("expected idle after node id change, got %s", a.neg.State())
	}
	if a.neg.LocalNodeID() != "NODE-ZZZ" {
		t.Fatalf("unexpected local id %q", a.neg.LocalNodeID())
	}
}

func TestEstablishHonoursCancelledContext(t *testing.T) {
	a := newSide(t, "NODE-AAA")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.neg.Establish(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEpochsGrowPastTheStoreAndTheFloor(t *testing.T) {
	store := NewInMemorySessionStore()
	if err := store.Save(SessionState{SessionID: "earlier", Epoch: 7}); err != nil {
		t.Fatal(err)
	}
	a := newSide(t, "NODE-AAA", WithSessionStore(store))
	b := newSide(t, "NODE-BBB")
	establishPair(t, a, b)
	if info, _ := a.neg.Session(); info.Epoch != 8 {
		t.Fatalf("expected epoch 8 after stored epoch 7, got %d", info.Epoch)
	}

	a.neg.Invalidate("reset")
	a.neg.SetEpochFloor(20)
	if err := a.neg.Establish(context.Background()); err != nil {
		t.Fatalf("re-establish failed: %v", err)
	}
	info, _ := a.neg.Session()
	if info.Epoch != 21 {
		t.Fatalf("expected epoch 21 above the floor, got %d", info.Epoch)
	}
	saved, ok, _ := store.Get(info.ID)
	if !ok || saved.Epoch != 21 || saved.PeerNodeID != "NODE-BBB" {
		t.Fatalf("session state not saved: %+v", saved)
	}
}

func TestEstablishFailsWhenSessionStoreFails(t *testing.T) {
	store := &flakyStore{InMemorySessionStore: NewInMemorySessionStore(), fail: true}
	a := newSide(t, "NODE-AAA", WithSessionStore(store))
	b := newSide(t, "NODE-BBB")
	introduce(t, a, b)
	if err := a.neg.Establish(context.Background()); !errors.Is(err, ErrSessionStore) {
		t.Fatalf("expected ErrSessionStore, got %v", err)
	}
	if a.neg.State() != StateAwaitingPeer {
		t.Fatalf("expected awaiting_peer after a store failure, got %s", a.neg.State())
	}
	store.fail = false
	if err := a.neg.Establish(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}
