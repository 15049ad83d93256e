package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

const testAddr = "10.0.0.1:7000"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.InboundRatePerSecond = 0
	cfg.InboundBurst = 0
	return cfg
}

func waitForState(t *testing.T, s *Session, want State, timeout time.Duration) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %s, last=%+v", want, s.Status())
	return Status{}
}

func connectPair(t *testing.T, relay *MemoryRelay, cfg Config) (*Session, *Session) {
	t.Helper()
	a := NewSession(cfg, relay, "NODE-AAA", nil)
	b := NewSession(cfg, relay, "NODE-BBB", nil)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	if _, err := a.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("connect a failed: %v", err)
	}
	waitForState(t, a, StateConnected, time.Second)
	if _, err := b.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("connect b failed: %v", err)
	}
	waitForState(t, a, StateConnectedWithPeerID, time.Second)
	waitForState(t, b, StateConnectedWithPeerID, time.Second)
	return a, b
}

func nextFrame(t *testing.T, st *Stream) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := st.Next(ctx)
	if err != nil {
		t.Fatalf("stream next failed: %v", err)
	}
	return f
}

func TestConnectLearnsPeerNodeID(t *testing.T) {
	relay := NewMemoryRelay()
	a, b := connectPair(t, relay, testConfig())
	if got := a.Status().PeerNodeID; got != "NODE-BBB" {
		t.Fatalf("a learned %q, want NODE-BBB", got)
	}
	if got := b.Status().PeerNodeID; got != "NODE-AAA" {
		t.Fatalf("b learned %q, want NODE-AAA", got)
	}
}

func TestStatusStreamReportsConnecting(t *testing.T) {
	relay := NewMemoryRelay()
	s := NewSession(testConfig(), relay, "NODE-AAA", nil)
	defer s.Close()
	statuses, cancel := s.Statuses()
	defer cancel()

	if first := <-statuses; first.State != StateDisconnected {
		t.Fatalf("expected current status first, got %s", first.State)
	}
	handle, err := s.Connect(context.Background(), KindWiFi, testAddr)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if handle.ID == "" || handle.Address != testAddr {
		t.Fatalf("unexpected handle %+v", handle)
	}
	var seen []State
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case st := <-statuses:
			seen = append(seen, st.State)
		case <-timeout:
			t.Fatalf("timeout, seen %v", seen)
		}
	}
	if seen[0] != StateConnecting || seen[1] != StateConnected {
		t.Fatalf("unexpected status sequence %v", seen)
	}
	if _, err := s.Connect(context.Background(), KindWiFi, testAddr); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestSendRequiresOpenLink(t *testing.T) {
	s := NewSession(testConfig(), NewMemoryRelay(), "NODE-AAA", nil)
	defer s.Close()
	if err := s.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Ack(context.Background(), 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for ack, got %v", err)
	}
}

func TestSendReceiveAndAck(t *testing.T) {
	relay := NewMemoryRelay()
	a, b := connectPair(t, relay, testConfig())

	if err := a.Send(context.Background(), []byte("ciphertext")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	f := nextFrame(t, b.Receive())
	if f.Kind != FrameData || string(f.Payload) != "ciphertext" || f.From != "NODE-AAA" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if err := b.Ack(context.Background(), 5); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	ack := nextFrame(t, a.Receive())
	if ack.Kind != FrameAck || ack.Seq != 5 {
		t.Fatalf("unexpected ack frame %+v", ack)
	}
}

func TestConnectTimeoutFails(t *testing.T) {
	relay := NewMemoryRelay()
	relay.SetDialDelay(500 * time.Millisecond)
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	s := NewSession(cfg, relay, "NODE-AAA", nil)
	defer s.Close()

	if _, err := s.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("connect must not block or fail synchronously: %v", err)
	}
	st := waitForState(t, s, StateFailed, time.Second)
	if st.Reason != ReasonTimeout {
		t.Fatalf("expected timeout reason, got %q", st.Reason)
	}
}

func TestCancelConnectAbortsDial(t *testing.T) {
	relay := NewMemoryRelay()
	relay.SetDialDelay(time.Second)
	s := NewSession(testConfig(), relay, "NODE-AAA", nil)
	defer s.Close()

	if _, err := s.Connect(context.Background(), KindBLE, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	s.CancelConnect()
	st := waitForState(t, s, StateDisconnected, time.Second)
	if st.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled reason, got %q", st.Reason)
	}
}

func TestDialFailureReportsReason(t *testing.T) {
	relay := NewMemoryRelay()
	relay.SetAvailable(testAddr, false)
	s := NewSession(testConfig(), relay, "NODE-AAA", nil)
	defer s.Close()
	if _, err := s.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	st := waitForState(t, s, StateFailed, time.Second)
	if st.Reason != ErrRelayUnavailable.Error() {
		t.Fatalf("unexpected reason %q", st.Reason)
	}
}

func TestDisconnectEndsStreamWithEOF(t *testing.T) {
	relay := NewMemoryRelay()
	a, _ := connectPair(t, relay, testConfig())
	stream := a.Receive()
	a.Disconnect()

	if _, err := stream.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if a.Status().State != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", a.Status().State)
	}
}

func TestAbnormalLossEndsStreamWithTransportError(t *testing.T) {
	relay := NewMemoryRelay()
	a, b := connectPair(t, relay, testConfig())
	stream := a.Receive()
	oldB := b.Receive()
	relay.Sever(testAddr)

	waitForState(t, a, StateFailed, time.Second)
	waitForState(t, b, StateFailed, time.Second)
	if _, err := stream.Next(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}

	if _, err := a.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("reconnect a failed: %v", err)
	}
	if _, err := b.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("reconnect b failed: %v", err)
	}
	waitForState(t, b, StateConnectedWithPeerID, time.Second)
	waitForState(t, a, StateConnectedWithPeerID, time.Second)
	fresh := b.Receive()
	if fresh == oldB {
		t.Fatal("expected a new stream after reconnect")
	}
	if err := a.Send(context.Background(), []byte("again")); err != nil {
		t.Fatalf("send after reconnect failed: %v", err)
	}
	if f := nextFrame(t, fresh); string(f.Payload) != "again" {
		t.Fatalf("unexpected payload %q", f.Payload)
	}
}

func TestInboundRateLimitDropsFrames(t *testing.T) {
	relay := NewMemoryRelay()
	cfg := testConfig()
	cfg.InboundRatePerSecond = 1
	cfg.InboundBurst = 3
	a, b := connectPair(t, relay, cfg)
	for i := 0; i < 10; i++ {
		if err := b.Send(context.Background(), []byte("flood")); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for a.Stats().DroppedFrames == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Stats().DroppedFrames == 0 {
		t.Fatal("expected dropped frames under flood")
	}
}

func TestMalformedFramesAreCounted(t *testing.T) {
	relay := NewMemoryRelay()
	a := NewSession(testConfig(), relay, "NODE-AAA", nil)
	defer a.Close()
	if _, err := a.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, a, StateConnected, time.Second)

	raw, err := relay.Dial(context.Background(), KindWiFi, testAddr)
	if err != nil {
		t.Fatalf("raw dial failed: %v", err)
	}
	defer raw.Close()
	_ = raw.Send(context.Background(), []byte("{not json"))
	_ = raw.Send(context.Background(), []byte(`{"k":"ack"}`))

	deadline := time.Now().Add(time.Second)
	for a.Stats().MalformedFrames < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := a.Stats().MalformedFrames; got != 2 {
		t.Fatalf("expected 2 malformed frames, got %d", got)
	}
}

func TestConnectRejectsInvalidAddress(t *testing.T) {
	s := NewSession(testConfig(), NewMemoryRelay(), "NODE-AAA", nil)
	defer s.Close()
	if _, err := s.Connect(context.Background(), KindBLE, "not-a-mac"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if s.Status().State != StateDisconnected {
		t.Fatalf("invalid connect must not change state, got %s", s.Status().State)
	}
}

func TestOwnParkedFramesAreDroppedAfterReconnect(t *testing.T) {
	relay := NewMemoryRelay()
	a := NewSession(testConfig(), relay, "NODE-AAA", nil)
	defer a.Close()
	if _, err := a.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, a, StateConnected, time.Second)
	if err := a.Send(context.Background(), []byte("parked")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	relay.Sever(testAddr)
	waitForState(t, a, StateFailed, time.Second)

	if _, err := a.Connect(context.Background(), KindWiFi, testAddr); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	waitForState(t, a, StateConnected, time.Second)
	deadline := time.Now().Add(time.Second)
	for a.Stats().EchoedFrames == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Stats().EchoedFrames == 0 {
		t.Fatal("expected the parked frame to be recognised as an echo")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if f, err := a.Receive().Next(ctx); err == nil {
		t.Fatalf("echoed frame reached the stream: %+v", f)
	}
}
