package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fusionlink/go-backend/internal/platform/ratelimiter"
)

// Session wraps one relay connection at a time. It never retries on its own.
type Session struct {
	mu      sync.Mutex
	cfg     Config
	dialer  Dialer
	localID string
	logger  *slog.Logger
	limiter *ratelimiter.MapLimiter
	now     func() time.Time

	status     Status
	handle     Handle
	dialCancel context.CancelFunc
	link       Link
	linkGen    uint64
	stream     *Stream

	stats   Stats
	subs    map[int]chan Status
	nextSub int
}

type Stats struct {
	StateTransitions int
	DroppedFrames    uint64
	MalformedFrames  uint64
	EchoedFrames     uint64
}

func NewSession(cfg Config, dialer Dialer, localNodeID string, logger *slog.Logger) *Session {
	cfg = NormalizeConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:     cfg,
		dialer:  dialer,
		localID: localNodeID,
		logger:  logger,
		limiter: ratelimiter.New(cfg.InboundRatePerSecond, cfg.InboundBurst, time.Minute),
		now:     func() time.Time { return time.Now().UTC() },
		subs:    make(map[int]chan Status),
	}
	s.status = Status{State: StateDisconnected, Since: s.now()}
	return s
}

// SetLocalNodeID sets the node id announced in hello frames on the next link.
func (s *Session) SetLocalNodeID(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localID = nodeID
}

// Connect starts an asynchronous dial and returns immediately. Progress is reported on the status stream.
// Cancelling ctx aborts the dial but never an established link.
func (s *Session) Connect(ctx context.Context, kind Kind, address string) (Handle, error) {
	addr, err := NormalizeAddress(kind, address)
	if err != nil {
		return Handle{}, err
	}
	if s.dialer == nil {
		return Handle{}, ErrBackendUnavailable
	}

	s.mu.Lock()
	if s.status.State.IsOpen() {
		s.mu.Unlock()
		return Handle{}, ErrAlreadyConnected
	}
	if s.dialCancel != nil {
		s.dialCancel()
	}
	handle := Handle{ID: uuid.NewString(), Kind: kind, Address: addr, StartedAt: s.now()}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	s.handle = handle
	s.dialCancel = cancel
	s.transitionLocked(Status{State: StateConnecting, Kind: kind, Address: addr, HandleID: handle.ID})
	s.mu.Unlock()

	s.logger.Info("transport connecting", "kind", string(kind), "address", addr, "handle_id", handle.ID)
	go s.dial(dialCtx, cancel, handle)
	return handle, nil
}

// CancelConnect aborts an in-flight dial. It does nothing once a link is up.
func (s *Session) CancelConnect() {
	s.mu.Lock()
	cancel := s.dialCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) dial(ctx context.Context, cancel context.CancelFunc, h Handle) {
	link, err := s.dialer.Dial(ctx, h.Kind, h.Address)
	ctxErr := ctx.Err()
	cancel()

	s.mu.Lock()
	if s.handle.ID != h.ID || s.status.State != StateConnecting {
		s.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return
	}
	s.dialCancel = nil
	if err == nil && ctxErr != nil {
		_ = link.Close()
		err = ctxErr
	}
	if err != nil {
		st := Status{State: StateFailed, Kind: h.Kind, Address: h.Address, HandleID: h.ID, Reason: err.Error()}
		switch {
		case errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			st.Reason = ReasonTimeout
		case errors.Is(ctxErr, context.Canceled):
			st.State = StateDisconnected
			st.Reason = ReasonCancelled
		}
		s.transitionLocked(st)
		s.mu.Unlock()
		s.logger.Warn("transport dial failed", "address", h.Address, "handle_id", h.ID, "reason", st.Reason)
		return
	}

	s.linkGen++
	gen := s.linkGen
	stream := newStream()
	s.link = link
	s.stream = stream
	s.transitionLocked(Status{State: StateConnected, Kind: h.Kind, Address: h.Address, HandleID: h.ID})
	s.mu.Unlock()

	s.logger.Info("transport connected", "address", h.Address, "handle_id", h.ID)
	go s.readLoop(link, stream, gen, h.ID)
	s.sendHello(link, false)
}

func (s *Session) readLoop(link Link, stream *Stream, gen uint64, key string) {
	defer s.limiter.Forget(key)
	for {
		select {
		case raw := <-link.Frames():
			s.handleRaw(raw, link, stream, gen, key)
		case <-link.Done():
			for {
				select {
				case raw := <-link.Frames():
					s.handleRaw(raw, link, stream, gen, key)
				default:
					s.onLinkDone(gen, stream, link.Err())
					return
				}
			}
		}
	}
}

func (s *Session) handleRaw(raw []byte, link Link, stream *Stream, gen uint64, key string) {
	if !s.limiter.Allow(key, s.now()) {
		s.mu.Lock()
		s.stats.DroppedFrames++
		s.mu.Unlock()
		return
	}
	f, err := decodeFrame(raw)
	if err != nil {
		s.mu.Lock()
		s.stats.MalformedFrames++
		s.mu.Unlock()
		s.logger.Debug("transport dropped malformed frame", "size", len(raw))
		return
	}
	if f.Kind == FrameHello {
		s.onHello(f, link, gen)
		return
	}
	s.mu.Lock()
	echo := f.NodeID != "" && f.NodeID == s.localID
	if echo {
		s.stats.EchoedFrames++
	}
	s.mu.Unlock()
	if echo {
		// Relays may hand back frames this node parked in a mailbox before a reconnect.
		return
	}
	stream.push(Frame{Kind: f.Kind, Seq: f.Seq, From: f.NodeID, Payload: f.Payload, ReceivedAt: s.now()})
}

func (s *Session) onHello(f wireFrame, link Link, gen uint64) {
	s.mu.Lock()
	if gen != s.linkGen || !s.status.State.IsOpen() || f.NodeID == s.localID {
		s.mu.Unlock()
		return
	}
	if s.status.State != StateConnectedWithPeerID || s.status.PeerNodeID != f.NodeID {
		next := s.status
		next.State = StateConnectedWithPeerID
		next.PeerNodeID = f.NodeID
		next.Reason = ""
		s.transitionLocked(next)
	}
	s.mu.Unlock()

	if !f.Reply {
		s.sendHello(link, true)
	}
}

func (s *Session) sendHello(link Link, reply bool) {
	s.mu.Lock()
	nodeID := s.localID
	s.mu.Unlock()
	if nodeID == "" {
		return
	}
	raw, err := encodeFrame(wireFrame{Kind: FrameHello, NodeID: nodeID, Reply: reply})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HelloTimeout)
	defer cancel()
	if err := link.Send(ctx, raw); err != nil {
		s.logger.Warn("transport hello failed", "reason", err.Error())
	}
}

func (s *Session) onLinkDone(gen uint64, stream *Stream, linkErr error) {
	s.mu.Lock()
	if gen != s.linkGen {
		s.mu.Unlock()
		return
	}
	s.link = nil
	next := Status{Kind: s.status.Kind, Address: s.status.Address, HandleID: s.status.HandleID}
	var streamErr error
	if linkErr == nil {
		next.State = StateDisconnected
		next.Reason = ReasonClosed
	} else {
		next.State = StateFailed
		next.Reason = linkErr.Error()
		streamErr = fmt.Errorf("%w: %v", ErrTransport, linkErr)
	}
	s.transitionLocked(next)
	s.mu.Unlock()

	stream.finish(streamErr)
	if linkErr != nil {
		s.logger.Warn("transport link lost", "address", next.Address, "reason", next.Reason)
	}
}

// Disconnect closes the current link intentionally; its stream ends with io.EOF.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	link := s.link
	stream := s.stream
	s.link = nil
	s.linkGen++
	s.handle = Handle{}
	if s.status.State != StateDisconnected {
		s.transitionLocked(Status{
			State:   StateDisconnected,
			Kind:    s.status.Kind,
			Address: s.status.Address,
			Reason:  ReasonClosed,
		})
	}
	s.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	if stream != nil {
		stream.finish(nil)
	}
}

// Close disconnects and ends every status subscription.
func (s *Session) Close() {
	s.Disconnect()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Session) Send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	return s.sendWire(ctx, wireFrame{Kind: FrameData, Payload: payload})
}

// Ack acknowledges an accepted inbound message sequence number.
func (s *Session) Ack(ctx context.Context, seq uint64) error {
	if seq == 0 {
		return errors.New("ack sequence is required")
	}
	return s.sendWire(ctx, wireFrame{Kind: FrameAck, Seq: seq})
}

func (s *Session) sendWire(ctx context.Context, f wireFrame) error {
	s.mu.Lock()
	link := s.link
	open := s.status.State.IsOpen()
	f.NodeID = s.localID
	s.mu.Unlock()
	if !open || link == nil {
		return ErrNotConnected
	}
	raw, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := link.Send(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Receive returns the inbound stream of the current (or last) link.
// A new stream is created for every link, so callers fetch it again after a reconnect.
func (s *Session) Receive() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		st := newStream()
		st.finish(ErrNotConnected)
		return st
	}
	return s.stream
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Statuses subscribes to status changes; the current status is delivered first.
// A subscriber that falls behind is dropped and its channel closed.
func (s *Session) Statuses() (<-chan Status, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Status, 64)
	ch <- s.status
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			close(sub)
			delete(s.subs, id)
		}
	}
}

func (s *Session) transitionLocked(next Status) {
	next.Since = s.now()
	if next.State != s.status.State {
		s.stats.StateTransitions++
	}
	s.status = next
	for id, ch := range s.subs {
		select {
		case ch <- next:
		default:
			close(ch)
			delete(s.subs, id)
		}
	}
}
