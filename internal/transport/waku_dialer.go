//go:build real_waku

package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"golang.org/x/crypto/blake2b"
)

const relayPubsubTopic = "/waku/2/default-waku/proto"

// wakuDialer carries frames over a go-waku relay node. Every fusion-node address maps to
// its own content topic, so two links dialled to the same address see each other's frames.
type wakuDialer struct {
	mu             sync.Mutex
	cfg            WakuConfig
	logger         *slog.Logger
	node           *wakuNode.WakuNode
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
}

type wakuEnvelope struct {
	From  string `json:"from"`
	Frame []byte `json:"frame"`
}

func NewWakuDialer(cfg WakuConfig, logger *slog.Logger) (Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &wakuDialer{cfg: cfg, logger: logger}, nil
}

func contentTopicFor(address string) string {
	sum := blake2b.Sum256([]byte(address))
	return "/fusionlink/1/" + hex.EncodeToString(sum[:8]) + "/json"
}

func (d *wakuDialer) ensureNode(ctx context.Context) (*wakuNode.WakuNode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.node != nil {
		return d.node, nil
	}
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(d.cfg.Port)))
	if err != nil {
		return nil, err
	}
	node, err := wakuNode.New(wakuNode.WithHostAddress(hostAddr), wakuNode.WithWakuRelay())
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	for _, addr := range d.cfg.BootstrapNodes {
		if err := node.DialPeer(ctx, addr); err != nil {
			d.logger.Warn("bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
		}
	}
	d.node = node
	d.startPeerMaintenanceLocked()
	return node, nil
}

func (d *wakuDialer) Dial(ctx context.Context, kind Kind, address string) (Link, error) {
	node, err := d.ensureNode(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if kind == KindWiFi && strings.HasPrefix(address, "/") {
		if _, err := ma.NewMultiaddr(address); err == nil {
			if err := node.DialPeer(ctx, address); err != nil {
				return nil, err
			}
		}
	}
	if node.PeerCount() < 1 && len(d.cfg.BootstrapNodes) > 0 {
		if err := waitForPeers(ctx, node, 1); err != nil {
			return nil, err
		}
	}

	topic := contentTopicFor(address)
	subs, err := node.Relay().Subscribe(ctx, protocol.NewContentFilter(relayPubsubTopic, topic))
	if err != nil {
		return nil, err
	}
	tag := make([]byte, 8)
	if _, err := rand.Read(tag); err != nil {
		return nil, err
	}
	link := &wakuLink{
		node:   node,
		topic:  topic,
		self:   hex.EncodeToString(tag),
		subs:   subs,
		frames: make(chan []byte, linkBuffer),
		done:   make(chan struct{}),
	}
	for _, sub := range subs {
		go link.pump(sub)
	}
	return link, nil
}

func waitForPeers(ctx context.Context, node *wakuNode.WakuNode, target int) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for node.PeerCount() < target {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (d *wakuDialer) startPeerMaintenanceLocked() {
	if len(d.cfg.BootstrapNodes) == 0 || d.node == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.maintainCancel = cancel
	d.maintainWG.Add(1)
	node := d.node
	cfg := d.cfg

	go func() {
		defer d.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()
		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if time.Now().Before(nextAttemptAt) || node.PeerCount() >= max(cfg.MinPeers, 1) {
				continue
			}
			ok := false
			for _, addr := range cfg.BootstrapNodes {
				if err := node.DialPeer(ctx, addr); err == nil {
					ok = true
				} else {
					d.logger.Warn("peer redial failed", "peer_addr", addr, "reason", err.Error())
				}
			}
			if ok {
				backoff = cfg.ReconnectInterval
				nextAttemptAt = time.Now()
				continue
			}
			backoff = min(backoff*2, cfg.ReconnectBackoffMax)
			jitter := time.Duration(rnd.Int63n(int64(backoff/2) + 1))
			nextAttemptAt = time.Now().Add(backoff + jitter)
		}
	}()
}

// Stop shuts the relay node down; links become unusable.
func (d *wakuDialer) Stop() {
	d.mu.Lock()
	cancel := d.maintainCancel
	node := d.node
	d.maintainCancel = nil
	d.node = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		d.maintainWG.Wait()
	}
	if node != nil {
		node.Stop()
	}
}

type wakuLink struct {
	node   *wakuNode.WakuNode
	topic  string
	self   string
	subs   []*relay.Subscription
	frames chan []byte
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (l *wakuLink) pump(sub *relay.Subscription) {
	for env := range sub.Ch {
		if env == nil || env.Message() == nil {
			continue
		}
		var wrapped wakuEnvelope
		if err := json.Unmarshal(env.Message().Payload, &wrapped); err != nil || wrapped.From == l.self {
			continue
		}
		select {
		case l.frames <- wrapped.Frame:
		case <-l.done:
			return
		}
	}
	l.end(errors.New("relay subscription closed"))
}

func (l *wakuLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}
	payload, err := json.Marshal(wakuEnvelope{From: l.self, Frame: frame})
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	msg := &wpb.WakuMessage{Payload: payload, ContentTopic: l.topic, Timestamp: &ts}
	_, err = l.node.Relay().Publish(ctx, msg, relay.WithPubSubTopic(relayPubsubTopic))
	return err
}

func (l *wakuLink) Frames() <-chan []byte { return l.frames }

func (l *wakuLink) Done() <-chan struct{} { return l.done }

func (l *wakuLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *wakuLink) Close() error {
	l.end(nil)
	return nil
}

func (l *wakuLink) end(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		for _, sub := range l.subs {
			sub.Unsubscribe()
		}
	})
}
