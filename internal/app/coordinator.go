package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"fusionlink/go-backend/internal/crypto"
	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/storage"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

// Transport is the relay session the coordinator drives. *transport.Session implements it.
type Transport interface {
	Connect(ctx context.Context, kind transport.Kind, address string) (transport.Handle, error)
	CancelConnect()
	Disconnect()
	Send(ctx context.Context, payload []byte) error
	Ack(ctx context.Context, seq uint64) error
	Receive() *transport.Stream
	Status() transport.Status
	Statuses() (<-chan transport.Status, func())
	SetLocalNodeID(nodeID string)
	Stats() transport.Stats
}

// Target is a relay endpoint chosen by the user.
type Target struct {
	Kind    transport.Kind
	Address string
}

type Config struct {
	// LocalNodeID overrides the node id derived from the local public key.
	LocalNodeID        string
	MinNodeIDLength    int
	MaxConnectAttempts int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	AutoReconnect      bool
	SendTimeout        time.Duration
	SnapshotHistory    int
	InboundBacklog     int
}

func DefaultConfig() Config {
	return Config{
		MinNodeIDLength:    identity.DefaultMinNodeIDLength,
		MaxConnectAttempts: 5,
		RetryBaseDelay:     500 * time.Millisecond,
		RetryMaxDelay:      15 * time.Second,
		AutoReconnect:      true,
		SendTimeout:        5 * time.Second,
		SnapshotHistory:    64,
		InboundBacklog:     64,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MinNodeIDLength <= 0 {
		cfg.MinNodeIDLength = def.MinNodeIDLength
	}
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = max(def.RetryMaxDelay, cfg.RetryBaseDelay)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.SnapshotHistory <= 0 {
		cfg.SnapshotHistory = def.SnapshotHistory
	}
	if cfg.InboundBacklog <= 0 {
		cfg.InboundBacklog = def.InboundBacklog
	}
	return cfg
}

type Deps struct {
	Vault     *identity.KeyVault
	Transport Transport
	// Scanner may be nil; discovery then reports no candidates.
	Scanner transport.Scanner
	// History defaults to an in-memory log.
	History *storage.MessageLog
	// Sessions keeps sequence counters per session id. It must be persisted whenever the
	// vault is, or a restarted node would reuse nonces. Defaults to memory.
	Sessions crypto.SessionStore
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Coordinator owns the chat phase machine and every command the UI can issue.
// Lock order: sendMu, recvMu, then mu. Component locks are always taken after mu.
type Coordinator struct {
	cfg       Config
	vault     *identity.KeyVault
	peers     *identity.PeerRegistry
	neg       *crypto.Negotiator
	channel   *crypto.Channel
	transport Transport
	scanner   transport.Scanner
	history   *storage.MessageLog
	metrics   *Metrics
	logger    *slog.Logger
	hub       *SnapshotHub
	now       func() time.Time
	jitter    func() float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendMu sync.Mutex
	recvMu sync.Mutex

	mu             sync.Mutex
	started        bool
	closed         bool
	gen            uint64
	phase          models.Phase
	localNodeID    string
	lastErr        *models.ErrorInfo
	fatal          bool
	target         *Target
	discovered     []transport.ConnectionRecord
	listeningSince time.Time
	listeningStop  time.Time
	connecting     bool
	connectCancel  context.CancelFunc
	recvStream     *transport.Stream
	pendingInbound []transport.Frame
	boundKey       string
	tstatus        transport.Status
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Vault == nil || deps.Transport == nil {
		return nil, errors.New("coordinator requires a key vault and a transport")
	}
	cfg = normalizeConfig(cfg)
	if cfg.LocalNodeID != "" {
		id, err := identity.ValidateNodeID(cfg.LocalNodeID, cfg.MinNodeIDLength)
		if err != nil {
			return nil, err
		}
		cfg.LocalNodeID = id
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	history := deps.History
	if history == nil {
		history = storage.NewMessageLog()
	}

	peers := identity.NewPeerRegistry(cfg.MinNodeIDLength)
	neg := crypto.NewNegotiator(deps.Vault, peers, cfg.LocalNodeID, logger, crypto.WithSessionStore(deps.Sessions))
	neg.SetEpochFloor(history.MaxEpoch())
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:         cfg,
		vault:       deps.Vault,
		peers:       peers,
		neg:         neg,
		channel:     crypto.NewChannel(neg),
		transport:   deps.Transport,
		scanner:     deps.Scanner,
		history:     history,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "coordinator"),
		hub:         NewSnapshotHub(cfg.SnapshotHistory),
		now:         nowUTC,
		jitter:      rand.Float64,
		ctx:         ctx,
		cancel:      cancel,
		phase:       models.PhaseInitial,
		localNodeID: cfg.LocalNodeID,
	}
	if cfg.LocalNodeID != "" {
		deps.Transport.SetLocalNodeID(cfg.LocalNodeID)
	}
	return c, nil
}

// Start loads a persisted key pair and begins watching the vault and the transport.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	loaded, err := c.vault.Load(ctx)
	if err != nil {
		return categorize(fmt.Errorf("load key vault: %w", err))
	}
	// Sends queued by an earlier run belong to a session epoch that is gone.
	if n, err := c.history.FailQueued(); err != nil {
		return categorize(fmt.Errorf("load history: %w", err))
	} else if n > 0 {
		c.logger.Info("queued messages from an earlier run failed", "count", n)
	}

	vaultEvents, stopVault := c.vault.Subscribe()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wg.Add(2)
	go c.watchVault(vaultEvents, stopVault)
	go c.watchTransport()
	if loaded {
		c.onKeyAvailableLocked()
	}
	c.tstatus = c.transport.Status()
	c.publishLocked()
	return nil
}

// Close stops background work. The transport and the vault stay owned by the caller.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.connectCancel != nil {
		c.connectCancel()
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.hub.Close()
}

func (c *Coordinator) Snapshot() models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snapshotLocked()
	snap.Seq = c.hub.LastSeq()
	return snap
}

// Subscribe replays retained snapshots newer than fromSeq and streams later ones.
func (c *Coordinator) Subscribe(fromSeq uint64) ([]models.Snapshot, <-chan models.Snapshot, func()) {
	return c.hub.Subscribe(fromSeq)
}

func (c *Coordinator) LocalNodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localNodeID
}

func (c *Coordinator) PublicKeyText() (string, error) {
	return c.vault.PublicKeyText()
}

// QRPayload is the text to render for the peer: the public key and the local node id.
func (c *Coordinator) QRPayload() (string, error) {
	return c.vault.QRPayload(c.LocalNodeID())
}

func (c *Coordinator) watchVault(events <-chan identity.VaultEvent, stop func()) {
	defer c.wg.Done()
	defer stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.onVaultEvent(ev)
		}
	}
}

func (c *Coordinator) onVaultEvent(ev identity.VaultEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case identity.EventKeyReset:
		if c.boundKey != "" && ev.Fingerprint == c.boundKey {
			c.logger.Warn("local key replaced, discarding session")
			c.boundKey = ""
			c.neg.Invalidate("local key replaced")
			c.peers.Clear()
			c.failQueuedLocked()
			if c.phase == models.PhaseSecureChat {
				c.setPhaseLocked(models.PhaseExchangingKeys)
			}
		}
		if !c.vault.HasKey() && c.phase == models.PhaseKeysGenerated {
			c.setPhaseLocked(models.PhaseInitial)
		}
	case identity.EventKeyGenerated:
		if c.phase == models.PhaseInitial {
			c.onKeyAvailableLocked()
		} else {
			c.syncLocalNodeIDLocked()
		}
	}
	c.publishLocked()
}

// watchTransport re-reads the transport status on every status event.
// A subscription dropped for being slow is replaced; the replayed current status loses nothing.
func (c *Coordinator) watchTransport() {
	defer c.wg.Done()
	for {
		statuses, unsubscribe := c.transport.Statuses()
		if !c.drainStatuses(statuses) {
			unsubscribe()
			return
		}
		unsubscribe()
	}
}

func (c *Coordinator) drainStatuses(statuses <-chan transport.Status) bool {
	for {
		select {
		case <-c.ctx.Done():
			return false
		case _, ok := <-statuses:
			if !ok {
				return true
			}
			c.mu.Lock()
			c.refreshTransportLocked()
			c.publishLocked()
			c.mu.Unlock()
		}
	}
}

// refreshTransportLocked applies the current transport status. It is idempotent.
func (c *Coordinator) refreshTransportLocked() {
	if c.closed {
		return
	}
	prev := c.tstatus
	st := c.transport.Status()
	c.tstatus = st

	if st.State.IsOpen() {
		if st.State == transport.StateConnectedWithPeerID && st.PeerNodeID != "" {
			c.learnPeerNodeIDLocked(st.PeerNodeID)
		}
		switch c.phase {
		case models.PhaseKeysGenerated, models.PhaseDiscovering:
			c.setPhaseLocked(models.PhaseConnected)
		}
		if c.phase == models.PhaseConnected && c.peers.HasAny() {
			c.setPhaseLocked(models.PhaseExchangingKeys)
		}
		c.ensureReceiverLocked()
		c.maybeEstablishLocked()
		reopened := !prev.State.IsOpen() || prev.HandleID != st.HandleID
		if reopened && c.phase == models.PhaseSecureChat {
			c.goLocked(c.flushQueued)
		}
		return
	}

	if !prev.State.IsOpen() {
		return
	}
	reason := st.Reason
	if reason == "" {
		reason = string(st.State)
	}
	c.logger.Warn("relay link lost", "state", st.State, "reason", reason)
	if st.State == transport.StateFailed {
		c.metrics.transportFailure(reason)
	}
	if c.phase == models.PhaseConnected {
		c.setPhaseLocked(models.PhaseDiscovering)
	}
	c.maybeReconnectLocked()
}

func (c *Coordinator) learnPeerNodeIDLocked(nodeID string) {
	if nodeID == c.localNodeID {
		return
	}
	err := c.peers.SetPeerNodeID(nodeID, identity.SourceTransport)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrPeerIdentityLocked):
		c.logger.Warn("relay reported a different peer node id", "peer_node_id", nodeID)
		c.recordErrorLocked(fmt.Errorf("relay peer %s: %w", nodeID, err))
	default:
		c.recordErrorLocked(err)
	}
}

func (c *Coordinator) ensureReceiverLocked() {
	stream := c.transport.Receive()
	if stream == nil || stream == c.recvStream {
		return
	}
	c.recvStream = stream
	c.goLocked(func() { c.receiveLoop(stream) })
}

func (c *Coordinator) onKeyAvailableLocked() {
	if !c.vault.HasKey() {
		return
	}
	c.syncLocalNodeIDLocked()
	if c.neg.State() == crypto.StateIdle {
		if err := c.neg.Arm(); err != nil {
			c.logger.Warn("negotiator arm failed", "error", err)
		}
	}
	if c.phase == models.PhaseInitial {
		c.setPhaseLocked(models.PhaseKeysGenerated)
	}
}

// syncLocalNodeIDLocked derives the node id from the public key unless one is configured.
func (c *Coordinator) syncLocalNodeIDLocked() {
	id := c.cfg.LocalNodeID
	if id == "" {
		if pub, err := c.vault.PublicKeyBytes(); err == nil {
			id = identity.DeriveNodeID(pub)
		}
	}
	if id == c.localNodeID {
		return
	}
	c.localNodeID = id
	c.neg.SetLocalNodeID(id)
	c.transport.SetLocalNodeID(id)
	if id != "" {
		c.logger.Info("local node id set", "local_node_id", id)
	}
}

func (c *Coordinator) setPhaseLocked(next models.Phase) {
	if next == c.phase {
		return
	}
	prev := c.phase
	c.phase = next
	c.metrics.setPhase(prev, next)
	if next == models.PhaseSecureChat && !c.listeningSince.IsZero() && c.listeningStop.IsZero() {
		c.listeningStop = c.now()
	}
	c.logger.Info("phase changed", "from", prev, "to", next)
}

func (c *Coordinator) startListeningLocked() {
	if c.listeningSince.IsZero() {
		c.listeningSince = c.now()
		c.listeningStop = time.Time{}
	}
}

// recordErrorLocked stores err as the last error and returns it categorized.
func (c *Coordinator) recordErrorLocked(err error) error {
	if err == nil {
		return nil
	}
	err = categorize(err)
	c.lastErr = &models.ErrorInfo{Code: Classify(err), Message: err.Error(), At: c.now()}
	return err
}

// fail records err, publishes and returns it categorized. Callers hold mu.
func (c *Coordinator) failLocked(err error) error {
	err = c.recordErrorLocked(err)
	c.publishLocked()
	return err
}

func (c *Coordinator) checkUsableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.fatal {
		return fmt.Errorf("%w: %w", ErrHalted, identity.ErrEntropyUnavailable)
	}
	return nil
}

// goLocked starts fn on a tracked goroutine unless the coordinator is closed. Callers hold mu.
func (c *Coordinator) goLocked(fn func()) {
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Coordinator) publishLocked() {
	if c.closed {
		return
	}
	c.hub.Publish(c.snapshotLocked())
}

func (c *Coordinator) snapshotLocked() models.Snapshot {
	snap := models.Snapshot{
		Phase:           c.phase,
		LocalNodeID:     c.localNodeID,
		Messages:        c.history.Messages(),
		NegotiatorState: string(c.neg.State()),
		Fatal:           c.fatal,
		Transport: models.TransportInfo{
			State:      string(c.tstatus.State),
			Kind:       string(c.tstatus.Kind),
			Address:    c.tstatus.Address,
			PeerNodeID: c.tstatus.PeerNodeID,
			Reason:     c.tstatus.Reason,
			Since:      c.tstatus.Since,
		},
	}
	if info, err := c.vault.Info(); err == nil {
		snap.LocalFingerprint = info.Fingerprint
	}
	snap.Peer = c.peerInfoLocked()
	if s, ok := c.neg.Session(); ok {
		snap.SessionID = s.ID
		snap.SafetyPhrase = s.SafetyPhrase
	}
	if c.lastErr != nil {
		e := *c.lastErr
		snap.LastError = &e
	}
	if !c.listeningSince.IsZero() {
		end := c.listeningStop
		if end.IsZero() {
			end = c.now()
		}
		snap.ListeningElapsed = end.Sub(c.listeningSince)
	}
	for _, rec := range c.discovered {
		snap.Discovered = append(snap.Discovered, models.ConnectionRecord{
			Kind:    string(rec.Kind),
			Address: rec.Address,
			Name:    rec.Name,
			Signal:  rec.Signal,
			SeenAt:  rec.SeenAt,
		})
	}
	for _, m := range snap.Messages {
		if m.Status == models.StatusQueued {
			snap.QueuedSends++
		}
	}
	return snap
}

func (c *Coordinator) peerInfoLocked() models.PeerInfo {
	if id, ok := c.peers.Identity(); ok {
		return models.PeerInfo{
			PublicKeyFingerprint: identity.Fingerprint(id.PublicKey),
			NodeID:               id.NodeID,
			KeySource:            string(id.KeySource),
			NodeSource:           string(id.NodeSource),
			Complete:             true,
			AcquiredAt:           id.AcquiredAt,
		}
	}
	key, nodeID := c.peers.Partial()
	info := models.PeerInfo{NodeID: nodeID}
	if key != nil {
		info.PublicKeyFingerprint = identity.Fingerprint(*key)
	}
	return info
}
