package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fusionlink/go-backend/internal/crypto"
	"fusionlink/go-backend/internal/identity"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

type keyResult struct {
	info identity.KeyInfo
	err  error
}

// GenerateKeys creates a fresh local key pair. Entropy failure halts the coordinator until a full reset.
func (c *Coordinator) GenerateKeys(ctx context.Context) (identity.KeyInfo, error) {
	c.mu.Lock()
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return identity.KeyInfo{}, categorize(err)
	}
	if c.phase != models.PhaseInitial && c.phase != models.PhaseKeysGenerated {
		err := c.failLocked(fmt.Errorf("%w: generate keys during %s, reset first", ErrInvalidPhase, c.phase))
		c.mu.Unlock()
		return identity.KeyInfo{}, err
	}
	c.mu.Unlock()

	done := make(chan keyResult, 1)
	go func() {
		info, err := c.vault.Generate(ctx)
		done <- keyResult{info: info, err: err}
	}()
	var res keyResult
	select {
	case <-ctx.Done():
		return identity.KeyInfo{}, categorize(ctx.Err())
	case res = <-done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if res.err != nil {
		if errors.Is(res.err, identity.ErrEntropyUnavailable) {
			c.fatal = true
			c.logger.Error("key generation halted", "error", res.err)
		}
		return identity.KeyInfo{}, c.failLocked(res.err)
	}
	c.lastErr = nil
	c.onKeyAvailableLocked()
	c.publishLocked()
	return res.info, nil
}

// StartDiscovery scans for relay candidates and starts the listening clock.
func (c *Coordinator) StartDiscovery(ctx context.Context) ([]transport.ConnectionRecord, error) {
	c.mu.Lock()
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return nil, categorize(err)
	}
	if !c.vault.HasKey() {
		err := c.failLocked(fmt.Errorf("%w: %w", ErrInvalidPhase, identity.ErrNoKeyGenerated))
		c.mu.Unlock()
		return nil, err
	}
	switch c.phase {
	case models.PhaseInitial, models.PhaseKeysGenerated, models.PhaseDiscovering:
	default:
		err := c.failLocked(fmt.Errorf("%w: discovery during %s", ErrInvalidPhase, c.phase))
		c.mu.Unlock()
		return nil, err
	}
	c.onKeyAvailableLocked()
	c.setPhaseLocked(models.PhaseDiscovering)
	c.startListeningLocked()
	c.publishLocked()
	scanner := c.scanner
	gen := c.gen
	c.mu.Unlock()

	var records []transport.ConnectionRecord
	if scanner != nil {
		var err error
		records, err = scanner.Scan(ctx)
		if err != nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			return nil, c.failLocked(fmt.Errorf("discovery: %w", err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen {
		c.discovered = records
		c.publishLocked()
	}
	return records, nil
}

// Connect dials the relay, retrying with exponential backoff, and blocks until
// the link is open, attempts run out, or ctx or CancelConnect stops it.
func (c *Coordinator) Connect(ctx context.Context, target Target) error {
	addr, err := transport.NormalizeAddress(target.Kind, target.Address)
	c.mu.Lock()
	if err != nil {
		err = c.failLocked(err)
		c.mu.Unlock()
		return err
	}
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return categorize(err)
	}
	if !c.vault.HasKey() {
		err := c.failLocked(fmt.Errorf("%w: %w", ErrInvalidPhase, identity.ErrNoKeyGenerated))
		c.mu.Unlock()
		return err
	}
	if c.connecting {
		err := c.failLocked(ErrConnectInProgress)
		c.mu.Unlock()
		return err
	}
	if c.tstatus.State.IsOpen() {
		err := c.failLocked(fmt.Errorf("%w: %s", transport.ErrAlreadyConnected, c.tstatus.Address))
		c.mu.Unlock()
		return err
	}
	c.onKeyAvailableLocked()
	c.startListeningLocked()
	target = Target{Kind: target.Kind, Address: addr}
	c.target = &target
	loopCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	c.connecting = true
	c.connectCancel = cancel
	gen := c.gen
	c.publishLocked()
	c.mu.Unlock()

	err = c.connectWithRetry(loopCtx, target)
	stop()
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		if err == nil {
			return nil
		}
		return categorize(err)
	}
	c.connecting = false
	c.connectCancel = nil
	if err != nil {
		return c.failLocked(err)
	}
	c.lastErr = nil
	c.refreshTransportLocked()
	c.publishLocked()
	return nil
}

// CancelConnect aborts an in-flight connect loop. An open link is left alone.
func (c *Coordinator) CancelConnect() {
	c.mu.Lock()
	cancel := c.connectCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.transport.CancelConnect()
}

// Disconnect closes the relay link and forgets the target so it is not redialed.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	c.target = nil
	cancel := c.connectCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.transport.Disconnect()
}

func (c *Coordinator) connectWithRetry(ctx context.Context, target Target) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxConnectAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.backoff(attempt-1)); err != nil {
				return err
			}
		}
		err := c.connectOnce(ctx, target)
		switch {
		case err == nil, errors.Is(err, transport.ErrAlreadyConnected):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, transport.ErrInvalidAddress), errors.Is(err, transport.ErrBackendUnavailable):
			return err
		}
		lastErr = err
		c.metrics.transportFailure(failureReason(err))
		c.logger.Warn("connect attempt failed",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxConnectAttempts,
			"address", target.Address,
			"error", err,
		)
	}
	return lastErr
}

// connectOnce starts one dial and waits for its outcome on the status feed.
func (c *Coordinator) connectOnce(ctx context.Context, target Target) error {
	statuses, unsubscribe := c.transport.Statuses()
	defer func() { unsubscribe() }()

	c.metrics.connectAttempt()
	h, err := c.transport.Connect(ctx, target.Kind, target.Address)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			c.transport.CancelConnect()
			return ctx.Err()
		case st, ok := <-statuses:
			if !ok {
				unsubscribe()
				statuses, unsubscribe = c.transport.Statuses()
				continue
			}
			if st.HandleID != h.ID {
				continue
			}
			switch {
			case st.State.IsOpen():
				return nil
			case st.State == transport.StateFailed && st.Reason == transport.ReasonTimeout:
				return fmt.Errorf("%w: connect to %s", transport.ErrTimeout, target.Address)
			case st.State == transport.StateFailed:
				return fmt.Errorf("%w: %s", transport.ErrTransport, st.Reason)
			case st.State == transport.StateDisconnected:
				return fmt.Errorf("connect to %s: %w", target.Address, context.Canceled)
			}
		}
	}
}

// maybeReconnectLocked redials the last target after a link loss during key exchange or chat.
func (c *Coordinator) maybeReconnectLocked() {
	if !c.cfg.AutoReconnect || c.connecting || c.closed || c.target == nil {
		return
	}
	if c.phase != models.PhaseExchangingKeys && c.phase != models.PhaseSecureChat {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.connecting = true
	c.connectCancel = cancel
	gen := c.gen
	target := *c.target
	c.logger.Info("reconnecting", "address", target.Address)
	c.goLocked(func() {
		defer cancel()
		err := c.connectWithRetry(ctx, target)
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		c.connecting = false
		c.connectCancel = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			c.failLocked(fmt.Errorf("reconnect: %w", err))
			return
		}
		c.refreshTransportLocked()
		c.publishLocked()
	})
}

// backoff returns the delay before retry n (1-based): base doubled per retry,
// capped at the max, with the upper half jittered.
func (c *Coordinator) backoff(retry int) time.Duration {
	d := c.cfg.RetryBaseDelay
	for i := 1; i < retry && d < c.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, c.cfg.RetryMaxDelay)
	half := d / 2
	return half + time.Duration(c.jitter()*float64(d-half))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return transport.ReasonTimeout
	case errors.Is(err, context.Canceled):
		return transport.ReasonCancelled
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetPeerKey records the peer's public key typed or pasted by the user.
func (c *Coordinator) SetPeerKey(raw string) error {
	return c.updatePeer(func() error {
		return c.peers.SetPeerKey(raw, identity.SourceManual)
	})
}

// SetPeerNodeID records the peer's relay node id typed by the user.
func (c *Coordinator) SetPeerNodeID(raw string) error {
	return c.updatePeer(func() error {
		if strings.TrimSpace(raw) == c.localNodeID && c.localNodeID != "" {
			return fmt.Errorf("%w: peer node id equals the local node id", identity.ErrInvalidNodeID)
		}
		return c.peers.SetPeerNodeID(raw, identity.SourceManual)
	})
}

// ApplyQRPayload records the key and node id scanned from the peer's QR code.
func (c *Coordinator) ApplyQRPayload(payload []byte) error {
	return c.updatePeer(func() error {
		_, nodeID := identity.ParseQRPayload(string(payload))
		if nodeID != "" && nodeID == c.localNodeID {
			return fmt.Errorf("%w: scanned our own code", identity.ErrInvalidPeerKey)
		}
		return c.peers.ApplyQRPayload(payload)
	})
}

func (c *Coordinator) updatePeer(apply func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsableLocked(); err != nil {
		return categorize(err)
	}
	if c.neg.State() == crypto.StateFailed {
		c.neg.Invalidate("peer identity re-entered")
		c.onKeyAvailableLocked()
	}
	if err := apply(); err != nil {
		return c.failLocked(err)
	}
	c.lastErr = nil
	if c.phase == models.PhaseConnected {
		c.setPhaseLocked(models.PhaseExchangingKeys)
	}
	c.maybeEstablishLocked()
	c.publishLocked()
	return nil
}

// maybeEstablishLocked derives the session once the link is up and the peer identity is complete.
func (c *Coordinator) maybeEstablishLocked() {
	if c.closed || !c.tstatus.State.IsOpen() {
		return
	}
	if c.phase != models.PhaseConnected && c.phase != models.PhaseExchangingKeys {
		return
	}
	if !c.peers.IsComplete() || c.neg.State() == crypto.StateFailed {
		return
	}
	c.setPhaseLocked(models.PhaseExchangingKeys)
	if err := c.neg.Establish(c.ctx); err != nil {
		if isSessionFatal(err) {
			c.sessionFatalLocked(err)
			return
		}
		c.recordErrorLocked(err)
		return
	}
	c.onSessionReadyLocked()
}

func (c *Coordinator) onSessionReadyLocked() {
	if info, err := c.vault.Info(); err == nil {
		c.boundKey = info.Fingerprint
	}
	c.lastErr = nil
	c.setPhaseLocked(models.PhaseSecureChat)
	c.goLocked(func() { c.processInbound(nil) })
	c.goLocked(c.flushQueued)
}

// sessionFatalLocked discards the session and the peer identity after an
// invalid key or a forged or replayed message. Queued sends become Failed.
func (c *Coordinator) sessionFatalLocked(err error) {
	c.logger.Warn("session discarded", "reason", err.Error())
	c.neg.Fail(err)
	c.peers.Clear()
	c.boundKey = ""
	c.pendingInbound = nil
	c.failQueuedLocked()
	c.recordErrorLocked(err)
	if c.phase == models.PhaseSecureChat || c.phase == models.PhaseConnected {
		c.setPhaseLocked(models.PhaseExchangingKeys)
	}
}

func (c *Coordinator) failQueuedLocked() {
	n, err := c.history.FailQueued()
	if err != nil {
		c.logger.Error("mark queued messages failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("queued messages failed", "count", n)
	}
}

// Reset tears the session down and returns to Initial. A full reset also
// wipes the local key pair and clears an entropy halt. Reset is idempotent.
func (c *Coordinator) Reset(full bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gen++
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	c.connecting = false
	c.target = nil
	c.mu.Unlock()

	c.transport.CancelConnect()
	c.transport.Disconnect()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.neg.Invalidate("reset")
	c.peers.Clear()
	var errs []error
	if err := c.history.Clear(); err != nil {
		errs = append(errs, err)
	}
	if full {
		if err := c.vault.Reset(); err != nil {
			errs = append(errs, err)
		}
		c.fatal = false
		c.syncLocalNodeIDLocked()
	}
	c.discovered = nil
	c.listeningSince = time.Time{}
	c.listeningStop = time.Time{}
	c.pendingInbound = nil
	c.boundKey = ""
	c.lastErr = nil
	c.tstatus = c.transport.Status()
	c.setPhaseLocked(models.PhaseInitial)
	if c.vault.HasKey() && c.neg.State() == crypto.StateIdle {
		if err := c.neg.Arm(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return c.failLocked(fmt.Errorf("reset: %w", err))
	}
	c.logger.Info("coordinator reset", "full", full)
	c.publishLocked()
	return nil
}
