package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fusionlink/go-backend/internal/crypto"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

// SendMessage encrypts text, records it as Queued and flushes the queue in sequence order.
// When the link is down the message stays queued and ErrNotConnected is returned with it.
func (c *Coordinator) SendMessage(ctx context.Context, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		return models.Message{}, c.failLocked(ErrEmptyMessage)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if err := c.checkUsableLocked(); err != nil {
		c.mu.Unlock()
		return models.Message{}, categorize(err)
	}
	if c.phase != models.PhaseSecureChat {
		err := c.failLocked(fmt.Errorf("%w: phase is %s", crypto.ErrSessionNotReady, c.phase))
		c.mu.Unlock()
		return models.Message{}, err
	}
	c.mu.Unlock()

	// Nothing leaves the node before it is in the history. A failed record burns the sequence.
	var msg models.Message
	_, err := c.channel.Seal(text, func(enc crypto.EncodedMessage) error {
		raw, err := enc.Marshal()
		if err != nil {
			return err
		}
		msg = models.Message{
			Sequence:   enc.Sequence,
			Sender:     models.SenderLocal,
			Text:       text,
			Ciphertext: raw,
			SentAt:     c.now(),
			Status:     models.StatusQueued,
			Encrypted:  true,
			Epoch:      enc.Epoch,
		}
		return c.history.Record(msg)
	})
	if err != nil {
		return models.Message{}, c.recordAndPublish(err)
	}

	flushErr := c.flushLocked(ctx)
	stored, _ := c.history.Get(msg.Key())

	c.mu.Lock()
	defer c.mu.Unlock()
	if flushErr != nil {
		return stored, c.failLocked(flushErr)
	}
	c.publishLocked()
	return stored, nil
}

func (c *Coordinator) recordAndPublish(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(err)
}

// flushQueued resends whatever the current session still has queued.
func (c *Coordinator) flushQueued() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.flushLocked(c.ctx); err != nil {
		c.logger.Debug("queued messages not flushed", "error", err)
		return
	}
	c.mu.Lock()
	c.publishLocked()
	c.mu.Unlock()
}

// flushLocked sends the queued messages of the current epoch in sequence order and
// stops at the first failure so the peer never sees a gap. Callers hold sendMu.
func (c *Coordinator) flushLocked(ctx context.Context) error {
	info, ok := c.neg.Session()
	if !ok {
		return crypto.ErrSessionNotReady
	}
	for _, m := range c.history.Queued(info.Epoch) {
		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		err := c.transport.Send(sendCtx, m.Ciphertext)
		cancel()
		if err != nil {
			return err
		}
		if _, _, err := c.history.UpdateStatus(m.Key(), models.StatusSent); err != nil {
			return err
		}
		c.metrics.messageSent()
	}
	return nil
}

// MarkRead marks the peer's message seq of the current session as read.
func (c *Coordinator) MarkRead(seq uint64) error {
	info, ok := c.neg.Session()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		return c.failLocked(crypto.ErrSessionNotReady)
	}
	_, found, err := c.history.MarkRead(info.Epoch, seq)
	if err != nil {
		return c.failLocked(err)
	}
	if !found {
		return c.failLocked(fmt.Errorf("%w: no message #%d from the peer", ErrUnknownMessage, seq))
	}
	c.publishLocked()
	return nil
}

func (c *Coordinator) receiveLoop(stream *transport.Stream) {
	for {
		f, err := stream.Next(c.ctx)
		if err != nil {
			return
		}
		switch f.Kind {
		case transport.FrameAck:
			c.onAck(f.Seq)
		case transport.FrameData:
			c.processInbound(&f)
		}
	}
}

func (c *Coordinator) onAck(seq uint64) {
	info, ok := c.neg.Session()
	if !ok {
		return
	}
	_, found, err := c.history.MarkDelivered(info.Epoch, seq)
	if err != nil {
		c.logger.Error("mark delivered", "seq", seq, "error", err)
		return
	}
	if found {
		c.mu.Lock()
		c.publishLocked()
		c.mu.Unlock()
	}
}

// processInbound decodes f, first draining frames parked before the session was ready.
// A nil f only drains. Holding recvMu keeps parked frames ahead of newer ones.
func (c *Coordinator) processInbound(f *transport.Frame) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.mu.Lock()
	if c.phase != models.PhaseSecureChat {
		if f != nil {
			if len(c.pendingInbound) < c.cfg.InboundBacklog {
				c.pendingInbound = append(c.pendingInbound, *f)
			} else {
				c.metrics.droppedFrame("backlog_full")
			}
		}
		c.mu.Unlock()
		return
	}
	backlog := c.pendingInbound
	c.pendingInbound = nil
	gen := c.gen
	c.mu.Unlock()

	for _, p := range backlog {
		c.deliverData(p, gen)
	}
	if f != nil {
		c.deliverData(*f, gen)
	}
}

func (c *Coordinator) deliverData(f transport.Frame, gen uint64) {
	enc, err := crypto.ParseEncodedMessage(f.Payload)
	if err != nil {
		c.metrics.droppedFrame("malformed")
		c.logger.Debug("dropping malformed message", "error", err)
		return
	}
	msg := models.Message{
		Sequence:   enc.Sequence,
		Sender:     models.SenderPeer,
		Ciphertext: f.Payload,
		SentAt:     f.ReceivedAt,
		Status:     models.StatusDelivered,
		Encrypted:  true,
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = c.now()
	}
	// The replay window only moves once the message is stored; otherwise no ack goes out
	// and the peer may deliver it again.
	var storeErr error
	_, err = c.channel.Open(enc, func(text string, epoch uint64) error {
		msg.Text = text
		msg.Epoch = epoch
		storeErr = c.history.Record(msg)
		return storeErr
	})
	if storeErr == nil && errors.Is(err, crypto.ErrSessionStore) {
		storeErr = err
	}
	if storeErr != nil {
		c.recordAndPublish(fmt.Errorf("store inbound message: %w", storeErr))
		return
	}
	if err != nil {
		code := Classify(err)
		c.metrics.decodeFailure(code)
		if errors.Is(err, crypto.ErrSessionNotReady) {
			return
		}
		c.logger.Warn("inbound message rejected", "code", code, "seq", enc.Sequence)
		if !isSessionFatal(err) {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen == c.gen && c.phase == models.PhaseSecureChat {
			c.sessionFatalLocked(err)
			c.publishLocked()
		}
		return
	}
	c.metrics.messageReceived()

	ackCtx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	if err := c.transport.Ack(ackCtx, enc.Sequence); err != nil {
		c.logger.Warn("ack not sent", "seq", enc.Sequence, "error", err)
	}
	cancel()

	c.mu.Lock()
	c.publishLocked()
	c.mu.Unlock()
}
