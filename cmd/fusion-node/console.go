package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"fusionlink/go-backend/internal/app"
	"fusionlink/go-backend/internal/qr"
	"fusionlink/go-backend/internal/transport"
	"fusionlink/go-backend/pkg/models"
)

const helpText = `commands:
  keys                      generate a new key pair
  whoami                    show the public key and node id
  qr                        print the public key and node id as a QR code
  discover                  list known fusion nodes
  connect <n>               connect to discovered node n
  connect <ble|wifi> <addr> connect to an address
  cancel                    abort a connect in progress
  disconnect                close the relay link
  peer-key <key>            set the peer public key (base64 or hex)
  peer-node <id>            set the peer node id
  peer-qr <image>           read the peer key and node id from a QR image
  send <text>               send an encrypted message
  read <seq>                mark a received message as read
  history                   list messages
  status                    show the current state
  reset [full]              drop the session; full also wipes the key pair
  quit`

type console struct {
	coord *app.Coordinator
	in    io.Reader

	mu  sync.Mutex
	out io.Writer

	discovered []transport.ConnectionRecord
}

func newConsole(coord *app.Coordinator, in io.Reader, out io.Writer) *console {
	return &console{coord: coord, in: in, out: out}
}

func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	_, updates, cancel := c.coord.Subscribe(c.coord.Snapshot().Seq)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(updates, c.coord.Snapshot())
	}()
	defer wg.Wait()
	defer cancel()

	c.printf("fusion-node %s, type help for commands\n", version)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(cmd) {
	case "":
	case "help", "?":
		c.printf("%s\n", helpText)
	case "quit", "exit":
		return true
	case "keys":
		info, err := c.coord.GenerateKeys(ctx)
		if err != nil {
			c.fail(err)
			return false
		}
		c.printf("key pair generated, fingerprint %s\n", info.Fingerprint)
		c.whoami()
	case "whoami":
		c.whoami()
	case "qr":
		payload, err := c.coord.QRPayload()
		if err != nil {
			c.fail(err)
			return false
		}
		qr.Print(payload)
	case "discover":
		records, err := c.coord.StartDiscovery(ctx)
		if err != nil {
			c.fail(err)
			return false
		}
		c.discovered = records
		if len(records) == 0 {
			c.printf("no fusion nodes found, use connect <ble|wifi> <addr>\n")
		}
		for i, rec := range records {
			c.printf("  [%d] %s %s %s signal=%d\n", i+1, rec.Kind, rec.Address, rec.Name, rec.Signal)
		}
	case "connect":
		target, err := c.parseTarget(rest)
		if err != nil {
			c.fail(err)
			return false
		}
		c.printf("connecting to %s...\n", target.Address)
		go func() {
			if err := c.coord.Connect(ctx, target); err != nil {
				c.fail(err)
			}
		}()
	case "cancel":
		c.coord.CancelConnect()
	case "disconnect":
		c.coord.Disconnect()
	case "peer-key":
		if err := c.coord.SetPeerKey(rest); err != nil {
			c.fail(err)
		}
	case "peer-node":
		if err := c.coord.SetPeerNodeID(rest); err != nil {
			c.fail(err)
		}
	case "peer-qr":
		payload, err := qr.Decode(rest)
		if err != nil {
			c.fail(err)
			return false
		}
		if err := c.coord.ApplyQRPayload(payload); err != nil {
			c.fail(err)
		}
	case "send":
		msg, err := c.coord.SendMessage(ctx, rest)
		if err != nil {
			if msg.Sequence != 0 {
				c.printf("#%d queued: %v\n", msg.Sequence, err)
				return false
			}
			c.fail(err)
		}
	case "read":
		seq, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			c.printf("usage: read <seq>\n")
			return false
		}
		if err := c.coord.MarkRead(seq); err != nil {
			c.fail(err)
		}
	case "history":
		for _, m := range c.coord.Snapshot().Messages {
			c.printMessage(m)
		}
	case "status":
		c.status(c.coord.Snapshot())
	case "reset":
		if err := c.coord.Reset(rest == "full"); err != nil {
			c.fail(err)
		}
	default:
		c.printf("unknown command %q, type help\n", cmd)
	}
	return false
}

func (c *console) parseTarget(args string) (app.Target, error) {
	fields := strings.Fields(args)
	switch len(fields) {
	case 1:
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 1 || n > len(c.discovered) {
			return app.Target{}, fmt.Errorf("%w: no discovered node %q", transport.ErrInvalidAddress, fields[0])
		}
		rec := c.discovered[n-1]
		return app.Target{Kind: rec.Kind, Address: rec.Address}, nil
	case 2:
		kind, err := transport.ParseKind(fields[0])
		if err != nil {
			return app.Target{}, err
		}
		return app.Target{Kind: kind, Address: fields[1]}, nil
	default:
		return app.Target{}, fmt.Errorf("%w: usage connect <n> | connect <ble|wifi> <addr>", transport.ErrInvalidAddress)
	}
}

func (c *console) whoami() {
	key, err := c.coord.PublicKeyText()
	if err != nil {
		c.fail(err)
		return
	}
	c.printf("public key: %s\nnode id:    %s\n", key, c.coord.LocalNodeID())
}

// watch prints what changed between consecutive snapshots.
func (c *console) watch(updates <-chan models.Snapshot, prev models.Snapshot) {
	seen := make(map[models.MessageKey]models.MessageStatus, len(prev.Messages))
	for _, m := range prev.Messages {
		seen[m.Key()] = m.Status
	}
	for snap := range updates {
		if snap.Phase != prev.Phase {
			c.printf("* %s\n", snap.Phase)
			if snap.Phase == models.PhaseSecureChat {
				c.printf("* session %s, compare with your peer: %s\n", snap.SessionID, snap.SafetyPhrase)
			}
		}
		if snap.Transport.State != prev.Transport.State {
			c.printf("* link %s %s\n", snap.Transport.State, snap.Transport.Reason)
		}
		if snap.LastError != nil && (prev.LastError == nil || *snap.LastError != *prev.LastError) {
			c.printf("! %s: %s\n", snap.LastError.Code, snap.LastError.Message)
		}
		for _, m := range snap.Messages {
			status, ok := seen[m.Key()]
			if ok && status == m.Status {
				continue
			}
			seen[m.Key()] = m.Status
			if m.Sender == models.SenderPeer && !ok {
				c.printMessage(m)
			} else if m.Sender == models.SenderLocal {
				c.printf("  #%d %s\n", m.Sequence, m.Status)
			}
		}
		prev = snap
	}
}

func (c *console) status(s models.Snapshot) {
	c.printf("phase:     %s (negotiator %s)\n", s.Phase, s.NegotiatorState)
	c.printf("node id:   %s\n", s.LocalNodeID)
	c.printf("key:       %s\n", s.LocalFingerprint)
	c.printf("peer:      node=%s key=%s complete=%v\n", s.Peer.NodeID, s.Peer.PublicKeyFingerprint, s.Peer.Complete)
	c.printf("link:      %s %s %s\n", s.Transport.State, s.Transport.Kind, s.Transport.Address)
	if s.ListeningElapsed > 0 {
		c.printf("listening: %s\n", s.ListeningElapsed.Round(time.Second))
	}
	if s.SessionID != "" {
		c.printf("session:   %s\nsafety:    %s\n", s.SessionID, s.SafetyPhrase)
	}
	if s.QueuedSends > 0 {
		c.printf("queued:    %d\n", s.QueuedSends)
	}
	if s.Fatal {
		c.printf("halted: key generation failed, use reset full\n")
	}
	if s.LastError != nil {
		c.printf("error:     %s: %s\n", s.LastError.Code, s.LastError.Message)
	}
}

func (c *console) printMessage(m models.Message) {
	who := "you"
	if m.Sender == models.SenderPeer {
		who = "peer"
	}
	c.printf("[%s] %s #%d: %s (%s)\n", m.SentAt.Local().Format(time.TimeOnly), who, m.Sequence, m.Text, m.Status)
}

func (c *console) fail(err error) {
	c.printf("! %s: %v\n", app.Classify(err), err)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
