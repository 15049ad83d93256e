package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrRelayUnavailable = errors.New("relay unavailable")
	ErrLinkLost         = errors.New("relay link lost")
	errLinkClosed       = errors.New("link closed")
)

const (
	defaultMailboxLimit = 256
	linkBuffer          = 256
)

// MemoryRelay is an in-process fusion node. Links dialled to the same address share a room;
// frames sent while no other party is present wait in a bounded mailbox.
type MemoryRelay struct {
	mu           sync.Mutex
	rooms        map[string]*room
	offline      map[string]struct{}
	mailboxLimit int
	dialDelay    time.Duration
	nextLinkID   uint64
}

type room struct {
	links   map[uint64]*memoryLink
	mailbox []mailboxEntry
}

type mailboxEntry struct {
	from  uint64
	frame []byte
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		rooms:        make(map[string]*room),
		offline:      make(map[string]struct{}),
		mailboxLimit: defaultMailboxLimit,
	}
}

// SetDialDelay simulates slow radio setup.
func (r *MemoryRelay) SetDialDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialDelay = d
}

// SetAvailable toggles whether new dials to address succeed.
func (r *MemoryRelay) SetAvailable(address string, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if available {
		delete(r.offline, address)
		return
	}
	r.offline[address] = struct{}{}
}

// Sever drops every link at address as an abnormal loss.
func (r *MemoryRelay) Sever(address string) {
	r.mu.Lock()
	rm := r.rooms[address]
	var links []*memoryLink
	if rm != nil {
		for _, l := range rm.links {
			links = append(links, l)
		}
	}
	r.mu.Unlock()
	for _, l := range links {
		l.end(ErrLinkLost)
	}
}

func (r *MemoryRelay) Dial(ctx context.Context, kind Kind, address string) (Link, error) {
	r.mu.Lock()
	delay := r.dialDelay
	r.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, down := r.offline[address]; down {
		r.mu.Unlock()
		return nil, ErrRelayUnavailable
	}
	rm := r.rooms[address]
	if rm == nil {
		rm = &room{links: make(map[uint64]*memoryLink)}
		r.rooms[address] = rm
	}
	r.nextLinkID++
	link := &memoryLink{
		relay:   r,
		address: address,
		id:      r.nextLinkID,
		frames:  make(chan []byte, linkBuffer),
		done:    make(chan struct{}),
	}
	rm.links[link.id] = link

	var pending [][]byte
	kept := rm.mailbox[:0]
	for _, entry := range rm.mailbox {
		if entry.from == link.id {
			kept = append(kept, entry)
			continue
		}
		pending = append(pending, entry.frame)
	}
	rm.mailbox = kept
	r.mu.Unlock()

	for _, frame := range pending {
		link.deliver(frame)
	}
	return link, nil
}

func (r *MemoryRelay) publish(from *memoryLink, frame []byte) error {
	r.mu.Lock()
	rm := r.rooms[from.address]
	if rm == nil || rm.links[from.id] == nil {
		r.mu.Unlock()
		return errLinkClosed
	}
	targets := make([]*memoryLink, 0, len(rm.links))
	for id, l := range rm.links {
		if id != from.id {
			targets = append(targets, l)
		}
	}
	if len(targets) == 0 {
		rm.mailbox = append(rm.mailbox, mailboxEntry{from: from.id, frame: frame})
		if len(rm.mailbox) > r.mailboxLimit {
			rm.mailbox = append([]mailboxEntry(nil), rm.mailbox[len(rm.mailbox)-r.mailboxLimit:]...)
		}
	}
	r.mu.Unlock()

	for _, l := range targets {
		l.deliver(frame)
	}
	return nil
}

func (r *MemoryRelay) detach(l *memoryLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm := r.rooms[l.address]; rm != nil {
		delete(rm.links, l.id)
	}
}

type memoryLink struct {
	relay   *MemoryRelay
	address string
	id      uint64
	frames  chan []byte
	done    chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (l *memoryLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.done:
		return errLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return l.relay.publish(l, append([]byte(nil), frame...))
}

func (l *memoryLink) Frames() <-chan []byte { return l.frames }

func (l *memoryLink) Done() <-chan struct{} { return l.done }

func (l *memoryLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *memoryLink) Close() error {
	l.end(nil)
	return nil
}

func (l *memoryLink) end(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		l.relay.detach(l)
		close(l.done)
	})
}

func (l *memoryLink) deliver(frame []byte) {
	select {
	case l.frames <- frame:
	case <-l.done:
	}
}
