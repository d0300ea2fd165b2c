package mailbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// KernelID is the source id of bus-generated notifications.
	KernelID uint64 = 0

	// BroadcastID addresses every connection on the bus.
	BroadcastID uint64 = ^uint64(0)
)

type MsgFlags uint64

const (
	MsgExpectReply MsgFlags = 1 << iota
	MsgSync
)

// Message is a unicast, reply or broadcast. TimeoutNS applies to
// MsgExpectReply messages; CookieReply marks a reply.
type Message struct {
	SrcID       uint64
	DstID       uint64
	DstName     string
	Cookie      uint64
	CookieReply uint64
	TimeoutNS   uint64
	Flags       MsgFlags
	Payload     []byte
}

// Bus is a named message bus. Connections attach to it, exchange messages
// and leave a per-connection trace of what they did.
type Bus struct {
	name    string
	id      uuid.UUID
	config  busConfig
	conns   *ConnRegistry
	metrics *Metrics

	nextID       atomic.Uint64
	kernelCookie atomic.Uint64

	namesMu sync.RWMutex
	names   map[string]*Conn

	closed atomic.Bool
}

func NewBus(name string, opts ...BusOption) *Bus {

	cfg := defaultBusConfig()
	for _, o := range opts {
		o(&cfg)
	}

	metrics := cfg.metrics
	if metrics == nil {
		metrics = newMetrics()
	}

	b := &Bus{
		name:    name,
		id:      uuid.New(),
		config:  cfg,
		conns:   NewConnRegistry(),
		metrics: metrics,
		names:   make(map[string]*Conn),
	}
	metrics.setConnCountFn(b.conns.Count)

	slog.Info("bus created", "bus", name, "id", b.id.String())

	return b
}

func (b *Bus) Name() string {
	return b.name
}

// ID is the bus's 128-bit identity.
func (b *Bus) ID() uuid.UUID {
	return b.id
}

func (b *Bus) Conns() *ConnRegistry {
	return b.conns
}

func (b *Bus) Metrics() *Metrics {
	return b.metrics
}

// Emitter returns the "print to log" sink, or nil.
func (b *Bus) Emitter() *Emitter {
	return b.config.emitter
}

// Conn returns connection id, or nil.
func (b *Bus) Conn(id uint64) *Conn {
	return b.conns.Lookup(id)
}

// Attach opens a connection for the task described by creds.
func (b *Bus) Attach(creds Creds) (*Conn, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("bus %s: %w", b.name, ErrConnShutdown)
	}

	c := newConn(b, b.nextID.Add(1), creds)
	b.conns.Register(c)

	slog.Debug("connection attached", "bus", b.name, "conn", c.id, "comm", creds.Comm, "pid", creds.PID)

	return c, nil
}

// Disconnect deactivates c, releases its names and notifies every
// connection still waiting on a reply from it.
func (b *Bus) Disconnect(c *Conn) {
	if c == nil || !c.active.CompareAndSwap(true, false) {
		return
	}

	b.conns.Remove(c.id)

	for _, n := range c.Names() {
		b.dropName(n, c)
	}

	for _, other := range b.conns.All() {
		for _, cookie := range other.waitingOn(c.id) {
			b.notify(other, cookie, c)
		}
	}

	c.shutdown()

	slog.Debug("connection detached", "bus", b.name, "conn", c.id)
}

// Close disconnects every connection.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.conns.RemoveAll()

	b.namesMu.Lock()
	b.names = make(map[string]*Conn)
	b.namesMu.Unlock()
}

// LookupName returns the owner of a well-known name.
func (b *Bus) LookupName(name string) (*Conn, bool) {
	b.namesMu.RLock()
	defer b.namesMu.RUnlock()
	c, ok := b.names[name]
	return c, ok
}

func (b *Bus) claimName(name string, c *Conn) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidArgument)
	}

	b.namesMu.Lock()
	defer b.namesMu.Unlock()

	if owner, ok := b.names[name]; ok {
		if owner == c {
			return nil
		}
		return fmt.Errorf("%w: %s (conn %d)", ErrNameTaken, name, owner.id)
	}
	b.names[name] = c
	return nil
}

func (b *Bus) dropName(name string, c *Conn) {
	b.namesMu.Lock()
	if b.names[name] == c {
		delete(b.names, name)
	}
	b.namesMu.Unlock()
}

// Send routes msg from src. Broadcasts go to every other active
// connection; unicasts are addressed by DstID or DstName.
func (b *Bus) Send(src *Conn, msg Message) error {

	if src == nil || !src.Active() {
		return ErrConnShutdown
	}

	msg.SrcID = src.id

	if msg.DstName != "" {
		dst, ok := b.LookupName(msg.DstName)
		if !ok {
			return fmt.Errorf("%w: name %s", ErrNoSuchConn, msg.DstName)
		}
		msg.DstID = dst.id
	}

	if msg.DstID == BroadcastID {
		return b.broadcast(src, msg)
	}

	dst := b.conns.Lookup(msg.DstID)
	if dst == nil || !dst.Active() {
		return fmt.Errorf("%w: %d", ErrNoSuchConn, msg.DstID)
	}

	expectReply := msg.Flags&MsgExpectReply != 0
	isReply := msg.CookieReply != 0 && !expectReply

	// Waits are claimed before delivery and restored if it fails.
	if isReply && !dst.completeReply(msg.CookieReply, src.id) {
		return fmt.Errorf("%w: %d", ErrReplyNotExpected, msg.CookieReply)
	}

	entry := &QueueEntry{Msg: msg}
	if expectReply {
		entry.Reply = &ReplyInfo{Dst: src.Peer(), Cookie: msg.Cookie}
		src.expectReply(msg.Cookie, dst.id)
	}

	if err := b.deliver(dst, entry, src.creds); err != nil {
		if isReply {
			dst.expectReply(msg.CookieReply, src.id)
		}
		if expectReply {
			src.completeReply(msg.Cookie, dst.id)
		}
		return err
	}

	switch {
	case isReply:
		src.traceAdd(SendReply{Dst: dst.Peer(), Cookie: msg.Cookie, CookieReply: msg.CookieReply})
	case msg.Flags&MsgSync != 0:
		src.traceAdd(SendSync{Dst: dst.Peer(), Cookie: msg.Cookie, TimeoutNS: msg.TimeoutNS})
	default:
		src.traceAdd(SendAsync{Dst: dst.Peer(), Cookie: msg.Cookie, TimeoutNS: msg.TimeoutNS})
	}

	b.metrics.MessagesSent.Add(1)

	return nil
}

func (b *Bus) broadcast(src *Conn, msg Message) error {

	if msg.Flags&MsgExpectReply != 0 {
		return fmt.Errorf("%w: broadcast cannot expect a reply", ErrInvalidArgument)
	}

	src.traceAdd(Broadcast{Cookie: msg.Cookie})

	for _, c := range b.conns.All() {
		if c == src || !c.Active() {
			continue
		}
		err := b.deliver(c, &QueueEntry{Msg: msg}, src.creds)
		if err != nil && !errors.Is(err, ErrQueueFull) && !errors.Is(err, ErrConnShutdown) {
			return err
		}
	}

	b.metrics.BroadcastsSent.Add(1)

	return nil
}

// deliver queues entry on dst and traces the insert with the creds of
// the task doing it.
func (b *Bus) deliver(dst *Conn, entry *QueueEntry, sender Creds) error {

	if err := dst.enqueue(entry); err != nil {
		b.metrics.MessagesDropped.Add(1)
		if errors.Is(err, ErrConnShutdown) {
			return fmt.Errorf("conn %d: %w", dst.id, ErrConnShutdown)
		}
		return fmt.Errorf("conn %d: %w", dst.id, ErrQueueFull)
	}

	cookieReply := entry.Msg.CookieReply
	expectReply := entry.Msg.Flags&MsgExpectReply != 0
	if expectReply {
		cookieReply = entry.Msg.TimeoutNS
	}

	dst.traceAdd(PoolInserted{
		Sender:      Peer{ID: entry.Msg.SrcID, Comm: sender.TGComm, PID: sender.PID},
		ExpectReply: expectReply,
		Cookie:      entry.Msg.Cookie,
		CookieReply: cookieReply,
	})

	return nil
}

// notify queues a kernel message on dst telling it that the reply to
// cookie will never come. by is the connection whose teardown caused it.
func (b *Bus) notify(dst *Conn, cookie uint64, by *Conn) {
	msg := Message{
		SrcID:       KernelID,
		DstID:       dst.id,
		Cookie:      b.kernelCookie.Add(1),
		CookieReply: cookie,
	}
	if err := b.deliver(dst, &QueueEntry{Msg: msg}, by.creds); err != nil {
		slog.Warn("reply-dead notification dropped", "bus", b.name, "conn", dst.id, "error", err)
	}
}
