package mailbus

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

var (
	ErrConnShutdown     = fmt.Errorf("connection is not active")
	ErrNoMessage        = fmt.Errorf("no message queued")
	ErrQueueFull        = fmt.Errorf("receive queue full")
	ErrNoSuchConn       = fmt.Errorf("no such connection")
	ErrNameTaken        = fmt.Errorf("name already owned")
	ErrNameNotOwned     = fmt.Errorf("name not owned by connection")
	ErrReplyNotExpected = fmt.Errorf("no reply expected for cookie")
)

// ReplyInfo is attached to a queued message whose sender waits for an
// answer.
type ReplyInfo struct {
	Dst    Peer
	Cookie uint64
}

// QueueEntry is one message waiting in a connection's receive queue.
type QueueEntry struct {
	Msg   Message
	Reply *ReplyInfo
}

// Conn is one endpoint attached to a Bus.
type Conn struct {
	id     uint64
	bus    *Bus
	creds  Creds
	active atomic.Bool

	queueMu sync.Mutex
	queue   *RingBuffer[*QueueEntry]

	mu      sync.Mutex
	names   []string
	waiting map[uint64]uint64 // cookie -> id of the peer expected to reply

	traceMu sync.RWMutex
	trace   *TraceLog
}

func newConn(bus *Bus, id uint64, creds Creds) *Conn {
	c := &Conn{
		id:      id,
		bus:     bus,
		creds:   creds,
		queue:   NewRingBuffer[*QueueEntry](bus.config.queueDepth),
		waiting: make(map[uint64]uint64),
		trace:   NewTraceLog(bus.config.traceBins, bus.config.clock),
	}
	c.active.Store(true)
	return c
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) Bus() *Bus {
	return c.bus
}

func (c *Conn) Creds() Creds {
	return c.creds
}

func (c *Conn) Active() bool {
	return c.active.Load()
}

// Peer describes c as it appears in other connections' traces.
func (c *Conn) Peer() Peer {
	return Peer{ID: c.id, Comm: c.creds.TGComm, PID: c.creds.PID}
}

// Names returns the well-known names c owns, in acquisition order.
func (c *Conn) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Trace returns the connection's trace log, nil once disconnected.
func (c *Conn) Trace() *TraceLog {
	c.traceMu.RLock()
	defer c.traceMu.RUnlock()
	return c.trace
}

func (c *Conn) traceAdd(ev TraceEvent) {
	c.traceMu.RLock()
	t := c.trace
	c.traceMu.RUnlock()

	if t == nil {
		return
	}
	t.Add(ev)
	c.bus.metrics.TraceEventsLogged.Add(1)
}

// Pending returns the number of queued messages.
func (c *Conn) Pending() int {
	return c.queue.Count()
}

// AcquireName claims a well-known name on the bus.
func (c *Conn) AcquireName(name string) error {
	if !c.Active() {
		return ErrConnShutdown
	}
	if err := c.bus.claimName(name, c); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.names {
		if n == name {
			return nil
		}
	}
	c.names = append(c.names, name)
	return nil
}

// ReleaseName gives up a name previously acquired by c.
func (c *Conn) ReleaseName(name string) error {
	c.mu.Lock()
	idx := -1
	for i, n := range c.names {
		if n == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNameNotOwned, name)
	}
	c.names = append(c.names[:idx], c.names[idx+1:]...)
	c.mu.Unlock()

	c.bus.dropName(name, c)
	return nil
}

// Send is shorthand for c.Bus().Send(c, msg).
func (c *Conn) Send(msg Message) error {
	return c.bus.Send(c, msg)
}

// Recv dequeues the oldest message.
func (c *Conn) Recv() (*QueueEntry, error) {
	if !c.Active() {
		return nil, ErrConnShutdown
	}

	e, ok := c.queue.Dequeue()
	if !ok {
		return nil, ErrNoMessage
	}

	switch {
	case e.Reply != nil:
		c.traceAdd(RecvReplyPending{Src: e.Reply.Dst, Cookie: e.Reply.Cookie})
	case e.Msg.SrcID == KernelID:
		c.traceAdd(RecvFromKernel{Cookie: e.Msg.Cookie, CookieReply: e.Msg.CookieReply})
	default:
		c.traceAdd(RecvUnresolved{SrcID: e.Msg.SrcID, Cookie: e.Msg.Cookie, CookieReply: e.Msg.CookieReply})
	}

	c.bus.metrics.MessagesReceived.Add(1)

	return e, nil
}

func (c *Conn) expectReply(cookie, from uint64) {
	c.mu.Lock()
	c.waiting[cookie] = from
	c.mu.Unlock()
}

// completeReply clears the wait for cookie if it was addressed to from.
func (c *Conn) completeReply(cookie, from uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.waiting[cookie]; ok && id == from {
		delete(c.waiting, cookie)
		return true
	}
	return false
}

// waitingOn returns (and forgets) the cookies c awaits from peer.
func (c *Conn) waitingOn(peer uint64) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []uint64
	for cookie, id := range c.waiting {
		if id == peer {
			out = append(out, cookie)
			delete(c.waiting, cookie)
		}
	}
	return out
}

// enqueue adds entry to the receive queue unless c has been shut down.
func (c *Conn) enqueue(entry *QueueEntry) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if !c.active.Load() {
		return ErrConnShutdown
	}
	return c.queue.Enqueue(entry)
}

func (c *Conn) shutdown() {
	c.queueMu.Lock()
	c.active.Store(false)
	c.queue.Reset()
	c.queueMu.Unlock()

	c.traceMu.Lock()
	c.trace = nil
	c.traceMu.Unlock()
}

const infoRule = "----------------------------------------------------------------------\n"

// Show writes the connection's identity, names and trace to w.
func (c *Conn) Show(w io.Writer) error {
	p := &printer{w: w}
	c.show(p)
	return p.err
}

// ShowToLog writes the one-line identity and the trace into e.
func (c *Conn) ShowToLog(e *Emitter) {
	if e == nil {
		return
	}
	c.show(&printer{e: e})
}

func (c *Conn) show(p *printer) {

	if !c.Active() {
		p.printf("ERR: Conn(%d) isn't active\n", c.id)
		return
	}

	if p.e != nil {
		p.printf("| Conn:%d Bus:%s T:%s/%d TG:%s/%d\n",
			c.id, c.bus.name, c.creds.Comm, c.creds.PID, c.creds.TGComm, c.creds.TGID)
	} else {
		p.printf(infoRule+
			"#  Connection   : %d (Bus: %s)\n"+
			"#  Thread       : %s / %d\n#  Thread Group : %s / %d\n"+
			"#  Name Lists:\n",
			c.id, c.bus.name, c.creds.Comm, c.creds.PID, c.creds.TGComm, c.creds.TGID)

		for i, n := range c.Names() {
			p.printf("#   [%2d] %-40s\n", i, n)
		}
		p.printf(infoRule)
	}

	if t := c.Trace(); t != nil {
		t.show(p)
	}
}
