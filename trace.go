package mailbus

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// InfiniteTimeoutNS and above render as a "-1.000" deadline.
const InfiniteTimeoutNS uint64 = 0x3FFFFFFFFFFFFFFF

type TraceKind uint8

const (
	TraceSendSync TraceKind = iota + 1
	TraceSendAsync
	TraceSendReply
	TraceRecv
	TraceBroadcast
	TracePoolInserted
)

func (k TraceKind) String() string {
	switch k {
	case TraceSendSync:
		return "SYNC"
	case TraceSendAsync:
		return "ASYNC"
	case TraceSendReply:
		return "REPLY"
	case TraceRecv:
		return "RECV"
	case TraceBroadcast:
		return "SIGNAL"
	case TracePoolInserted:
		return "INSERTED"
	default:
		return fmt.Sprintf("TraceKind(%d)", uint8(k))
	}
}

// TraceEvent is one traced protocol step. The set of implementations is
// closed; each carries exactly the fields its line shows.
type TraceEvent interface {
	Kind() TraceKind
	render(p *printer, head string)
}

// SendSync is a blocking call sent to Dst.
type SendSync struct {
	Dst       Peer
	Cookie    uint64
	TimeoutNS uint64
}

// SendAsync is a non-blocking unicast sent to Dst.
type SendAsync struct {
	Dst       Peer
	Cookie    uint64
	TimeoutNS uint64
}

// SendReply answers CookieReply on Dst.
type SendReply struct {
	Dst         Peer
	Cookie      uint64
	CookieReply uint64
}

// RecvFromKernel is a dequeued kernel notification.
type RecvFromKernel struct {
	Cookie      uint64
	CookieReply uint64
}

// RecvReplyPending is a dequeued message whose sender waits for a reply.
type RecvReplyPending struct {
	Src    Peer
	Cookie uint64
}

// RecvUnresolved is a dequeued message whose sender identity was not
// resolved at receive time.
type RecvUnresolved struct {
	SrcID       uint64
	Cookie      uint64
	CookieReply uint64
}

// Broadcast is a signal sent to every connection on the bus.
type Broadcast struct {
	Cookie uint64
}

// PoolInserted is logged on the receiver when a message lands in its
// queue. Sender is the task that performed the insert. For ExpectReply
// messages CookieReply holds the sender's timeout.
type PoolInserted struct {
	Sender      Peer
	ExpectReply bool
	Cookie      uint64
	CookieReply uint64
}

func (SendSync) Kind() TraceKind         { return TraceSendSync }
func (SendAsync) Kind() TraceKind        { return TraceSendAsync }
func (SendReply) Kind() TraceKind        { return TraceSendReply }
func (RecvFromKernel) Kind() TraceKind   { return TraceRecv }
func (RecvReplyPending) Kind() TraceKind { return TraceRecv }
func (RecvUnresolved) Kind() TraceKind   { return TraceRecv }
func (Broadcast) Kind() TraceKind        { return TraceBroadcast }
func (PoolInserted) Kind() TraceKind     { return TracePoolInserted }

// deadline splits a timeout for the "t: %5d.%03d" column.
func deadline(ns uint64) (int64, uint64) {
	if ns >= InfiniteTimeoutNS {
		return -1, 0
	}
	sec, msec := splitStamp(time.Duration(ns))
	return int64(sec), msec
}

func renderTimed(p *printer, head string, cookie, timeoutNS uint64, dst Peer) {
	sec, msec := deadline(timeoutNS)
	p.printf("%s %10d t: %5d.%03d %6d %16s %5d\n",
		head, cookie, sec, msec, dst.ID, dst.Comm, dst.PID)
}

func renderReply(p *printer, head string, cookie, cookieReply uint64, dst Peer) {
	p.printf("%s %10d r:%10d %6d %16s %5d\n",
		head, cookie, cookieReply, dst.ID, dst.Comm, dst.PID)
}

func (e SendSync) render(p *printer, head string) {
	renderTimed(p, head, e.Cookie, e.TimeoutNS, e.Dst)
}

func (e SendAsync) render(p *printer, head string) {
	renderTimed(p, head, e.Cookie, e.TimeoutNS, e.Dst)
}

func (e SendReply) render(p *printer, head string) {
	renderReply(p, head, e.Cookie, e.CookieReply, e.Dst)
}

func (e RecvFromKernel) render(p *printer, head string) {
	p.printf("%s %10d -:%10d %6d %16s %5s\n",
		head, e.Cookie, e.CookieReply, 0, "kernel", "-")
}

func (e RecvReplyPending) render(p *printer, head string) {
	p.printf("%s %10d -:%10s %6d %16s %5d\n",
		head, e.Cookie, "-", e.Src.ID, e.Src.Comm, e.Src.PID)
}

func (e RecvUnresolved) render(p *printer, head string) {
	p.printf("%s %10d r:%10d %6d %16s %5s\n",
		head, e.Cookie, e.CookieReply, e.SrcID, "<Undiscovered>", "-")
}

func (e Broadcast) render(p *printer, head string) {
	p.printf("%s %10d\n", head, e.Cookie)
}

func (e PoolInserted) render(p *printer, head string) {
	if e.ExpectReply {
		renderTimed(p, head, e.Cookie, e.CookieReply, e.Sender)
		return
	}
	renderReply(p, head, e.Cookie, e.CookieReply, e.Sender)
}

// TraceEntry is a stamped event.
type TraceEntry struct {
	Time  time.Duration
	Event TraceEvent
}

func (e TraceEntry) head() string {
	sec, msec := splitStamp(e.Time)
	return fmt.Sprintf(" %5d.%03d %8s", sec, msec, e.Event.Kind())
}

// String renders the entry as one trace line without the newline.
func (e TraceEntry) String() string {
	var sb strings.Builder
	e.Event.render(&printer{w: &sb}, e.head())
	return strings.TrimSuffix(sb.String(), "\n")
}

type TraceState int

const (
	TraceEmpty TraceState = iota
	TracePartial
	TraceFull
)

func (s TraceState) String() string {
	switch s {
	case TraceEmpty:
		return "empty"
	case TracePartial:
		return "partial"
	case TraceFull:
		return "full"
	default:
		return fmt.Sprintf("TraceState(%d)", int(s))
	}
}

const (
	traceRule   = "+------------------------------------------------------------------------\n"
	traceHeader = "| Time    |   Type |   MsgNum |r: ReplyNum |______Peer_connection_info___\n"
	traceUnits  = "| stamp   |        |          |t: Deadline |  ID  |       PGcomm   | Pid \n"
	traceEmpty  = "***  Trace bin is empty  ***\n"
)

// TraceLog keeps the last N events of a connection, overwriting the
// oldest once full.
type TraceLog struct {
	mu    sync.RWMutex
	bins  []TraceEntry
	next  int
	state TraceState
	clock Clock
}

func NewTraceLog(n int, clock Clock) *TraceLog {
	if n < 1 {
		n = 1
	}
	if clock == nil {
		clock = monotonicNow
	}
	return &TraceLog{
		bins:  make([]TraceEntry, n),
		clock: clock,
	}
}

// Cap returns the number of bins.
func (t *TraceLog) Cap() int {
	return len(t.bins)
}

// Add stamps ev and stores it in the next bin.
func (t *TraceLog) Add(ev TraceEvent) {
	if ev == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.bins[t.next] = TraceEntry{Time: t.clock(), Event: ev}
	t.next = (t.next + 1) % len(t.bins)

	switch {
	case t.state == TraceFull:
	case t.next == 0:
		t.state = TraceFull
	default:
		t.state = TracePartial
	}
}

func (t *TraceLog) State() TraceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Len returns the number of stored events.
func (t *TraceLog) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lenLocked()
}

func (t *TraceLog) lenLocked() int {
	switch t.state {
	case TraceEmpty:
		return 0
	case TracePartial:
		return t.next
	default:
		return len(t.bins)
	}
}

// Entries returns the stored events, oldest first.
func (t *TraceLog) Entries() []TraceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entriesLocked()
}

func (t *TraceLog) entriesLocked() []TraceEntry {
	n := t.lenLocked()
	out := make([]TraceEntry, 0, n)
	start := 0
	if t.state == TraceFull {
		start = t.next
	}
	for i := 0; i < n; i++ {
		out = append(out, t.bins[(start+i)%len(t.bins)])
	}
	return out
}

// Show writes the trace table to w.
func (t *TraceLog) Show(w io.Writer) error {
	p := &printer{w: w}
	t.show(p)
	return p.err
}

func (t *TraceLog) show(p *printer) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p.printf(traceRule)
	p.printf(traceHeader)
	p.printf(traceUnits)
	p.printf(traceRule)

	if t.state == TraceEmpty {
		p.printf(traceEmpty)
		return
	}

	for _, e := range t.entriesLocked() {
		e.Event.render(p, e.head())
	}
}

// printer sends formatted output either to a writer or, when e is set,
// to the log emitter one call per line.
type printer struct {
	w   io.Writer
	e   *Emitter
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.e != nil {
		p.e.Logf(format, args...)
		return
	}
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}
