package mailbus

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, opts ...BusOption) *Bus {
	t.Helper()
	opts = append([]BusOption{WithBusClock(fixedClock(0))}, opts...)
	b := NewBus("test", opts...)
	t.Cleanup(b.Close)
	return b
}

func attach(t *testing.T, b *Bus, pid int, comm string, tgid int, tgcomm string) *Conn {
	t.Helper()
	c, err := b.Attach(NewCreds(pid, comm, tgid, tgcomm))
	require.NoError(t, err)
	return c
}

func traceLines(c *Conn) []string {
	var out []string
	for _, e := range c.Trace().Entries() {
		out = append(out, e.String())
	}
	return out
}

// callAndReply runs one sync call from a to the owner of "org.beta" and
// its reply.
func callAndReply(t *testing.T, a, b *Conn) {
	t.Helper()

	require.NoError(t, a.Send(Message{
		DstName:   "org.beta",
		Cookie:    5,
		Flags:     MsgExpectReply | MsgSync,
		TimeoutNS: uint64(time.Second),
	}))

	e, err := b.Recv()
	require.NoError(t, err)
	require.NotNil(t, e.Reply)
	assert.Equal(t, uint64(5), e.Reply.Cookie)
	assert.Equal(t, a.ID(), e.Reply.Dst.ID)

	require.NoError(t, b.Send(Message{DstID: a.ID(), Cookie: 6, CookieReply: 5}))

	e, err = a.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.Msg.CookieReply)
	assert.Equal(t, b.ID(), e.Msg.SrcID)
}

func TestBus_AttachAssignsIDs(t *testing.T) {
	b := newTestBus(t)

	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")

	assert.Equal(t, uint64(1), a.ID())
	assert.Equal(t, uint64(2), c.ID())
	assert.Same(t, a, b.Conn(1))
	assert.Nil(t, b.Conn(99))
	assert.Equal(t, 2, b.Conns().Count())
	assert.Equal(t, int64(2), b.Metrics().Snapshot()["connections_active"])
	assert.NotEqual(t, b.ID(), NewBus("other").ID())
}

func TestBus_CallAndReplyTraces(t *testing.T) {
	b := newTestBus(t)
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")
	require.NoError(t, c.AcquireName("org.beta"))

	callAndReply(t, a, c)

	assert.Equal(t, []string{
		"     0.000     SYNC          5 t:     1.000      2             beta   201",
		"     0.000 INSERTED          6 r:         5      2             beta   201",
		"     0.000     RECV          6 r:         5      2   <Undiscovered>     -",
	}, traceLines(a))

	assert.Equal(t, []string{
		"     0.000 INSERTED          5 t:     1.000      1            alpha   100",
		"     0.000     RECV          5 -:         -      1            alpha   100",
		"     0.000    REPLY          6 r:         5      1            alpha   100",
	}, traceLines(c))

	m := b.Metrics()
	assert.Equal(t, int64(2), m.MessagesSent.Load())
	assert.Equal(t, int64(2), m.MessagesReceived.Load())
	assert.Equal(t, int64(6), m.TraceEventsLogged.Load())
}

func TestBus_ReplyWithoutCallRejected(t *testing.T) {
	b := newTestBus(t)
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")
	require.NoError(t, c.AcquireName("org.beta"))

	callAndReply(t, a, c)

	// The wait was consumed by the first reply.
	err := c.Send(Message{DstID: a.ID(), Cookie: 7, CookieReply: 5})
	assert.ErrorIs(t, err, ErrReplyNotExpected)
	assert.Equal(t, 0, a.Pending())
}

func TestConn_Show(t *testing.T) {
	b := newTestBus(t)
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")
	require.NoError(t, c.AcquireName("org.beta"))
	require.NoError(t, c.AcquireName("org.beta.Extra"))

	callAndReply(t, a, c)

	var sb strings.Builder
	require.NoError(t, c.Show(&sb))

	want := infoRule +
		"#  Connection   : 2 (Bus: test)\n" +
		"#  Thread       : b-thread / 201\n" +
		"#  Thread Group : beta / 200\n" +
		"#  Name Lists:\n" +
		"#   [ 0] org.beta                                \n" +
		"#   [ 1] org.beta.Extra                          \n" +
		infoRule +
		traceRule + traceHeader + traceUnits + traceRule +
		"     0.000 INSERTED          5 t:     1.000      1            alpha   100\n" +
		"     0.000     RECV          5 -:         -      1            alpha   100\n" +
		"     0.000    REPLY          6 r:         5      1            alpha   100\n"
	assert.Equal(t, want, sb.String())
}

func TestConn_ShowToLog(t *testing.T) {
	e := NewEmitter(WithShards(1))
	b := newTestBus(t, WithBusEmitter(e))
	a := attach(t, b, 100, "a-thread", 100, "alpha")

	require.NoError(t, a.Send(Message{DstID: BroadcastID, Cookie: 100}))

	a.ShowToLog(b.Emitter())

	texts := emitterTexts(e)
	require.Len(t, texts, 6)
	assert.Equal(t, "| Conn:1 Bus:test T:a-thread/100 TG:alpha/100\n", texts[0])
	assert.Equal(t, traceRule, texts[1])
	assert.Equal(t, "     0.000   SIGNAL        100\n", texts[5])

	a.ShowToLog(nil)
}

func TestConn_ShowInactive(t *testing.T) {
	b := newTestBus(t)
	a := attach(t, b, 100, "a-thread", 100, "alpha")

	b.Disconnect(a)
	b.Disconnect(a)

	var sb strings.Builder
	require.NoError(t, a.Show(&sb))
	assert.Equal(t, "ERR: Conn(1) isn't active\n", sb.String())
	assert.Nil(t, a.Trace())
	assert.Nil(t, b.Conn(1))

	_, err := a.Recv()
	assert.ErrorIs(t, err, ErrConnShutdown)
	assert.ErrorIs(t, a.Send(Message{DstID: 1}), ErrConnShutdown)
}

func TestBus_DisconnectNotifiesWaiters(t *testing.T) {
	b := newTestBus(t)
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")
	require.NoError(t, c.AcquireName("org.beta"))

	require.NoError(t, a.Send(Message{DstName: "org.beta", Cookie: 5, Flags: MsgExpectReply, TimeoutNS: uint64(time.Second)}))

	b.Disconnect(c)

	_, ok := b.LookupName("org.beta")
	assert.False(t, ok, "names are released on disconnect")

	e, err := a.Recv()
	require.NoError(t, err)
	assert.Equal(t, KernelID, e.Msg.SrcID)
	assert.Equal(t, uint64(5), e.Msg.CookieReply)

	lines := traceLines(a)
	require.Len(t, lines, 3)
	assert.Equal(t, "     0.000     RECV          1 -:         5      0           kernel     -", lines[2])
}

func TestConn_Names(t *testing.T) {
	b := newTestBus(t)
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")

	require.NoError(t, a.AcquireName("org.alpha"))
	require.NoError(t, a.AcquireName("org.alpha"), "re-acquiring an owned name is a no-op")

	assert.ErrorIs(t, c.AcquireName("org.alpha"), ErrNameTaken)
	assert.ErrorIs(t, c.AcquireName(""), ErrInvalidArgument)
	assert.ErrorIs(t, c.ReleaseName("org.alpha"), ErrNameNotOwned)

	owner, ok := b.LookupName("org.alpha")
	require.True(t, ok)
	assert.Same(t, a, owner)

	require.NoError(t, a.ReleaseName("org.alpha"))
	require.NoError(t, c.AcquireName("org.alpha"))
	assert.Equal(t, []string{"org.alpha"}, c.Names())
}

func TestBus_Broadcast(t *testing.T) {
	b := newTestBus(t)
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")
	d := attach(t, b, 301, "c-thread", 300, "gamma")

	require.NoError(t, a.Send(Message{DstID: BroadcastID, Cookie: 100}))

	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, 1, d.Pending())
	assert.Equal(t, []string{"     0.000   SIGNAL        100"}, traceLines(a))
	assert.Equal(t, int64(1), b.Metrics().BroadcastsSent.Load())

	err := a.Send(Message{DstID: BroadcastID, Cookie: 101, Flags: MsgExpectReply})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBus_SendErrors(t *testing.T) {
	b := newTestBus(t, WithQueueDepth(1))
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")

	assert.ErrorIs(t, a.Send(Message{DstID: 42}), ErrNoSuchConn)
	assert.ErrorIs(t, a.Send(Message{DstName: "org.none"}), ErrNoSuchConn)
	assert.ErrorIs(t, b.Send(nil, Message{DstID: c.ID()}), ErrConnShutdown)

	require.NoError(t, a.Send(Message{DstID: c.ID(), Cookie: 1}))
	assert.ErrorIs(t, a.Send(Message{DstID: c.ID(), Cookie: 2}), ErrQueueFull)
	assert.Equal(t, int64(1), b.Metrics().MessagesDropped.Load())

	_, err := a.Recv()
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestBus_ReplyKeptWhenQueueFull(t *testing.T) {
	b := newTestBus(t, WithQueueDepth(1))
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")

	require.NoError(t, a.Send(Message{DstID: c.ID(), Cookie: 5, Flags: MsgExpectReply | MsgSync}))
	_, err := c.Recv()
	require.NoError(t, err)

	// Fill a's queue so the reply cannot land.
	require.NoError(t, c.Send(Message{DstID: a.ID(), Cookie: 9}))

	err = c.Send(Message{DstID: a.ID(), Cookie: 6, CookieReply: 5})
	require.ErrorIs(t, err, ErrQueueFull)
	for _, line := range traceLines(c) {
		assert.NotContains(t, line, "REPLY")
	}

	_, err = a.Recv()
	require.NoError(t, err)

	require.NoError(t, c.Send(Message{DstID: a.ID(), Cookie: 6, CookieReply: 5}))
	e, err := a.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.Msg.CookieReply)
	assert.Contains(t, traceLines(c), "     0.000    REPLY          6 r:         5      1            alpha   100")

	assert.ErrorIs(t, c.Send(Message{DstID: a.ID(), Cookie: 7, CookieReply: 5}), ErrReplyNotExpected)
}

func TestBus_FailedCallLeavesNoWait(t *testing.T) {
	b := newTestBus(t, WithQueueDepth(1))
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")

	require.NoError(t, a.Send(Message{DstID: c.ID(), Cookie: 1}))
	err := a.Send(Message{DstID: c.ID(), Cookie: 2, Flags: MsgExpectReply | MsgSync})
	require.ErrorIs(t, err, ErrQueueFull)

	assert.Len(t, traceLines(a), 1)
	assert.ErrorIs(t, c.Send(Message{DstID: a.ID(), Cookie: 3, CookieReply: 2}), ErrReplyNotExpected)
}

func TestBus_NoDeliveryAfterDisconnect(t *testing.T) {
	b := newTestBus(t)
	a := attach(t, b, 100, "a-thread", 100, "alpha")
	c := attach(t, b, 201, "b-thread", 200, "beta")

	b.Disconnect(c)

	err := b.deliver(c, &QueueEntry{Msg: Message{SrcID: a.ID(), DstID: c.ID()}}, a.Creds())
	assert.ErrorIs(t, err, ErrConnShutdown)
	assert.Equal(t, 0, c.queue.Count())
}

func TestBus_ConcurrentSendAndDisconnect(t *testing.T) {
	for round := 0; round < 50; round++ {
		b := newTestBus(t)
		a := attach(t, b, 100, "a-thread", 100, "alpha")
		c := attach(t, b, 201, "b-thread", 200, "beta")

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 100; i++ {
				_ = b.deliver(c, &QueueEntry{Msg: Message{SrcID: a.ID(), DstID: c.ID()}}, a.Creds())
			}
		}()

		b.Disconnect(c)
		<-done

		if n := c.queue.Count(); n != 0 {
			t.Fatalf("round %d: %d entries queued on a disconnected connection", round, n)
		}
	}
}

func TestBus_Close(t *testing.T) {
	b := NewBus("closing")
	a, err := b.Attach(NewCreds(1, "init", 1, "init"))
	require.NoError(t, err)
	require.NoError(t, a.AcquireName("org.init"))

	b.Close()
	b.Close()

	assert.False(t, a.Active())
	assert.Equal(t, 0, b.Conns().Count())
	_, ok := b.LookupName("org.init")
	assert.False(t, ok)

	_, err = b.Attach(NewCreds(2, "late", 2, "late"))
	assert.ErrorIs(t, err, ErrConnShutdown)
}

func TestBus_TraceBinsOption(t *testing.T) {
	b := newTestBus(t, WithTraceBins(2))
	a := attach(t, b, 100, "a-thread", 100, "alpha")

	for i := 1; i <= 5; i++ {
		require.NoError(t, a.Send(Message{DstID: BroadcastID, Cookie: uint64(i)}))
	}

	assert.Equal(t, 2, a.Trace().Cap())
	assert.Equal(t, []string{
		"     0.000   SIGNAL          4",
		"     0.000   SIGNAL          5",
	}, traceLines(a))
}

func TestNewComm_Truncates(t *testing.T) {
	assert.Equal(t, Comm("exactly-fifteen"), NewComm("exactly-fifteen"))
	assert.Equal(t, Comm("a-very-long-com"), NewComm("a-very-long-command-name"))

	c := NewCreds(7, "worker", 5, "a-very-long-group-name")
	assert.Equal(t, CommLen-1, len(c.TGComm))
}

func TestConnRegistry_AllSorted(t *testing.T) {
	b := newTestBus(t)
	for i := 0; i < 5; i++ {
		attach(t, b, 100+i, "t", 100, "g")
	}
	b.Disconnect(b.Conn(3))

	var ids []uint64
	for _, c := range b.Conns().All() {
		ids = append(ids, c.ID())
	}
	assert.Equal(t, []uint64{1, 2, 4, 5}, ids)

	visited := 0
	b.Conns().Range(func(*Conn) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)
	assert.Nil(t, b.Conns().Remove(3))
}
