package mailbus

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// MaxChannels is the number of mailbox lanes, one pending bit each.
const MaxChannels = 8

var (
	ErrInvalidChannel    = fmt.Errorf("invalid channel id")
	ErrChannelRegistered = fmt.Errorf("channel already registered")
	ErrBusy              = fmt.Errorf("outbound mailbox busy")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
)

// Callback receives one inbound record. buf is RecordSize bytes and is owned
// by the callee.
type Callback func(buf []byte, arg any)

type IRQResult int

const (
	IRQNone IRQResult = iota
	IRQHandled
	IRQWakeThread
)

func (r IRQResult) String() string {
	switch r {
	case IRQNone:
		return "none"
	case IRQHandled:
		return "handled"
	case IRQWakeThread:
		return "wake_thread"
	default:
		return fmt.Sprintf("IRQResult(%d)", int(r))
	}
}

// Channel is one registered mailbox lane.
type Channel struct {
	ID   int
	Name string

	ctrl *Controller
	fn   Callback
	arg  any
	ring *RingBuffer[Record]
}

// Send transmits buf on this channel without waiting.
func (ch *Channel) Send(buf []byte) (int, error) {
	return ch.ctrl.SendNonBlock(ch, buf)
}

// Cancel withdraws an outbound frame the peer has not consumed yet.
func (ch *Channel) Cancel() {
	ch.ctrl.CancelSend(ch)
}

// Pending returns the number of records waiting for dispatch.
func (ch *Channel) Pending() int {
	return ch.ring.Count()
}

type irqAttacher interface {
	AttachIRQ(fn func())
}

// Controller multiplexes a Mailbox register block into up to MaxChannels
// lanes. HandleInterrupt is the producer, a single worker goroutine is the
// consumer.
type Controller struct {
	mb     Mailbox
	config controllerConfig

	mu       sync.RWMutex
	channels [MaxChannels]*Channel

	sendMu sync.Mutex

	wake     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once

	errLog  *rate.Limiter
	metrics *Metrics
}

func NewController(mb Mailbox, opts ...Option) *Controller {

	cfg := defaultControllerConfig()
	for _, o := range opts {
		o(&cfg)
	}

	metrics := cfg.metrics
	if metrics == nil {
		metrics = newMetrics()
	}

	return &Controller{
		mb:      mb,
		config:  cfg,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		errLog:  rate.NewLimiter(rate.Every(cfg.errLogInterval), cfg.errLogBurst),
		metrics: metrics,
	}
}

// Metrics returns the controller's counters.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Emitter returns the diagnostic sink configured with WithEmitter, or nil.
func (c *Controller) Emitter() *Emitter {
	return c.config.emitter
}

// Register claims lane id and allocates its ring.
func (c *Controller) Register(id int, name string, fn Callback, arg any) (*Channel, error) {

	if id < 0 || id >= MaxChannels {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channels[id] != nil {
		return nil, fmt.Errorf("%w: %d (%s)", ErrChannelRegistered, id, c.channels[id].Name)
	}

	ch := &Channel{
		ID:   id,
		Name: name,
		ctrl: c,
		fn:   fn,
		arg:  arg,
		ring: NewRingBuffer[Record](c.config.ringDepth),
	}
	c.channels[id] = ch

	slog.Debug("channel registered", "channel", id, "name", name, "depth", ch.ring.Cap())

	return ch, nil
}

// Unregister releases lane id. Records still queued are discarded.
func (c *Controller) Unregister(id int) error {

	if id < 0 || id >= MaxChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, id)
	}

	c.mu.Lock()
	ch := c.channels[id]
	c.channels[id] = nil
	c.mu.Unlock()

	if ch != nil {
		ch.ring.Reset()
	}
	return nil
}

// Channel returns the lane registered at id, or nil.
func (c *Controller) Channel(id int) *Channel {
	if id < 0 || id >= MaxChannels {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[id]
}

// HandleInterrupt services one inbound mailbox interrupt. It never blocks
// and never calls a channel callback.
func (c *Controller) HandleInterrupt() IRQResult {

	pend := c.mb.Pending()
	if pend == 0 {
		c.metrics.SpuriousInterrupts.Add(1)
		return IRQNone
	}

	c.metrics.Interrupts.Add(1)

	if bits.OnesCount8(pend) > 1 {
		c.metrics.MultiBitInterrupts.Add(1)
		c.logError("multiple channels pending", "pending", fmt.Sprintf("%#02x", pend))
		c.mb.Clear(pend)
		return IRQHandled
	}

	id := bits.TrailingZeros8(pend)

	c.mu.RLock()
	ch := c.channels[id]
	c.mu.RUnlock()

	if ch == nil {
		c.metrics.UnregisteredRecords.Add(1)
		c.logError("channel not registered", "channel", id)
		c.mb.Clear(pend)
		return IRQHandled
	}

	if ch.ring == nil {
		panic(fmt.Sprintf("mailbus: channel %d (%s) has no ring", id, ch.Name))
	}

	rec := Record{
		Time: c.config.clock(),
		Data: c.mb.ReadData(),
	}
	err := ch.ring.Enqueue(rec)
	c.mb.Clear(pend)

	if err != nil {
		c.metrics.RecordsDropped.Add(1)
		c.logError("ring buffer is full, data corrupted", "channel", id, "name", ch.Name)
		c.poke()
		return IRQHandled
	}

	c.metrics.RecordsEnqueued.Add(1)
	c.poke()

	return IRQWakeThread
}

func (c *Controller) logError(msg string, args ...any) {
	if c.errLog.Allow() {
		slog.Error(msg, args...)
	}
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// DispatchPending drains every registered channel in id order, invoking
// its callback once per record. It returns the number of records delivered.
func (c *Controller) DispatchPending() int {

	n := 0

	for id := 0; id < MaxChannels; id++ {

		c.mu.RLock()
		ch := c.channels[id]
		c.mu.RUnlock()

		if ch == nil {
			continue
		}

		for {
			rec, ok := ch.ring.Dequeue()
			if !ok {
				break
			}
			if ch.fn != nil {
				ch.fn(rec.Bytes(), ch.arg)
			}
			n++
		}
	}

	if n > 0 {
		c.metrics.RecordsDispatched.Add(int64(n))
	}

	return n
}

func (c *Controller) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			c.DispatchPending()
			return
		case <-c.wake:
			c.DispatchPending()
		}
	}
}

// SendNonBlock writes buf to the outbound window and raises the channel's
// pending bit. It fails with ErrBusy while any earlier frame is unconsumed.
func (c *Controller) SendNonBlock(ch *Channel, buf []byte) (int, error) {

	if ch == nil {
		return 0, fmt.Errorf("%w: nil channel", ErrInvalidArgument)
	}

	if len(buf) > MaxFrameSize {
		return 0, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrInvalidArgument, len(buf), MaxFrameSize)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.mb.OutboundPending() != 0 {
		c.metrics.FramesSentBusy.Add(1)
		return 0, ErrBusy
	}

	c.mb.WriteOutbound(buf, 1<<uint(ch.ID))
	c.metrics.FramesSent.Add(1)

	return len(buf), nil
}

// CancelSend clears the channel's outbound pending bit.
func (c *Controller) CancelSend(ch *Channel) {
	c.sendMu.Lock()
	c.mb.ClearOutbound(1 << uint(ch.ID))
	c.sendMu.Unlock()
	c.metrics.FramesCancelled.Add(1)
}

// Start clears stale inbound state and starts the dispatch worker. If the
// mailbox can deliver interrupts itself (SimMailbox), HandleInterrupt is
// attached to it.
func (c *Controller) Start() {

	if !c.started.CompareAndSwap(false, true) {
		return
	}

	c.mb.Clear(0xFF)

	if a, ok := c.mb.(irqAttacher); ok {
		a.AttachIRQ(func() { c.HandleInterrupt() })
	}

	c.wg.Add(1)
	go c.run()

	slog.Info("mailbox controller started", "depth", roundPow2(c.config.ringDepth))
}

// Stop detaches the interrupt, drains what is queued and waits for the
// worker. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		if a, ok := c.mb.(irqAttacher); ok {
			a.AttachIRQ(nil)
		}

		close(c.done)
		c.wg.Wait()

		slog.Info("mailbox controller stopped")
	})
}
