package mailbus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTimeout     = fmt.Errorf("command timed out")
	ErrAckError    = fmt.Errorf("peer returned ack error")
	ErrAckMismatch = fmt.Errorf("ack index mismatch")
)

const noPending = -1

// Correlator runs the command/ack handshake over one channel. At most one
// command is outstanding at a time: mu is held from the first transmit
// until the ack, the nack or the last timeout.
type Correlator struct {
	name    string
	ch      *Channel
	config  correlatorConfig
	metrics *Metrics

	mu    sync.Mutex
	index atomic.Uint32

	ackMu   sync.Mutex
	pending int
	acks    chan Frame

	debug atomic.Bool
}

// NewCorrelator registers lane id on ctrl and returns a correlator bound
// to it.
func NewCorrelator(ctrl *Controller, id int, name string, opts ...CorrelatorOption) (*Correlator, error) {

	cfg := defaultCorrelatorConfig()
	for _, o := range opts {
		o(&cfg)
	}

	c := &Correlator{
		name:    name,
		config:  cfg,
		metrics: ctrl.Metrics(),
		pending: noPending,
		acks:    make(chan Frame, 1),
	}
	c.debug.Store(cfg.debug)

	ch, err := ctrl.Register(id, name, func(buf []byte, _ any) {
		c.handleFrame(buf)
	}, c)
	if err != nil {
		return nil, err
	}
	c.ch = ch

	return c, nil
}

func (c *Correlator) Name() string {
	return c.name
}

// Channel returns the lane the correlator transmits on.
func (c *Correlator) Channel() *Channel {
	return c.ch
}

// Index returns the index the next transmitted frame will carry.
func (c *Correlator) Index() uint8 {
	return uint8(c.index.Load())
}

func (c *Correlator) SetDebug(on bool) {
	c.debug.Store(on)
}

func (c *Correlator) Debug() bool {
	return c.debug.Load()
}

// Send issues cmd and returns the first Size bytes of the ack's data.
func (c *Correlator) Send(ctx context.Context, cmd uint8, payload []byte) ([]byte, error) {
	ack, err := c.Exchange(ctx, cmd, payload)
	if err != nil {
		return nil, err
	}
	return ack.Payload(), nil
}

// Exchange issues cmd and returns the matching ack frame. A timed-out
// attempt is cancelled and re-issued with a fresh index, up to the
// configured number of retries.
func (c *Correlator) Exchange(ctx context.Context, cmd uint8, payload []byte) (Frame, error) {

	f, err := NewFrame(cmd, payload)
	if err != nil {
		return Frame{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.CommandsTotal.Add(1)

	for attempt := 0; ; attempt++ {

		ack, err := c.attempt(ctx, f)
		if err == nil {
			return ack, nil
		}

		if !errors.Is(err, ErrTimeout) {
			return Frame{}, err
		}

		if attempt >= c.config.retries {
			c.metrics.CommandsTimedOut.Add(1)
			slog.Error("command timed out", "channel", c.name, "cmd", cmd, "attempts", attempt+1)
			return Frame{}, fmt.Errorf("%s: cmd %#02x after %d attempts: %w", c.name, cmd, attempt+1, ErrTimeout)
		}

		c.metrics.CommandRetries.Add(1)
		slog.Warn("command timed out, retrying", "channel", c.name, "cmd", cmd, "attempt", attempt+1)
	}
}

func (c *Correlator) attempt(ctx context.Context, f Frame) (Frame, error) {

	idx := c.Index()
	f.Idx = idx

	c.arm(int(idx))

	if err := c.transmit(f); err != nil {
		c.disarm()
		return Frame{}, err
	}

	timer := time.NewTimer(c.config.timeout)
	defer timer.Stop()

	select {
	case ack := <-c.acks:
		if ack.Type == c.config.ackErr {
			c.metrics.CommandsNacked.Add(1)
			return Frame{}, fmt.Errorf("%s: %s: %w", c.name, ack, ErrAckError)
		}
		return ack, nil

	case <-timer.C:
		c.disarm()
		c.ch.Cancel()
		return Frame{}, ErrTimeout

	case <-ctx.Done():
		c.disarm()
		c.ch.Cancel()
		return Frame{}, ctx.Err()
	}
}

// Post transmits cmd without waiting for an ack. The index still advances.
func (c *Correlator) Post(cmd uint8, payload []byte) error {

	f, err := NewFrame(cmd, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.CommandsTotal.Add(1)
	f.Idx = c.Index()

	return c.transmit(f)
}

// transmit sends f and advances the index. Callers hold mu.
func (c *Correlator) transmit(f Frame) error {

	b, _ := f.MarshalBinary()

	if c.debug.Load() {
		slog.Info("send", "channel", c.name, "frame", f.String(), "data", hex.EncodeToString(f.Data[:]))
	}

	if _, err := c.ch.Send(b); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}

	c.index.Store(uint32(f.Idx + 1))

	return nil
}

// arm records idx as the outstanding index and drops any ack left over
// from an earlier attempt.
func (c *Correlator) arm(idx int) {
	c.ackMu.Lock()
	c.pending = idx
	select {
	case <-c.acks:
	default:
	}
	c.ackMu.Unlock()
}

func (c *Correlator) disarm() {
	c.ackMu.Lock()
	c.pending = noPending
	c.ackMu.Unlock()
}

func (c *Correlator) handleFrame(buf []byte) {

	f, err := DecodeFrame(buf)
	if err != nil {
		slog.Error("bad frame", "channel", c.name, "error", err)
		return
	}

	if c.debug.Load() {
		slog.Info("receive", "channel", c.name, "frame", f.String(), "data", hex.EncodeToString(buf[FrameHeaderSize:]))
	}

	if f.Type != c.config.ackOK && f.Type != c.config.ackErr {
		slog.Error("error not ack", "channel", c.name, "frame", f.String())
		return
	}

	c.ackMu.Lock()
	defer c.ackMu.Unlock()

	if c.pending == noPending {
		c.metrics.StrayAcks.Add(1)
		slog.Error("ack with nothing outstanding", "channel", c.name, "frame", f.String())
		return
	}

	if int(f.Idx) != c.pending {
		c.metrics.AckMismatches.Add(1)
		slog.Error("index miss match", "channel", c.name, "frame", f.String(), "expected", c.pending,
			"error", ErrAckMismatch)
		return
	}

	c.pending = noPending
	select {
	case c.acks <- f:
	default:
	}
}
