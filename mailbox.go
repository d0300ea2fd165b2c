package mailbus

import (
	"fmt"
	"sync"
)

// Mailbox is the register block shared by every channel of a Controller.
//
// Inbound (firmware → host): the peer latches RecordWords data words and
// sets one pending bit per channel; the host reads the data and clears the
// bit. Outbound (host → firmware): the host writes up to MaxFrameSize bytes
// and sets the channel's pending bit; the peer clears it once consumed, or
// the host clears it to cancel.
type Mailbox interface {
	Pending() uint8
	ReadData() [RecordWords]uint32
	Clear(mask uint8)

	OutboundPending() uint8
	WriteOutbound(buf []byte, mask uint8)
	ClearOutbound(mask uint8)
}

// MaxFrameSize is the size of the outbound data window.
const MaxFrameSize = 32

var (
	ErrInboundBusy = fmt.Errorf("inbound mailbox still pending")
)

// SimMailbox is an in-memory Mailbox. The firmware side is driven through
// Inject (inbound) and the OnOutbound hook (outbound).
type SimMailbox struct {
	mu      sync.Mutex
	pend    uint8
	data    [RecordWords]uint32
	outPend uint8
	outData [MaxFrameSize]byte

	// line serialises interrupt delivery the way a single IRQ line does.
	line sync.Mutex
	irq  func()

	peerMu sync.RWMutex
	peer   func(chanID int, frame []byte)
}

func NewSimMailbox() *SimMailbox {
	return &SimMailbox{}
}

// AttachIRQ installs the interrupt handler invoked by Inject.
func (s *SimMailbox) AttachIRQ(fn func()) {
	s.line.Lock()
	s.irq = fn
	s.line.Unlock()
}

// OnOutbound installs the firmware peer. It runs on its own goroutine after
// the outbound pending bit has been consumed.
func (s *SimMailbox) OnOutbound(fn func(chanID int, frame []byte)) {
	s.peerMu.Lock()
	s.peer = fn
	s.peerMu.Unlock()
}

// Inject latches words on chanID, raises the interrupt and waits for the
// handler to return. It fails with ErrInboundBusy if a previous injection
// was never cleared by the host.
func (s *SimMailbox) Inject(chanID int, words [RecordWords]uint32) error {
	if chanID < 0 || chanID >= MaxChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, chanID)
	}

	s.line.Lock()
	defer s.line.Unlock()

	s.mu.Lock()
	if s.pend != 0 {
		s.mu.Unlock()
		return ErrInboundBusy
	}
	s.data = words
	s.pend = 1 << chanID
	s.mu.Unlock()

	if s.irq != nil {
		s.irq()
	}
	return nil
}

// InjectRaw sets an arbitrary pending mask, used to model glitches such as
// several lanes firing at once.
func (s *SimMailbox) InjectRaw(mask uint8, words [RecordWords]uint32) {
	s.line.Lock()
	defer s.line.Unlock()

	s.mu.Lock()
	s.data = words
	s.pend |= mask
	s.mu.Unlock()

	if s.irq != nil {
		s.irq()
	}
}

func (s *SimMailbox) Pending() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pend
}

func (s *SimMailbox) ReadData() [RecordWords]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *SimMailbox) Clear(mask uint8) {
	s.mu.Lock()
	s.pend &^= mask
	s.mu.Unlock()
}

func (s *SimMailbox) OutboundPending() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outPend
}

func (s *SimMailbox) WriteOutbound(buf []byte, mask uint8) {
	s.mu.Lock()
	s.outData = [MaxFrameSize]byte{}
	copy(s.outData[:], buf)
	s.outPend |= mask
	s.mu.Unlock()

	s.peerMu.RLock()
	peer := s.peer
	s.peerMu.RUnlock()

	if peer != nil {
		go s.consumeOutbound(peer)
	}
}

func (s *SimMailbox) ClearOutbound(mask uint8) {
	s.mu.Lock()
	s.outPend &^= mask
	s.mu.Unlock()
}

// consumeOutbound plays the firmware reading the outbound window. A
// cancelled (already cleared) write is never delivered.
func (s *SimMailbox) consumeOutbound(peer func(int, []byte)) {
	s.mu.Lock()
	pend := s.outPend
	if pend == 0 {
		s.mu.Unlock()
		return
	}
	frame := make([]byte, MaxFrameSize)
	copy(frame, s.outData[:])
	s.outPend = 0
	s.mu.Unlock()

	for id := 0; id < MaxChannels; id++ {
		if pend&(1<<id) != 0 {
			peer(id, frame)
			return
		}
	}
}
