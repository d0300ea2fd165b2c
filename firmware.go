package mailbus

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Firmware is a scripted micom peer behind a SimMailbox. It answers EW
// commands on EWChannel and syscalls on SyscallChannel, and can be told to
// misbehave for the next few frames.
type Firmware struct {
	mb *SimMailbox

	mu         sync.Mutex
	delay      time.Duration
	silent     bool
	dropNext   int
	nackNext   int
	misIdxNext int

	clockGates uint32
	resets     int
	versions   map[uint8]Version
	frames     []Frame
}

// NewFirmware attaches a firmware peer to mb.
func NewFirmware(mb *SimMailbox) *Firmware {
	fw := &Firmware{
		mb:       mb,
		versions: make(map[uint8]Version),
	}
	mb.OnOutbound(fw.receive)
	return fw
}

// SetDelay holds every reply back by d.
func (fw *Firmware) SetDelay(d time.Duration) {
	fw.mu.Lock()
	fw.delay = d
	fw.mu.Unlock()
}

// SetSilent stops (or resumes) all replies.
func (fw *Firmware) SetSilent(on bool) {
	fw.mu.Lock()
	fw.silent = on
	fw.mu.Unlock()
}

// DropNext swallows the next n frames without replying.
func (fw *Firmware) DropNext(n int) {
	fw.mu.Lock()
	fw.dropNext = n
	fw.mu.Unlock()
}

// NackNext answers the next n frames with FrameAckErr.
func (fw *Firmware) NackNext(n int) {
	fw.mu.Lock()
	fw.nackNext = n
	fw.mu.Unlock()
}

// MisindexNext answers the next n frames with a wrong index.
func (fw *Firmware) MisindexNext(n int) {
	fw.mu.Lock()
	fw.misIdxNext = n
	fw.mu.Unlock()
}

func (fw *Firmware) SetVersion(target uint8, v Version) {
	fw.mu.Lock()
	fw.versions[target] = v
	fw.mu.Unlock()
}

// Frames returns every frame received so far.
func (fw *Firmware) Frames() []Frame {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	out := make([]Frame, len(fw.frames))
	copy(out, fw.frames)
	return out
}

// Resets returns how many main reset requests arrived.
func (fw *Firmware) Resets() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.resets
}

// Print sends text to the host on the debug print lane.
func (fw *Firmware) Print(text string) error {
	for _, words := range EncodeDebugPrint(text) {
		if err := fw.inject(DbgPrintChannel, words); err != nil {
			return err
		}
	}
	return nil
}

func (fw *Firmware) receive(chanID int, raw []byte) {

	f, err := DecodeFrame(raw)
	if err != nil {
		slog.Error("firmware: bad frame", "channel", chanID, "error", err)
		return
	}

	fw.mu.Lock()
	fw.frames = append(fw.frames, f)

	if fw.silent {
		fw.mu.Unlock()
		return
	}
	if fw.dropNext > 0 {
		fw.dropNext--
		fw.mu.Unlock()
		return
	}

	reply, ok := fw.answer(chanID, f)
	if !ok {
		fw.mu.Unlock()
		return
	}

	if fw.nackNext > 0 {
		fw.nackNext--
		reply.Type = FrameAckErr
	}
	if fw.misIdxNext > 0 {
		fw.misIdxNext--
		reply.Idx = f.Idx + 0x80
	}
	delay := fw.delay
	fw.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	b, _ := reply.MarshalBinary()
	if err := fw.inject(chanID, WordsFromBytes(b)); err != nil {
		slog.Error("firmware: reply failed", "channel", chanID, "error", err)
	}

	if chanID == EWChannel && f.Cmd == EWCmdDbgPrintTest {
		if err := fw.Print("debug print test\n"); err != nil {
			slog.Error("firmware: debug print failed", "channel", DbgPrintChannel, "error", err)
		}
	}
}

// answer builds the reply to f. Callers hold mu.
func (fw *Firmware) answer(chanID int, f Frame) (Frame, bool) {

	reply := Frame{Cmd: f.Cmd, Type: FrameAckOK, Idx: f.Idx}

	switch chanID {
	case EWChannel:
		switch f.Cmd {
		case EWCmdClockGating:
			fw.clockGates++
			reply.Size = 4
		case EWCmdClockGatingCount:
			binary.LittleEndian.PutUint32(reply.Data[:], fw.clockGates)
			reply.Size = 4
		case EWCmdFlashTest:
			binary.LittleEndian.PutUint16(reply.Data[0:], 0)
			binary.LittleEndian.PutUint16(reply.Data[2:], 256)
			reply.Size = 18
		case EWCmdMainReset:
			fw.resets++
			return Frame{}, false
		case EWCmdDbgPrintTest:
		default:
			reply.Type = FrameAckErr
		}

	case SyscallChannel:
		if f.Cmd != SyscallGetVersionInfo {
			return Frame{}, false
		}
		v := fw.versions[f.Data[0]]
		binary.LittleEndian.PutUint16(reply.Data[0:], v.API)
		binary.LittleEndian.PutUint16(reply.Data[2:], v.Drv)
		reply.Size = 4

	default:
		reply.Size = f.Size
		reply.Data = f.Data
	}

	return reply, true
}

// inject retries while the host has not yet cleared an earlier record.
func (fw *Firmware) inject(chanID int, words [RecordWords]uint32) error {
	var err error
	for i := 0; i < 100; i++ {
		err = fw.mb.Inject(chanID, words)
		if !errors.Is(err, ErrInboundBusy) {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	return err
}
