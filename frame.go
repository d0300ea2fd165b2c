package mailbus

import (
	"fmt"
)

// Frame types carried in the Type byte.
const (
	FrameSend   uint8 = 0
	FrameAckOK  uint8 = 1
	FrameAckErr uint8 = 2
)

const (
	FrameHeaderSize = 4
	FrameDataSize   = MaxFrameSize - FrameHeaderSize
)

var (
	ErrShortFrame = fmt.Errorf("frame shorter than header")
)

// Frame is the command/ack unit exchanged with the firmware:
//
//	cmd u8 | size u8 | type u8 | idx u8 | data [28]byte
type Frame struct {
	Cmd  uint8
	Size uint8
	Type uint8
	Idx  uint8
	Data [FrameDataSize]byte
}

// NewFrame builds a FrameSend frame. Index is filled in by the correlator.
func NewFrame(cmd uint8, payload []byte) (Frame, error) {
	if len(payload) > FrameDataSize {
		return Frame{}, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidArgument, len(payload), FrameDataSize)
	}
	f := Frame{
		Cmd:  cmd,
		Size: uint8(len(payload)),
		Type: FrameSend,
	}
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns a copy of the first Size data bytes.
func (f Frame) Payload() []byte {
	n := int(f.Size)
	if n > FrameDataSize {
		n = FrameDataSize
	}
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

func (f Frame) MarshalBinary() ([]byte, error) {
	b := make([]byte, MaxFrameSize)
	b[0] = f.Cmd
	b[1] = f.Size
	b[2] = f.Type
	b[3] = f.Idx
	copy(b[FrameHeaderSize:], f.Data[:])
	return b, nil
}

func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < FrameHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	f.Cmd = b[0]
	f.Size = b[1]
	f.Type = b[2]
	f.Idx = b[3]
	f.Data = [FrameDataSize]byte{}
	copy(f.Data[:], b[FrameHeaderSize:])
	return nil
}

// DecodeFrame parses b. Short data sections (inbound records carry only
// RecordSize bytes) are zero-padded.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	err := f.UnmarshalBinary(b)
	return f, err
}

func (f Frame) String() string {
	return fmt.Sprintf("cmd:%d, size:%d, type:%d, idx:%d", f.Cmd, f.Size, f.Type, f.Idx)
}
