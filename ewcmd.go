package mailbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// EW command ids understood by the firmware.
const (
	EWCmdClockGating      uint8 = 0x01
	EWCmdClockGatingCount uint8 = 0x02
	EWCmdFlashTest        uint8 = 0x03
	EWCmdMainReset        uint8 = 0x04
	EWCmdDbgPrintTest     uint8 = 0xFF
)

// EWChannel is the lane the EW command correlator is registered on.
const EWChannel = 0

// MainResetMagic must be passed to MainReset for the command to be sent.
const MainResetMagic = 0xdeadbeef

// FlashTestResult is the firmware's flash self-test report.
type FlashTestResult struct {
	Result        uint16
	DataSize      uint16
	StatusOrg     uint16
	StatusEdited  uint16
	StatusReadUS  uint16
	StatusWriteUS uint16
	DataEraseUS   uint16
	DataWriteUS   uint16
	DataReadUS    uint16
}

func decodeFlashTest(data []byte) FlashTestResult {
	var w [9]uint16
	for i := range w {
		w[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return FlashTestResult{
		Result:        w[0],
		DataSize:      w[1],
		StatusOrg:     w[2],
		StatusEdited:  w[3],
		StatusReadUS:  w[4],
		StatusWriteUS: w[5],
		DataEraseUS:   w[6],
		DataWriteUS:   w[7],
		DataReadUS:    w[8],
	}
}

// EWCommander issues engineering-window commands through a Correlator.
type EWCommander struct {
	c *Correlator
}

func NewEWCommander(c *Correlator) *EWCommander {
	return &EWCommander{c: c}
}

func (e *EWCommander) Correlator() *Correlator {
	return e.c
}

// Raw sends cmd with no payload and waits for its ack.
func (e *EWCommander) Raw(ctx context.Context, cmd uint8) (Frame, error) {
	ack, err := e.c.Exchange(ctx, cmd, nil)
	if err != nil {
		slog.Error("ewcmd failed", "cmd", cmd, "error", err)
		return Frame{}, err
	}
	return ack, nil
}

// ClockGate triggers clock gating and returns the firmware's result word.
func (e *EWCommander) ClockGate(ctx context.Context) (uint32, error) {
	ack, err := e.Raw(ctx, EWCmdClockGating)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(ack.Data[:4]), nil
}

// ClockGateCount returns how many times clock gating has run.
func (e *EWCommander) ClockGateCount(ctx context.Context) (uint32, error) {
	ack, err := e.Raw(ctx, EWCmdClockGatingCount)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(ack.Data[:4]), nil
}

// FlashTest runs the firmware flash self-test. Result 0 means pass.
func (e *EWCommander) FlashTest(ctx context.Context) (FlashTestResult, error) {
	ack, err := e.Raw(ctx, EWCmdFlashTest)
	if err != nil {
		return FlashTestResult{}, err
	}
	return decodeFlashTest(ack.Data[:]), nil
}

// MainReset asks the firmware to reset the main SoC. The firmware does not
// ack, so the frame is only posted.
func (e *EWCommander) MainReset(magic uint64) error {
	if magic != MainResetMagic {
		return fmt.Errorf("%w: main reset magic %#x", ErrInvalidArgument, magic)
	}
	slog.Warn("requesting main reset")
	return e.c.Post(EWCmdMainReset, nil)
}
