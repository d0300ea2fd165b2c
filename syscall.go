package mailbus

import (
	"context"
	"encoding/binary"
	"time"
)

const (
	SyscallChannel = 4

	SyscallGetVersionInfo uint8 = 1

	// SyscallTimeout bounds a syscall round trip. Syscalls are not retried.
	SyscallTimeout = 50 * time.Millisecond
)

// Version is an ARM CMSIS style driver version pair.
type Version struct {
	API uint16 `json:"api"`
	Drv uint16 `json:"drv"`
}

// SyscallClient queries firmware services over the syscall lane.
type SyscallClient struct {
	c *Correlator
}

// NewSyscallClient registers the syscall lane on ctrl.
func NewSyscallClient(ctrl *Controller, opts ...CorrelatorOption) (*SyscallClient, error) {
	opts = append([]CorrelatorOption{
		WithAckTimeout(SyscallTimeout),
		WithRetries(0),
	}, opts...)

	c, err := NewCorrelator(ctrl, SyscallChannel, "syscall", opts...)
	if err != nil {
		return nil, err
	}
	return &SyscallClient{c: c}, nil
}

func (s *SyscallClient) Correlator() *Correlator {
	return s.c
}

// GetVersion returns the version of firmware component target.
func (s *SyscallClient) GetVersion(ctx context.Context, target uint8) (Version, error) {
	ack, err := s.c.Exchange(ctx, SyscallGetVersionInfo, []byte{target})
	if err != nil {
		return Version{}, err
	}
	return Version{
		API: binary.LittleEndian.Uint16(ack.Data[0:2]),
		Drv: binary.LittleEndian.Uint16(ack.Data[2:4]),
	}, nil
}
