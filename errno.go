package mailbus

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

// Errno maps an error from this package to the OS error code a debug file
// write would have returned. nil maps to 0.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBusy):
		return unix.EBUSY
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidChannel),
		errors.Is(err, ErrInvalidStat),
		errors.Is(err, ErrShortFrame):
		return unix.EINVAL
	case errors.Is(err, ErrChannelRegistered), errors.Is(err, ErrNameTaken):
		return unix.EEXIST
	case errors.Is(err, ErrNoSuchConn):
		return unix.ENXIO
	case errors.Is(err, ErrNoMessage):
		return unix.EAGAIN
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrRingBufferFull):
		return unix.ENOBUFS
	case errors.Is(err, ErrConnShutdown):
		return unix.ECONNRESET
	case errors.Is(err, ErrNameNotOwned), errors.Is(err, ErrReplyNotExpected):
		return unix.EPERM
	case errors.Is(err, context.Canceled):
		return unix.EINTR
	default:
		return unix.EIO
	}
}
