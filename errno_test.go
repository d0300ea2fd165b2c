package mailbus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestErrno(t *testing.T) {
	cases := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{fmt.Errorf("ewcmd: %w", ErrBusy), unix.EBUSY},
		{fmt.Errorf("ewcmd: cmd 0x1 after 4 attempts: %w", ErrTimeout), unix.ETIMEDOUT},
		{context.DeadlineExceeded, unix.ETIMEDOUT},
		{ErrInvalidArgument, unix.EINVAL},
		{ErrInvalidChannel, unix.EINVAL},
		{fmt.Errorf("%w: 7", ErrInvalidStat), unix.EINVAL},
		{ErrShortFrame, unix.EINVAL},
		{ErrChannelRegistered, unix.EEXIST},
		{ErrNameTaken, unix.EEXIST},
		{ErrNoSuchConn, unix.ENXIO},
		{ErrNoMessage, unix.EAGAIN},
		{ErrQueueFull, unix.ENOBUFS},
		{ErrRingBufferFull, unix.ENOBUFS},
		{ErrConnShutdown, unix.ECONNRESET},
		{ErrNameNotOwned, unix.EPERM},
		{ErrReplyNotExpected, unix.EPERM},
		{context.Canceled, unix.EINTR},
		{ErrAckError, unix.EIO},
		{errors.New("anything else"), unix.EIO},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, Errno(tc.err), "Errno(%v)", tc.err)
	}
}
