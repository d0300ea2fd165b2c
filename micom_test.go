package mailbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMicom_StandardLanes(t *testing.T) {
	m, _ := newTestMicom(t, nil)

	lanes := map[int]string{
		EWChannel:       "ewcmd",
		SyscallChannel:  "syscall",
		DbgPrintChannel: "dbgprint",
	}
	for id, name := range lanes {
		ch := m.Ctrl.Channel(id)
		require.NotNil(t, ch, "lane %d", id)
		assert.Equal(t, name, ch.Name)
	}

	for _, id := range []int{1, 2, 3, 5, 7} {
		assert.Nil(t, m.Ctrl.Channel(id), "lane %d", id)
	}
}

func TestMicom_SharesMetrics(t *testing.T) {
	metrics := NewMetrics()
	m, _ := newTestMicom(t, nil, WithMetrics(metrics))

	assert.Same(t, metrics, m.Ctrl.Metrics())
}
