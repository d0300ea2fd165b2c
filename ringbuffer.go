package mailbus

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"time"
)

var (
	ErrRingBufferFull = fmt.Errorf("ring buffer is full")
)

// RingBuffer is a fixed-capacity FIFO shared by one producer (interrupt
// side) and one consumer (worker side). head and tail are free-running
// cursors; a slot i is valid iff tail <= i < head, indexed mod capacity.
// Enqueue never overwrites: a full ring rejects the write.
type RingBuffer[T any] struct {
	mu   sync.Mutex
	buf  []T
	mask uint64
	head uint64
	tail uint64
}

// NewRingBuffer allocates a ring with the given capacity rounded up to the
// next power of two (minimum 1).
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	capacity := roundPow2(size)
	return &RingBuffer[T]{
		buf:  make([]T, capacity),
		mask: uint64(capacity - 1),
	}
}

func roundPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Cap returns the number of slots.
func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}

// Count returns the number of pending records. The value may be stale by
// the time the caller looks at it.
func (r *RingBuffer[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.head - r.tail)
}

// Enqueue appends val at head. It fails with ErrRingBufferFull, leaving the
// ring untouched, when every slot is occupied.
func (r *RingBuffer[T]) Enqueue(val T) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head-r.tail == uint64(len(r.buf)) {
		return ErrRingBufferFull
	}

	r.buf[r.head&r.mask] = val
	r.head++

	return nil
}

// Dequeue removes and returns the oldest record.
func (r *RingBuffer[T]) Dequeue() (T, bool) {

	var v, zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head == r.tail {
		return v, false
	}

	slot := r.tail & r.mask
	v = r.buf[slot]
	r.buf[slot] = zero
	r.tail++

	return v, true
}

// DequeueN removes up to n records in FIFO order.
func (r *RingBuffer[T]) DequeueN(n int) ([]T, bool) {

	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	avail := int(r.head - r.tail)
	if avail == 0 || n <= 0 {
		return nil, false
	}

	if n > avail {
		n = avail
	}

	vals := make([]T, 0, n)
	for i := 0; i < n; i++ {
		slot := r.tail & r.mask
		vals = append(vals, r.buf[slot])
		r.buf[slot] = zero
		r.tail++
	}

	return vals, true
}

// Reset drops every pending record.
func (r *RingBuffer[T]) Reset() {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.tail = 0
}

// RecordWords is the number of 32-bit payload registers latched per
// inbound mailbox interrupt.
const RecordWords = 6

// RecordSize is the payload size of a Record in bytes.
const RecordSize = RecordWords * 4

// Record is one latched mailbox payload plus the monotonic time it was
// queued at.
type Record struct {
	Time time.Duration
	Data [RecordWords]uint32
}

// Bytes returns the payload in register order, little-endian per word.
func (r Record) Bytes() []byte {
	b := make([]byte, RecordSize)
	for i, w := range r.Data {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// WordsFromBytes packs up to RecordSize bytes into register words.
func WordsFromBytes(b []byte) [RecordWords]uint32 {
	var buf [RecordSize]byte
	copy(buf[:], b)
	var w [RecordWords]uint32
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return w
}
