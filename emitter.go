package mailbus

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"
)

// MaxLogLine is the line buffer size. Logf keeps at most MaxLogLine-1
// bytes of text.
const MaxLogLine = 256

// LogLine is one emitted line.
type LogLine struct {
	Time time.Duration
	Text string

	id uint64
}

type emitterShard struct {
	slots []atomic.Pointer[LogLine]
	total atomic.Uint64
}

func (s *emitterShard) add(l *LogLine) {
	l.id = s.total.Add(1)
	s.slots[(l.id-1)%uint64(len(s.slots))].Store(l)
}

// snapshot returns the shard's retained lines, oldest first. Slots that
// were overwritten while walking are skipped.
func (s *emitterShard) snapshot() []*LogLine {
	total := s.total.Load()
	capacity := uint64(len(s.slots))

	first := uint64(0)
	if total > capacity {
		first = total - capacity
	}

	out := make([]*LogLine, 0, total-first)
	for id := first + 1; id <= total; id++ {
		if l := s.slots[(id-1)%capacity].Load(); l != nil && l.id == id {
			out = append(out, l)
		}
	}
	return out
}

// Emitter is an overwrite-oldest text log split into shards. Writers never
// block; Dump merges the shards back into time order.
type Emitter struct {
	shards []emitterShard
	next   atomic.Uint64
	clock  Clock
}

func NewEmitter(opts ...EmitterOption) *Emitter {

	cfg := defaultEmitterConfig()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.shards < 1 {
		cfg.shards = 1
	}
	if cfg.shardCapacity < 1 {
		cfg.shardCapacity = 1
	}

	e := &Emitter{
		shards: make([]emitterShard, cfg.shards),
		clock:  cfg.clock,
	}
	for i := range e.shards {
		e.shards[i].slots = make([]atomic.Pointer[LogLine], cfg.shardCapacity)
	}
	return e
}

func defaultEmitterShards() int {
	return runtime.GOMAXPROCS(0)
}

// Logf formats a line, truncated to MaxLogLine-1 bytes, and stores it.
// It returns the stored length.
func (e *Emitter) Logf(format string, args ...any) int {
	text := fmt.Sprintf(format, args...)
	if len(text) > MaxLogLine-1 {
		text = text[:MaxLogLine-1]
	}

	shard := &e.shards[(e.next.Add(1)-1)%uint64(len(e.shards))]
	shard.add(&LogLine{Time: e.clock(), Text: text})

	return len(text)
}

// Lines returns every retained line in time order.
func (e *Emitter) Lines() []LogLine {

	heads := make([][]*LogLine, len(e.shards))
	n := 0
	for i := range e.shards {
		heads[i] = e.shards[i].snapshot()
		n += len(heads[i])
	}

	out := make([]LogLine, 0, n)
	for {
		next := -1
		for i, h := range heads {
			if len(h) == 0 {
				continue
			}
			if next < 0 || h[0].Time < heads[next][0].Time {
				next = i
			}
		}
		if next < 0 {
			return out
		}
		out = append(out, *heads[next][0])
		heads[next] = heads[next][1:]
	}
}

// Dump writes every retained line as "[ sssss.mmm] text". Text is written
// as stored, so writers end their lines with a newline.
func (e *Emitter) Dump(w io.Writer) error {
	for _, l := range e.Lines() {
		sec, msec := splitStamp(l.Time)
		if _, err := fmt.Fprintf(w, "[ %5d.%03d] %s", sec, msec, l.Text); err != nil {
			return err
		}
	}
	return nil
}
