package mailbus

import (
	"log/slog"
	"strings"
	"sync"
)

const (
	DbgPrintChannel = 6

	// DbgPrintMaxString is the largest text chunk a single record carries.
	DbgPrintMaxString = RecordSize - 1
)

// DebugPrinter reassembles the firmware's console output. Each record is
// {size u8, text[size]}; text is split into lines on '\n' and every line is
// emitted with a "Micom: " prefix.
type DebugPrinter struct {
	emitter *Emitter

	mu      sync.Mutex
	partial strings.Builder
	lines   int
}

// NewDebugPrinter registers the debug print lane on ctrl. Lines go to the
// controller's emitter when it has one.
func NewDebugPrinter(ctrl *Controller) (*DebugPrinter, error) {
	p := &DebugPrinter{emitter: ctrl.Emitter()}

	_, err := ctrl.Register(DbgPrintChannel, "dbgprint", p.handle, nil)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DebugPrinter) handle(buf []byte, _ any) {

	if len(buf) == 0 {
		return
	}

	size := int(buf[0])
	if size > DbgPrintMaxString || size > len(buf)-1 {
		slog.Error("micom debug print: invalid size", "size", size)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range buf[1 : 1+size] {
		if b == '\n' {
			p.emit(p.partial.String())
			p.partial.Reset()
			continue
		}
		p.partial.WriteByte(b)
	}
}

func (p *DebugPrinter) emit(line string) {
	p.lines++
	slog.Info("micom", "line", line)
	if p.emitter != nil {
		p.emitter.Logf("Micom: %s\n", line)
	}
}

// Flush emits a trailing line that was never terminated.
func (p *DebugPrinter) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.partial.Len() > 0 {
		p.emit(p.partial.String())
		p.partial.Reset()
	}
}

// Lines returns how many lines have been emitted.
func (p *DebugPrinter) Lines() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines
}

// EncodeDebugPrint splits text into debug print records.
func EncodeDebugPrint(text string) [][RecordWords]uint32 {
	var out [][RecordWords]uint32
	for len(text) > 0 {
		n := len(text)
		if n > DbgPrintMaxString {
			n = DbgPrintMaxString
		}
		b := make([]byte, 0, RecordSize)
		b = append(b, byte(n))
		b = append(b, text[:n]...)
		out = append(out, WordsFromBytes(b))
		text = text[n:]
	}
	return out
}
