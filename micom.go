package mailbus

import (
	"log/slog"
)

// Micom bundles a Controller with the lanes the host driver brings up at
// probe: EW commands on 0, syscalls on 4 and debug print on 6.
type Micom struct {
	Ctrl    *Controller
	EW      *EWCommander
	Syscall *SyscallClient
	Printer *DebugPrinter
}

// NewMicom registers the standard lanes on a fresh controller over mb.
// The controller is not started.
func NewMicom(mb Mailbox, ewOpts []CorrelatorOption, opts ...Option) (*Micom, error) {

	ctrl := NewController(mb, opts...)

	ew, err := NewCorrelator(ctrl, EWChannel, "ewcmd", ewOpts...)
	if err != nil {
		return nil, err
	}

	sc, err := NewSyscallClient(ctrl)
	if err != nil {
		return nil, err
	}

	printer, err := NewDebugPrinter(ctrl)
	if err != nil {
		return nil, err
	}

	return &Micom{
		Ctrl:    ctrl,
		EW:      NewEWCommander(ew),
		Syscall: sc,
		Printer: printer,
	}, nil
}

func (m *Micom) Start() {
	m.Ctrl.Start()
	slog.Info("micom ready", "ewcmd", EWChannel, "syscall", SyscallChannel, "dbgprint", DbgPrintChannel)
}

func (m *Micom) Stop() {
	m.Ctrl.Stop()
	m.Printer.Flush()
}
