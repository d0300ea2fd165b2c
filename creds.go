package mailbus

// CommLen is the size of a task command name including its terminator.
const CommLen = 16

// Comm is a task command name, at most CommLen-1 bytes.
type Comm string

// NewComm truncates s to CommLen-1 bytes.
func NewComm(s string) Comm {
	if len(s) > CommLen-1 {
		s = s[:CommLen-1]
	}
	return Comm(s)
}

func (c Comm) String() string {
	return string(c)
}

// Creds identify the task that opened a connection: the thread and its
// thread group leader.
type Creds struct {
	PID    int
	Comm   Comm
	TGID   int
	TGComm Comm
}

// NewCreds builds credentials for a thread pid/comm in group tgid/tgcomm.
func NewCreds(pid int, comm string, tgid int, tgcomm string) Creds {
	return Creds{
		PID:    pid,
		Comm:   NewComm(comm),
		TGID:   tgid,
		TGComm: NewComm(tgcomm),
	}
}

// Peer is how a connection appears in another connection's trace.
type Peer struct {
	ID   uint64
	Comm Comm
	PID  int
}
