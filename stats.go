package mailbus

import (
	"fmt"
	"io"
	"sort"
)

type StatType int

const (
	StatConnNum StatType = iota
)

var (
	ErrInvalidStat = fmt.Errorf("invalid stat type")
)

// PGIDStat is the number of active connections opened by one thread group.
type PGIDStat struct {
	PGID  int
	Comm  Comm
	Count int
}

// ConnCountByPGID groups active connections by thread group, most
// connections first. Groups with equal counts keep the order in which they
// were first seen.
func (b *Bus) ConnCountByPGID() []PGIDStat {

	byPGID := make(map[int]*pgidNode)
	var order []*pgidNode
	seen := 0

	b.conns.Range(func(c *Conn) bool {
		if !c.Active() {
			return true
		}

		pgid := c.creds.TGID
		n, ok := byPGID[pgid]
		if !ok {
			n = &pgidNode{stat: PGIDStat{PGID: pgid, Comm: c.creds.TGComm}, seq: seen}
			seen++
			byPGID[pgid] = n
		} else {
			order = removeNode(order, n)
		}
		n.stat.Count++
		order = insertNode(order, n)
		return true
	})

	out := make([]PGIDStat, len(order))
	for i, n := range order {
		out[i] = n.stat
	}
	return out
}

type pgidNode struct {
	stat PGIDStat
	seq  int
}

// before reports whether a sorts ahead of b: higher count first, then
// first-seen first.
func (a *pgidNode) before(b *pgidNode) bool {
	if a.stat.Count != b.stat.Count {
		return a.stat.Count > b.stat.Count
	}
	return a.seq < b.seq
}

func insertNode(order []*pgidNode, n *pgidNode) []*pgidNode {
	i := sort.Search(len(order), func(i int) bool { return n.before(order[i]) })
	order = append(order, nil)
	copy(order[i+1:], order[i:])
	order[i] = n
	return order
}

func removeNode(order []*pgidNode, n *pgidNode) []*pgidNode {
	for i, o := range order {
		if o == n {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

const statRule = "-------------------------------------------+\n"

// ShowStat writes the statistics table of kind typ to w.
func (b *Bus) ShowStat(w io.Writer, typ StatType) error {
	p := &printer{w: w}
	if err := b.showStat(p, typ); err != nil {
		return err
	}
	return p.err
}

// ShowStatToLog writes the statistics table into e.
func (b *Bus) ShowStatToLog(e *Emitter, typ StatType) error {
	if e == nil {
		return nil
	}
	return b.showStat(&printer{e: e}, typ)
}

func (b *Bus) showStat(p *printer, typ StatType) error {
	switch typ {
	case StatConnNum:
		b.showConnNum(p)
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrInvalidStat, int(typ))
	}
}

func (b *Bus) showConnNum(p *printer) {
	stats := b.ConnCountByPGID()

	p.printf(statRule)
	p.printf(" Bus : %-35s |\n", b.name)
	p.printf(statRule)
	p.printf(" idx |       PGcomm   |  Pid | Connections |\n")
	p.printf(statRule)

	for i, s := range stats {
		p.printf(" %4d %16s   %4d           %3d\n", i, s.Comm, s.PGID, s.Count)
	}
}
