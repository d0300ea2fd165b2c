package mailbus

import (
	"expvar"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSeq generates unique IDs for expvar namespacing across instances.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for the mailbox controller, its
// correlators and any buses sharing it. All counters are lock-free
// (atomic int64), published to expvar under the "mailbus." prefix and
// exported to Prometheus through Collector.
type Metrics struct {
	Interrupts          atomic.Int64
	SpuriousInterrupts  atomic.Int64
	MultiBitInterrupts  atomic.Int64
	UnregisteredRecords atomic.Int64
	RecordsEnqueued     atomic.Int64
	RecordsDropped      atomic.Int64
	RecordsDispatched   atomic.Int64

	FramesSent      atomic.Int64
	FramesSentBusy  atomic.Int64
	FramesCancelled atomic.Int64

	CommandsTotal    atomic.Int64
	CommandsTimedOut atomic.Int64
	CommandsNacked   atomic.Int64
	CommandRetries   atomic.Int64
	AckMismatches    atomic.Int64
	StrayAcks        atomic.Int64

	MessagesSent      atomic.Int64
	MessagesReceived  atomic.Int64
	MessagesDropped   atomic.Int64
	BroadcastsSent    atomic.Int64
	TraceEventsLogged atomic.Int64

	// connCountFn returns the current number of active connections.
	// Set by Bus at init time.
	connCountFn atomic.Pointer[func() int]
}

// newMetrics creates a Metrics instance and publishes all counters to expvar.
// Each call gets a unique expvar prefix via a monotonic sequence.
func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "mailbus." + strconv.FormatInt(seq, 10) + "."

	for name, v := range m.counters() {
		expvar.Publish(prefix+name, atomicVar(v))
	}
	expvar.Publish(prefix+"connections_active", expvar.Func(func() any {
		return m.activeConns()
	}))

	return m
}

// NewMetrics is exported so callers can share one counter set between a
// Controller and a Bus.
func NewMetrics() *Metrics {
	return newMetrics()
}

func (m *Metrics) counters() map[string]*atomic.Int64 {
	return map[string]*atomic.Int64{
		"interrupts_total":     &m.Interrupts,
		"interrupts_spurious":  &m.SpuriousInterrupts,
		"interrupts_multi_bit": &m.MultiBitInterrupts,
		"records_unregistered": &m.UnregisteredRecords,
		"records_enqueued":     &m.RecordsEnqueued,
		"records_dropped":      &m.RecordsDropped,
		"records_dispatched":   &m.RecordsDispatched,
		"frames_sent":          &m.FramesSent,
		"frames_sent_busy":     &m.FramesSentBusy,
		"frames_cancelled":     &m.FramesCancelled,
		"commands_total":       &m.CommandsTotal,
		"commands_timed_out":   &m.CommandsTimedOut,
		"commands_nacked":      &m.CommandsNacked,
		"command_retries":      &m.CommandRetries,
		"ack_mismatches":       &m.AckMismatches,
		"stray_acks":           &m.StrayAcks,
		"messages_sent":        &m.MessagesSent,
		"messages_received":    &m.MessagesReceived,
		"messages_dropped":     &m.MessagesDropped,
		"broadcasts_sent":      &m.BroadcastsSent,
		"trace_events_logged":  &m.TraceEventsLogged,
	}
}

func (m *Metrics) setConnCountFn(fn func() int) {
	m.connCountFn.Store(&fn)
}

func (m *Metrics) activeConns() int {
	if fn := m.connCountFn.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := make(map[string]int64, 24)
	for name, v := range m.counters() {
		snap[name] = v.Load()
	}
	snap["connections_active"] = int64(m.activeConns())
	return snap
}

// Collector exposes the counters to a Prometheus registry. Every series
// carries a constant source label so that several counter sets can share
// one registry.
func (m *Metrics) Collector(source string) prometheus.Collector {
	labels := prometheus.Labels{"source": source}

	c := &metricsCollector{
		m:     m,
		descs: make(map[string]*prometheus.Desc),
		conns: prometheus.NewDesc("mailbus_connections_active",
			"Number of active bus connections", nil, labels),
	}
	for name := range m.counters() {
		c.descs[name] = prometheus.NewDesc("mailbus_"+name, "mailbus counter "+name, nil, labels)
	}
	return c
}

type metricsCollector struct {
	m     *Metrics
	descs map[string]*prometheus.Desc
	conns *prometheus.Desc
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, name := range c.names() {
		ch <- c.descs[name]
	}
	ch <- c.conns
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	counters := c.m.counters()
	for _, name := range c.names() {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue,
			float64(counters[name].Load()))
	}
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue,
		float64(c.m.activeConns()))
}

func (c *metricsCollector) names() []string {
	counters := c.m.counters()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
