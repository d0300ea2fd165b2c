package mailbus

import (
	"time"
)

type Option func(*controllerConfig)

type controllerConfig struct {
	// Per-channel ring depth (rounded up to a power of two). Default: 256.
	ringDepth int

	// Minimum spacing between repeated interrupt-path error logs.
	errLogInterval time.Duration
	errLogBurst    int

	// Optional sink for free-text diagnostics (debug print channel etc).
	emitter *Emitter

	clock Clock

	metrics *Metrics
}

func defaultControllerConfig() controllerConfig {
	return controllerConfig{
		ringDepth:      256,
		errLogInterval: 100 * time.Millisecond,
		errLogBurst:    10,
		clock:          monotonicNow,
	}
}

// WithRingDepth sets the number of records each channel can hold before the
// interrupt path starts dropping. Default: 256.
func WithRingDepth(n int) Option {
	return func(c *controllerConfig) {
		c.ringDepth = n
	}
}

// WithErrorLogRate throttles interrupt-path error logs to one every interval
// with the given burst.
func WithErrorLogRate(interval time.Duration, burst int) Option {
	return func(c *controllerConfig) {
		c.errLogInterval = interval
		c.errLogBurst = burst
	}
}

func WithEmitter(e *Emitter) Option {
	return func(c *controllerConfig) {
		c.emitter = e
	}
}

// WithClock overrides the timestamp source used for ring records.
func WithClock(clock Clock) Option {
	return func(c *controllerConfig) {
		c.clock = clock
	}
}

// WithMetrics shares a counter set with other components (see NewMetrics).
func WithMetrics(m *Metrics) Option {
	return func(c *controllerConfig) {
		c.metrics = m
	}
}

type CorrelatorOption func(*correlatorConfig)

type correlatorConfig struct {
	timeout time.Duration
	retries int
	ackOK   uint8
	ackErr  uint8
	debug   bool
}

func defaultCorrelatorConfig() correlatorConfig {
	return correlatorConfig{
		timeout: 1000 * time.Millisecond,
		retries: 3,
		ackOK:   FrameAckOK,
		ackErr:  FrameAckErr,
	}
}

// WithAckTimeout sets how long each attempt waits for its ack.
// Default: 1000ms.
func WithAckTimeout(d time.Duration) CorrelatorOption {
	return func(c *correlatorConfig) {
		c.timeout = d
	}
}

// WithRetries sets how many times a timed-out command is re-issued with a
// fresh index. Default: 3 (four transmissions in total).
func WithRetries(n int) CorrelatorOption {
	return func(c *correlatorConfig) {
		c.retries = n
	}
}

// WithAckTypes overrides the frame types treated as positive and negative
// acks.
func WithAckTypes(ok, nack uint8) CorrelatorOption {
	return func(c *correlatorConfig) {
		c.ackOK = ok
		c.ackErr = nack
	}
}

// WithDebugLog logs every frame sent and received with a hex dump.
func WithDebugLog(on bool) CorrelatorOption {
	return func(c *correlatorConfig) {
		c.debug = on
	}
}

type BusOption func(*busConfig)

type busConfig struct {
	traceBins  int
	queueDepth int
	emitter    *Emitter
	clock      Clock
	metrics    *Metrics
}

func defaultBusConfig() busConfig {
	return busConfig{
		traceBins:  32,
		queueDepth: 256,
		clock:      monotonicNow,
	}
}

// WithTraceBins sets the number of trace bins kept per connection.
// Default: 32.
func WithTraceBins(n int) BusOption {
	return func(c *busConfig) {
		c.traceBins = n
	}
}

// WithQueueDepth sets the per-connection receive queue depth. Default: 256.
func WithQueueDepth(n int) BusOption {
	return func(c *busConfig) {
		c.queueDepth = n
	}
}

// WithBusEmitter routes "print to log" diagnostics into e.
func WithBusEmitter(e *Emitter) BusOption {
	return func(c *busConfig) {
		c.emitter = e
	}
}

// WithBusClock overrides the trace timestamp source.
func WithBusClock(clock Clock) BusOption {
	return func(c *busConfig) {
		c.clock = clock
	}
}

func WithBusMetrics(m *Metrics) BusOption {
	return func(c *busConfig) {
		c.metrics = m
	}
}

type EmitterOption func(*emitterConfig)

type emitterConfig struct {
	shards        int
	shardCapacity int
	clock         Clock
}

func defaultEmitterConfig() emitterConfig {
	return emitterConfig{
		shards:        defaultEmitterShards(),
		shardCapacity: 1024,
		clock:         monotonicNow,
	}
}

// WithShards sets the number of independent write shards.
// Default: GOMAXPROCS.
func WithShards(n int) EmitterOption {
	return func(c *emitterConfig) {
		c.shards = n
	}
}

// WithShardCapacity sets how many lines each shard retains. Default: 1024.
func WithShardCapacity(n int) EmitterOption {
	return func(c *emitterConfig) {
		c.shardCapacity = n
	}
}

func WithEmitterClock(clock Clock) EmitterOption {
	return func(c *emitterConfig) {
		c.clock = clock
	}
}
