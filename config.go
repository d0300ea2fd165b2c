package mailbus

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = fmt.Errorf("invalid configuration")
)

// Config is the file configuration of cmd/mailbusd.
type Config struct {
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
	Micom    MicomConfig    `yaml:"micom"`
	Bus      BusConfig      `yaml:"bus"`
	Emitter  EmitterConfig  `yaml:"emitter"`
	Firmware FirmwareConfig `yaml:"firmware"`
}

// AdminConfig contains debug HTTP server settings
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MicomConfig contains mailbox controller and EW correlator settings
type MicomConfig struct {
	RingDepth        int           `yaml:"ring_depth"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	Retries          int           `yaml:"retries"`
	ErrorLogInterval time.Duration `yaml:"error_log_interval"`
	ErrorLogBurst    int           `yaml:"error_log_burst"`
	Debug            bool          `yaml:"debug"`
}

// BusConfig contains settings for the demo bus
type BusConfig struct {
	Name       string `yaml:"name"`
	TraceBins  int    `yaml:"trace_bins"`
	QueueDepth int    `yaml:"queue_depth"`
}

// EmitterConfig sizes the debug log ring
type EmitterConfig struct {
	Shards        int `yaml:"shards"`
	ShardCapacity int `yaml:"shard_capacity"`
}

// FirmwareConfig tunes the simulated micom peer
type FirmwareConfig struct {
	ReplyDelay time.Duration `yaml:"reply_delay"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Admin:   AdminConfig{Addr: "127.0.0.1:9090"},
		Logging: LoggingConfig{Level: "info"},
		Micom: MicomConfig{
			RingDepth:        256,
			AckTimeout:       time.Second,
			Retries:          3,
			ErrorLogInterval: 100 * time.Millisecond,
			ErrorLogBurst:    10,
		},
		Bus: BusConfig{
			Name:       "system",
			TraceBins:  32,
			QueueDepth: 256,
		},
		Emitter: EmitterConfig{
			Shards:        defaultEmitterShards(),
			ShardCapacity: 1024,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates it.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Micom.RingDepth < 1 {
		return fmt.Errorf("%w: micom.ring_depth must be positive", ErrInvalidConfig)
	}
	if c.Micom.AckTimeout <= 0 {
		return fmt.Errorf("%w: micom.ack_timeout must be positive", ErrInvalidConfig)
	}
	if c.Micom.Retries < 0 {
		return fmt.Errorf("%w: micom.retries must not be negative", ErrInvalidConfig)
	}
	if c.Micom.ErrorLogInterval < 0 || c.Micom.ErrorLogBurst < 1 {
		return fmt.Errorf("%w: micom error log rate", ErrInvalidConfig)
	}
	if c.Bus.Name == "" {
		return fmt.Errorf("%w: bus.name is required", ErrInvalidConfig)
	}
	if c.Bus.TraceBins < 1 || c.Bus.TraceBins > 256 {
		return fmt.Errorf("%w: bus.trace_bins must be in [1,256]", ErrInvalidConfig)
	}
	if c.Bus.QueueDepth < 1 {
		return fmt.Errorf("%w: bus.queue_depth must be positive", ErrInvalidConfig)
	}
	if c.Emitter.Shards < 1 || c.Emitter.ShardCapacity < 1 {
		return fmt.Errorf("%w: emitter shards and shard_capacity must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) ControllerOptions() []Option {
	return []Option{
		WithRingDepth(c.Micom.RingDepth),
		WithErrorLogRate(c.Micom.ErrorLogInterval, c.Micom.ErrorLogBurst),
	}
}

func (c *Config) CorrelatorOptions() []CorrelatorOption {
	return []CorrelatorOption{
		WithAckTimeout(c.Micom.AckTimeout),
		WithRetries(c.Micom.Retries),
		WithDebugLog(c.Micom.Debug),
	}
}

func (c *Config) BusOptions() []BusOption {
	return []BusOption{
		WithTraceBins(c.Bus.TraceBins),
		WithQueueDepth(c.Bus.QueueDepth),
	}
}

func (c *Config) EmitterOptions() []EmitterOption {
	return []EmitterOption{
		WithShards(c.Emitter.Shards),
		WithShardCapacity(c.Emitter.ShardCapacity),
	}
}
