// Package config contains all knobs and defaults used to configure the reasoner binary.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	DefaultWorkers          = 4
	DefaultConcurrentQueries = 4
	DefaultQueryTimeout     = time.Minute
	DefaultConnectTimeout   = 5 * time.Second
)

type DatastoreMetricsConfig struct {
	// Enabled enables export of the Datastore metrics.
	Enabled bool
}

// DatastoreConfig defines the datastore the reasoner reads from and writes inferred facts to.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'memory', 'sqlite')
	Engine string
	URI    string

	// ConnectTimeout bounds the time spent waiting for the database to answer pings.
	ConnectTimeout time.Duration

	// Metrics is configuration for the Datastore metrics.
	Metrics DatastoreMetricsConfig
}

// LogConfig defines log specific settings. For production we recommend using the 'json'
// log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
}

// MetricConfig defines where prometheus metrics are served while the reasoner runs.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// ReasonerConfig defines how queries are resolved.
type ReasonerConfig struct {
	// Workers is the number of event loops resolvers are scheduled on.
	Workers int

	// MaxConcurrentQueries bounds how many queries of one invocation run at the same time.
	MaxConcurrentQueries int

	// QueryTimeout bounds the time spent answering one query.
	QueryTimeout time.Duration
}

type Config struct {
	Datastore DatastoreConfig
	Log       LogConfig
	Trace     TraceConfig
	Metrics   MetricConfig
	Reasoner  ReasonerConfig
}

var (
	logFormats = []string{"text", "json"}
	logLevels  = []string{"none", "debug", "info", "warn", "error", "panic", "fatal"}
	engines    = []string{"memory", "sqlite"}
)

func (cfg *Config) Verify() error {
	if !slices.Contains(logFormats, cfg.Log.Format) {
		return fmt.Errorf("config 'log.format' must be one of %q", logFormats)
	}
	if !slices.Contains(logLevels, cfg.Log.Level) {
		return fmt.Errorf("config 'log.level' must be one of %q", logLevels)
	}
	if !slices.Contains(engines, cfg.Datastore.Engine) {
		return fmt.Errorf("config 'datastore.engine' must be one of %q", engines)
	}
	if cfg.Datastore.Engine == "sqlite" && cfg.Datastore.URI == "" {
		return errors.New("config 'datastore.uri' must be set for the sqlite engine")
	}
	if cfg.Reasoner.Workers < 1 {
		return fmt.Errorf("config 'reasoner.workers' must be positive, got %d", cfg.Reasoner.Workers)
	}
	if cfg.Reasoner.MaxConcurrentQueries < 1 {
		return fmt.Errorf("config 'reasoner.maxConcurrentQueries' must be positive, got %d", cfg.Reasoner.MaxConcurrentQueries)
	}
	if cfg.Reasoner.QueryTimeout <= 0 {
		return errors.New("config 'reasoner.queryTimeout' must be greater than zero")
	}
	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return fmt.Errorf("config 'trace.sampleRatio' must be within [0, 1], got %v", cfg.Trace.SampleRatio)
	}
	if cfg.Trace.Enabled && cfg.Trace.OTLP.Endpoint == "" {
		return errors.New("config 'trace.otlp.endpoint' must be set when tracing is enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("config 'metrics.addr' must be set when metrics are enabled")
	}
	return nil
}

// DefaultConfig is the configuration used when nothing is set through flags, environment or
// config file.
func DefaultConfig() *Config {
	return &Config{
		Datastore: DatastoreConfig{
			Engine:         "memory",
			ConnectTimeout: DefaultConnectTimeout,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "reasoner",
		},
		Metrics: MetricConfig{
			Enabled: false,
			Addr:    "0.0.0.0:2112",
		},
		Reasoner: ReasonerConfig{
			Workers:              DefaultWorkers,
			MaxConcurrentQueries: DefaultConcurrentQueries,
			QueryTimeout:         DefaultQueryTimeout,
		},
	}
}
