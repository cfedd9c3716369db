package query

import (
	"github.com/spf13/cobra"

	"github.com/typegraph/reasoner/cmd/util"
	"github.com/typegraph/reasoner/internal/config"
)

// bindQueryFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindQueryFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.Flags()

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine facts are read from and inferred facts written to (memory or sqlite)")
	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "REASONER_DATASTORE_ENGINE")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri of the datastore, required by the sqlite engine")
	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "REASONER_DATASTORE_URI")

	flags.Duration("datastore-connect-timeout", defaultConfig.Datastore.ConnectTimeout, "the time to wait for the datastore to become ready")
	util.MustBindPFlag("datastore.connectTimeout", flags.Lookup("datastore-connect-timeout"))
	util.MustBindEnv("datastore.connectTimeout", "REASONER_DATASTORE_CONNECT_TIMEOUT", "REASONER_DATASTORE_CONNECTTIMEOUT")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable sql metrics")
	util.MustBindPFlag("datastore.metrics.enabled", flags.Lookup("datastore-metrics-enabled"))
	util.MustBindEnv("datastore.metrics.enabled", "REASONER_DATASTORE_METRICS_ENABLED")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "REASONER_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "REASONER_LOG_LEVEL")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "REASONER_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "REASONER_TRACE_OTLP_ENDPOINT")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "REASONER_TRACE_SAMPLE_RATIO", "REASONER_TRACE_SAMPLERATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "REASONER_TRACE_SERVICE_NAME", "REASONER_TRACE_SERVICENAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics while queries run")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "REASONER_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "REASONER_METRICS_ADDR")

	flags.Int("workers", defaultConfig.Reasoner.Workers, "the number of event loops resolvers run on")
	util.MustBindPFlag("reasoner.workers", flags.Lookup("workers"))
	util.MustBindEnv("reasoner.workers", "REASONER_WORKERS")

	flags.Int("max-concurrent-queries", defaultConfig.Reasoner.MaxConcurrentQueries, "the number of queries answered at the same time")
	util.MustBindPFlag("reasoner.maxConcurrentQueries", flags.Lookup("max-concurrent-queries"))
	util.MustBindEnv("reasoner.maxConcurrentQueries", "REASONER_MAX_CONCURRENT_QUERIES", "REASONER_MAXCONCURRENTQUERIES")

	flags.Duration("query-timeout", defaultConfig.Reasoner.QueryTimeout, "the time after which a query is abandoned")
	util.MustBindPFlag("reasoner.queryTimeout", flags.Lookup("query-timeout"))
	util.MustBindEnv("reasoner.queryTimeout", "REASONER_QUERY_TIMEOUT", "REASONER_QUERYTIMEOUT")
}
