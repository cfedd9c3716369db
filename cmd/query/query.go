// Package query contains the command that answers the queries of a set of documents.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/concurrency"
	"github.com/typegraph/reasoner/internal/config"
	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/reasoner"
	"github.com/typegraph/reasoner/internal/reasoner/resolution"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/document"
	"github.com/typegraph/reasoner/pkg/logger"
	"github.com/typegraph/reasoner/pkg/storage/memory"
	"github.com/typegraph/reasoner/pkg/storage/sqlite"
	"github.com/typegraph/reasoner/pkg/telemetry"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

const (
	fileFlag        = "file"
	queryFlag       = "query"
	offsetFlag      = "offset"
	limitFlag       = "limit"
	outputFlag      = "output"
	loadFlag        = "load"
	derivationsFlag = "derivations"

	outputText = "text"
	outputJSON = "json"
)

func NewQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Answer the queries of the given documents",
		Long: `Answer the queries held by the given documents, inferring facts from their rules on demand.

The documents are merged in order. Their data is written to the datastore before the
queries run, unless --load=false is given, in which case the datastore must already hold it.`,
		RunE: runQuery,
		Args: cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.StringSlice(fileFlag, nil, "(required) the documents holding schema, data, rules and queries")
	flags.StringSlice(queryFlag, nil, "the names of the queries to answer, all of them when empty")
	flags.Int(offsetFlag, -1, "overrides the offset of every query when not negative")
	flags.Int(limitFlag, -1, "overrides the limit of every query when not negative, 0 means unlimited")
	flags.String(outputFlag, outputText, "the output format (text or json)")
	flags.Bool(loadFlag, true, "write the data of the documents to the datastore before answering")
	flags.Bool(derivationsFlag, false, "report how every answer was derived on stderr")
	_ = cmd.MarkFlagRequired(fileFlag)

	bindQueryFlags(cmd)

	return cmd
}

// ReadConfig returns the reasoner configuration based on the values provided in the 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/reasoner', '$HOME/.reasoner', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// options holds the flags that only make sense for one invocation.
type options struct {
	files       []string
	queries     []string
	offset      int
	limit       int
	output      string
	load        bool
	derivations bool
}

func readOptions(cmd *cobra.Command) (*options, error) {
	flags := cmd.Flags()
	opts := &options{}
	var err error
	if opts.files, err = flags.GetStringSlice(fileFlag); err != nil {
		return nil, err
	}
	if opts.queries, err = flags.GetStringSlice(queryFlag); err != nil {
		return nil, err
	}
	if opts.offset, err = flags.GetInt(offsetFlag); err != nil {
		return nil, err
	}
	if opts.limit, err = flags.GetInt(limitFlag); err != nil {
		return nil, err
	}
	if opts.output, err = flags.GetString(outputFlag); err != nil {
		return nil, err
	}
	if opts.load, err = flags.GetBool(loadFlag); err != nil {
		return nil, err
	}
	if opts.derivations, err = flags.GetBool(derivationsFlag); err != nil {
		return nil, err
	}

	if len(opts.files) == 0 {
		return nil, errors.New("missing documents to query")
	}
	if opts.output != outputText && opts.output != outputJSON {
		return nil, fmt.Errorf("unknown output format: %s", opts.output)
	}
	return opts, nil
}

func runQuery(cmd *cobra.Command, _ []string) error {
	cfg, err := ReadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return err
	}
	opts, err := readOptions(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	closeTracing := telemetryConfig(cfg, log)
	defer func() {
		if err := closeTracing(); err != nil {
			log.Error("failed to shut down tracing", zap.Error(err))
		}
	}()

	stopMetrics := metricsServer(cfg, log)
	defer stopMetrics()

	doc, err := document.ReadFiles(opts.files...)
	if err != nil {
		return err
	}
	queries, err := selectQueries(doc, opts.queries)
	if err != nil {
		return err
	}
	schema, err := doc.TypeSystem()
	if err != nil {
		return err
	}

	store, closeStore, err := datastoreConfig(cfg, schema, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.load {
		if err := doc.Load(ctx, store); err != nil {
			return fmt.Errorf("failed to load data: %w", err)
		}
		log.Info("data loaded", zap.Int("things", len(doc.Data)))
	}

	rules, err := doc.LogicRules()
	if err != nil {
		return err
	}
	reasonerOpts := []reasoner.ReasonerOption{
		reasoner.WithWorkers(cfg.Reasoner.Workers),
		reasoner.WithLogger(log),
	}
	var derivations *logger.Capture
	if opts.derivations {
		var recorderLog *logger.ZapLogger
		recorderLog, derivations = logger.Tee(log, "debug")
		reasonerOpts = append(reasonerOpts, reasoner.WithRecorder(resolution.NewLoggingRecorder(recorderLog)))
	}
	r, err := reasoner.New(store, rules, reasonerOpts...)
	if err != nil {
		return err
	}

	results, err := answerQueries(ctx, r, store, queries, cfg.Reasoner, opts)
	if err != nil {
		return err
	}

	if derivations != nil {
		if err := writeDerivations(cmd.ErrOrStderr(), derivations); err != nil {
			return err
		}
	}
	if opts.output == outputJSON {
		return writeJSON(cmd.OutOrStdout(), results)
	}
	return writeText(cmd.OutOrStdout(), results)
}

// telemetryConfig returns the function that must be called to shut down tracing.
func telemetryConfig(cfg *config.Config, log logger.Logger) func() error {
	if !cfg.Trace.Enabled {
		otel.SetTracerProvider(telemetry.Noop())
		return func() error { return nil }
	}

	log.Info(fmt.Sprintf("tracing enabled: sampling ratio is %v and sending traces to '%s'", cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint))
	tp := telemetry.MustNewTracerProvider(
		telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
		telemetry.WithServiceName(cfg.Trace.ServiceName),
		telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
	)
	return func() error {
		// flushing the batch span processor can take up to 5 seconds
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		return tp.Close(ctx)
	}
}

// metricsServer serves prometheus metrics while the command runs. The returned function
// shuts the server down.
func metricsServer(cfg *config.Config, log logger.Logger) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info(fmt.Sprintf("starting prometheus metrics server on '%s'", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start prometheus metrics server", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("failed to shut down metrics server", zap.Error(err))
		}
	}
}

func datastoreConfig(cfg *config.Config, schema *typesystem.TypeSystem, log logger.Logger) (logic.Store, func(), error) {
	switch cfg.Datastore.Engine {
	case "memory":
		return memory.New(schema), func() {}, nil
	case "sqlite":
		ds, err := sqlite.New(cfg.Datastore.URI, schema, &sqlite.Config{
			Logger:         log,
			ExportMetrics:  cfg.Datastore.Metrics.Enabled,
			ConnectTimeout: cfg.Datastore.ConnectTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialize sqlite datastore: %w", err)
		}
		return ds, ds.Close, nil
	default:
		return nil, nil, fmt.Errorf("storage engine '%s' is unsupported", cfg.Datastore.Engine)
	}
}

func selectQueries(doc *document.Document, names []string) ([]*document.QueryDefinition, error) {
	if len(names) == 0 {
		out := make([]*document.QueryDefinition, 0, len(doc.Queries))
		for i := range doc.Queries {
			out = append(out, &doc.Queries[i])
		}
		return out, nil
	}
	out := make([]*document.QueryDefinition, 0, len(names))
	for _, name := range names {
		q, ok := doc.Query(name)
		if !ok {
			return nil, fmt.Errorf("unknown query '%s'", name)
		}
		out = append(out, q)
	}
	return out, nil
}

type result struct {
	name    string
	answers []concept.ConceptMap
}

// answerQueries answers every query on its own session. Results are returned in the order
// of queries regardless of the order in which they complete.
func answerQueries(
	ctx context.Context,
	r *reasoner.Reasoner,
	store logic.Store,
	queries []*document.QueryDefinition,
	cfg config.ReasonerConfig,
	opts *options,
) ([]*result, error) {
	results, err := concurrency.Gather(ctx, cfg.MaxConcurrentQueries, queries, func(ctx context.Context, q *document.QueryDefinition) (*result, error) {
		answers, err := answerQuery(ctx, r, store, q, cfg.QueryTimeout, opts)
		if err != nil {
			return nil, fmt.Errorf("query '%s': %w", q.Name, err)
		}
		return &result{name: q.Name, answers: answers}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func answerQuery(
	ctx context.Context,
	r *reasoner.Reasoner,
	store logic.Store,
	q *document.QueryDefinition,
	timeout time.Duration,
	opts *options,
) ([]concept.ConceptMap, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	disj, err := q.Disjunction()
	if err != nil {
		return nil, err
	}
	bounds, err := q.ResolveBounds(ctx, store)
	if err != nil {
		return nil, err
	}

	queryOpts := reasoner.QueryOptions{Offset: q.Offset, Limit: q.Limit, Bounds: bounds}
	if opts.offset >= 0 {
		queryOpts.Offset = opts.offset
	}
	if opts.limit >= 0 {
		queryOpts.Limit = opts.limit
	}
	return r.Answers(ctx, disj, queryOpts)
}

func writeText(w io.Writer, results []*result) error {
	for _, res := range results {
		if _, err := fmt.Fprintf(w, "# %s (%d answers)\n", res.name, len(res.answers)); err != nil {
			return err
		}
		for _, cm := range res.answers {
			if _, err := fmt.Fprintln(w, cm); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeDerivations lists how every answer was derived, one answer per line.
func writeDerivations(w io.Writer, captured *logger.Capture) error {
	entries := captured.Messages(resolution.AnswerDerivedMessage)
	if _, err := fmt.Fprintf(w, "# derivations (%d)\n", len(entries)); err != nil {
		return err
	}
	for _, entry := range entries {
		fields := entry.ContextMap()
		steps, _ := fields["derivation"].([]any)
		parts := make([]string, 0, len(steps))
		for _, step := range steps {
			parts = append(parts, fmt.Sprint(step))
		}
		if _, err := fmt.Fprintf(w, "%v <- %s\n", fields["answer"], strings.Join(parts, " <- ")); err != nil {
			return err
		}
	}
	return nil
}

type jsonThing struct {
	IID      string `json:"iid"`
	Type     string `json:"type"`
	Value    any    `json:"value,omitempty"`
	Inferred bool   `json:"inferred,omitempty"`
}

type jsonResult struct {
	Query   string                 `json:"query"`
	Answers []map[string]jsonThing `json:"answers"`
}

func writeJSON(w io.Writer, results []*result) error {
	out := make([]jsonResult, 0, len(results))
	for _, res := range results {
		jr := jsonResult{Query: res.name, Answers: make([]map[string]jsonThing, 0, len(res.answers))}
		for _, cm := range res.answers {
			a := make(map[string]jsonThing, len(cm))
			for id, t := range cm {
				a[string(id)] = jsonThing{IID: t.IID, Type: t.Type, Value: t.Value, Inferred: t.Inferred}
			}
			jr.Answers = append(jr.Answers, a)
		}
		out = append(out, jr)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
