// Package reasoner answers pattern queries over a graph store, applying rules on demand.
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/concurrency"
	interrors "github.com/typegraph/reasoner/internal/errors"
	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/planner"
	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/internal/reasoner/resolution"
	"github.com/typegraph/reasoner/internal/traversal"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/logger"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/telemetry"
)

var tracer = otel.Tracer("reasoner/internal/reasoner")

var (
	ErrInvalidQuery  = errors.New("invalid query")
	ErrSessionClosed = errors.New("session closed")
)

const defaultWorkers = 4

// Reasoner holds what every query session shares: the store, the validated rules and the
// caches of the traversal engine and planner.
type Reasoner struct {
	store     logic.Store
	logic     *logic.Manager
	traversal *traversal.Engine
	planner   *planner.Planner

	workers  int
	logger   logger.Logger
	recorder resolution.Recorder
}

type ReasonerOption func(*Reasoner)

// WithWorkers sets the number of event loops of every session.
func WithWorkers(n int) ReasonerOption {
	return func(r *Reasoner) {
		r.workers = n
	}
}

func WithLogger(l logger.Logger) ReasonerOption {
	return func(r *Reasoner) {
		r.logger = l
	}
}

// WithRecorder receives the derivation of every answer.
func WithRecorder(rec resolution.Recorder) ReasonerOption {
	return func(r *Reasoner) {
		r.recorder = rec
	}
}

// New validates rules against the schema of store.
func New(store logic.Store, rules []*logic.Rule, opts ...ReasonerOption) (*Reasoner, error) {
	manager, err := logic.NewManager(store.Schema(), rules...)
	if err != nil {
		return nil, err
	}
	r := &Reasoner{
		store:     store,
		logic:     manager,
		traversal: traversal.NewEngine(store),
		planner:   planner.New(),
		workers:   defaultWorkers,
		logger:    logger.NewNoopLogger(),
		recorder:  resolution.NewNoopRecorder(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Rules returns the validated rules.
func (r *Reasoner) Rules() []*logic.Rule {
	return r.logic.Rules()
}

// Session groups queries that share resolvers. Facts derived for one query are reused by
// the next. A Session must be closed.
type Session struct {
	id       ulid.ULID
	reasoner *Reasoner
	registry *resolution.Registry
	logger   logger.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	queries []*AnswerIterator
	closed  bool
}

// NewSession starts a session. Store access during resolution is bound to ctx.
func (r *Reasoner) NewSession(ctx context.Context) *Session {
	id := ulid.Make()
	ctx, cancel := context.WithCancel(ctx)
	l := r.logger.With(zap.String("session", id.String()))
	return &Session{
		id:       id,
		reasoner: r,
		logger:   l,
		ctx:      ctx,
		cancel:   cancel,
		registry: resolution.NewRegistry(ctx, resolution.Config{
			Workers:   r.workers,
			Logic:     r.logic,
			Store:     r.store,
			Traversal: r.traversal,
			Planner:   r.planner,
			Recorder:  r.recorder,
			Logger:    l,
		}),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id.String()
}

// QueryOptions bound the answers of a query.
type QueryOptions struct {
	Offset int
	// Limit caps the number of answers. Zero or less means no limit.
	Limit int
	// Bounds are bindings known in advance.
	Bounds concept.ConceptMap
}

// Query starts answering disj. Answers are computed as the returned iterator is consumed.
func (s *Session) Query(ctx context.Context, disj *pattern.Disjunction, opts QueryOptions) (*AnswerIterator, error) {
	ctx, span := tracer.Start(ctx, "reasoner.Query", trace.WithAttributes(
		attribute.String("session", s.ID()),
		attribute.String("query", disj.String()),
		attribute.Int("offset", opts.Offset),
		attribute.Int("limit", opts.Limit),
	))
	defer span.End()

	if err := s.reasoner.Validate(disj); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	it := &AnswerIterator{
		answers: make(chan *answer.Top, 1),
		done:    make(chan struct{}),
	}
	rootOpts := []resolution.RootOption{resolution.WithOffset(opts.Offset)}
	if opts.Limit > 0 {
		rootOpts = append(rootOpts, resolution.WithLimit(opts.Limit))
	}
	if opts.Bounds != nil {
		rootOpts = append(rootOpts, resolution.WithBounds(opts.Bounds))
	}

	root, err := s.registry.RootDisjunction(disj, resolution.RootCallbacks{
		OnAnswer: func(top *answer.Top) {
			_ = concurrency.Send(s.ctx, it.answers, top)
		},
		OnFail: func() {
			it.finish(nil)
		},
		OnException: func(err error) {
			s.logger.Error("query failed", zap.String("query", disj.String()), zap.Error(err))
			it.finish(err)
		},
	}, rootOpts...)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	it.root = root
	s.queries = append(s.queries, it)

	s.logger.DebugWithContext(ctx, "query started", zap.String("query", disj.String()))
	return it, nil
}

// Validate rejects queries that could never be resolved: unknown types, and conjunctions
// with a variable that nothing can bind.
func (r *Reasoner) Validate(disj *pattern.Disjunction) error {
	if len(disj.Conjunctions) == 0 {
		return fmt.Errorf("%w: empty disjunction", ErrInvalidQuery)
	}
	schema := r.logic.Schema()

	var check func(conj *pattern.Conjunction) error
	check = func(conj *pattern.Conjunction) error {
		for _, c := range conj.Constraints {
			for _, label := range constraintTypes(c) {
				if _, err := schema.Get(label); err != nil {
					return interrors.With(err, ErrInvalidQuery)
				}
			}
		}
		if _, err := planner.Greedy(r.logic.Resolvables(conj), nil); err != nil {
			return interrors.With(err, ErrInvalidQuery)
		}
		for _, n := range conj.Negations {
			for _, inner := range n.Pattern.Conjunctions {
				if err := check(inner); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, conj := range disj.Conjunctions {
		if err := check(conj); err != nil {
			return err
		}
	}
	return nil
}

func constraintTypes(c pattern.Constraint) []string {
	var label string
	switch x := c.(type) {
	case *pattern.Isa:
		label = x.Type
	case *pattern.Has:
		label = x.Type
	case *pattern.Relation:
		label = x.Type
	}
	if label == "" {
		return nil
	}
	return []string{label}
}

// Answers runs disj to completion and returns every answer.
func (s *Session) Answers(ctx context.Context, disj *pattern.Disjunction, opts QueryOptions) ([]concept.ConceptMap, error) {
	it, err := s.Query(ctx, disj, opts)
	if err != nil {
		return nil, err
	}
	defer it.Stop()

	var out []concept.ConceptMap
	for {
		top, err := it.Next(ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, top.ConceptMap)
	}
}

// Answers answers disj in a session of its own.
func (r *Reasoner) Answers(ctx context.Context, disj *pattern.Disjunction, opts QueryOptions) ([]concept.ConceptMap, error) {
	s := r.NewSession(ctx)
	defer s.Close()
	return s.Answers(ctx, disj, opts)
}

// Close stops every query of the session and releases its resolvers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queries := s.queries
	s.queries = nil
	s.mu.Unlock()

	s.cancel()
	s.registry.Close()
	for _, it := range queries {
		it.finish(ErrSessionClosed)
	}
}

// AnswerIterator lazily returns the answers of a query. Every call to Next resumes
// resolution for exactly one more answer.
type AnswerIterator struct {
	root    *resolution.Root
	answers chan *answer.Top

	once sync.Once
	done chan struct{}
	err  error
}

var _ storage.Iterator[*answer.Top] = (*AnswerIterator)(nil)

func (it *AnswerIterator) finish(err error) {
	it.once.Do(func() {
		it.err = err
		close(it.done)
	})
}

// Next returns the next answer, or storage.ErrIteratorDone once there are no more.
func (it *AnswerIterator) Next(ctx context.Context) (*answer.Top, error) {
	select {
	case top := <-it.answers:
		return top, nil
	case <-it.done:
		return it.drain()
	default:
	}

	it.root.Pull()
	select {
	case top := <-it.answers:
		return top, nil
	case <-it.done:
		return it.drain()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain returns an answer that raced with the end of resolution before reporting the end.
func (it *AnswerIterator) drain() (*answer.Top, error) {
	select {
	case top := <-it.answers:
		return top, nil
	default:
	}
	if it.err != nil {
		return nil, it.err
	}
	return nil, storage.ErrIteratorDone
}

// Stop abandons the query. Resolution stops once the answer in flight, if any, arrives.
func (it *AnswerIterator) Stop() {
	it.finish(nil)
}
