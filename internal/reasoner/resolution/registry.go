// Package resolution answers queries over rules with a network of resolvers. Each resolver is
// an actor; resolvers pull answers from each other one at a time, so answers are produced
// lazily and a consumer that stops pulling stops all work on its behalf.
package resolution

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/typegraph/reasoner/internal/actor"
	interrors "github.com/typegraph/reasoner/internal/errors"
	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/internal/planner"
	"github.com/typegraph/reasoner/internal/reasoner/answer"
	"github.com/typegraph/reasoner/internal/traversal"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/logger"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/storage"
)

// Config holds the collaborators of a Registry.
type Config struct {
	// Workers is the number of event loops running resolvers.
	Workers   int
	Logic     *logic.Manager
	Store     logic.Store
	Traversal *traversal.Engine
	Planner   *planner.Planner
	Recorder  Recorder
	Logger    logger.Logger
}

// Registry creates the resolvers of a session and shares them between queries: alpha
// equivalent concludables are served by a single resolver, and rule conditions and
// conclusions by one resolver per rule.
type Registry struct {
	ctx       context.Context
	group     *actor.EventLoopGroup
	logic     *logic.Manager
	store     logic.Store
	traversal *traversal.Engine
	planner   *planner.Planner
	recorder  Recorder
	logger    logger.Logger

	mu           sync.Mutex
	concludables map[uint64][]*registeredConcludable
	conditions   map[string]driver
	conclusions  map[string]driver
	roots        []driver
	iterators    map[storage.Iterator[concept.ConceptMap]]struct{}
	ids          atomic.Int64

	derivations atomic.Int64
	terminated  atomic.Bool
	closeOnce   sync.Once
}

type registeredConcludable struct {
	concludable *logic.Concludable
	driver      driver
}

// NewRegistry starts the event loops of a registry. ctx bounds every store access made
// during resolution.
func NewRegistry(ctx context.Context, cfg Config) *Registry {
	r := &Registry{
		ctx:          ctx,
		group:        actor.NewEventLoopGroup(cfg.Workers),
		logic:        cfg.Logic,
		store:        cfg.Store,
		traversal:    cfg.Traversal,
		planner:      cfg.Planner,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger,
		concludables: map[uint64][]*registeredConcludable{},
		conditions:   map[string]driver{},
		conclusions:  map[string]driver{},
		iterators:    map[storage.Iterator[concept.ConceptMap]]struct{}{},
	}
	if r.traversal == nil {
		r.traversal = traversal.NewEngine(cfg.Store)
	}
	if r.planner == nil {
		r.planner = planner.New()
	}
	if r.recorder == nil {
		r.recorder = NewNoopRecorder()
	}
	if r.logger == nil {
		r.logger = logger.NewNoopLogger()
	}
	return r
}

func (r *Registry) create(kind, label string, construct func(base) resolver) driver {
	name := fmt.Sprintf("%s(%s)#%d", kind, label, r.ids.Add(1))
	resolversCreatedCounter.WithLabelValues(kind).Inc()
	r.logger.Debug("resolver created", zap.String("resolver", name))
	return actor.Create(r.group, name, func(self driver) resolver {
		return construct(base{name: name, self: self, registry: r})
	}, r.onException)
}

func (r *Registry) onException(err error) {
	r.Terminate(interrors.With(err, ErrIllegalState))
}

// RootConjunction creates a root resolver answering conj.
func (r *Registry) RootConjunction(conj *pattern.Conjunction, callbacks RootCallbacks, opts ...RootOption) (*Root, error) {
	if r.isTerminated() {
		return nil, ErrTerminated
	}
	downstream := &MappedResolver{driver: r.nestedConjunction(conj), mapping: answer.Identity(conj.Variables()...)}
	return r.root("Root", conj.String(), downstream, callbacks, opts), nil
}

// RootDisjunction creates a root resolver answering disj.
func (r *Registry) RootDisjunction(disj *pattern.Disjunction, callbacks RootCallbacks, opts ...RootOption) (*Root, error) {
	if r.isTerminated() {
		return nil, ErrTerminated
	}
	downstream := &MappedResolver{driver: r.nestedDisjunction(disj), mapping: answer.Identity(disj.Variables()...)}
	return r.root("Root", disj.String(), downstream, callbacks, opts), nil
}

func (r *Registry) root(kind, label string, downstream *MappedResolver, callbacks RootCallbacks, opts []RootOption) *Root {
	d := r.create(kind, label, func(b base) resolver {
		return newRootResolver(b, downstream, callbacks, opts...)
	})
	r.mu.Lock()
	r.roots = append(r.roots, d)
	r.mu.Unlock()
	return &Root{driver: d}
}

// RegisterResolvable returns the resolver for res, reusing the resolver of an alpha
// equivalent concludable when one exists.
func (r *Registry) RegisterResolvable(res logic.Resolvable) (*MappedResolver, error) {
	switch res := res.(type) {
	case *logic.Concludable:
		return r.registerConcludable(res)
	case *logic.Retrievable:
		d := r.create("Retrievable", res.String(), func(b base) resolver {
			return newRetrievableResolver(b, res)
		})
		return &MappedResolver{driver: d, mapping: answer.Identity(res.Variables()...)}, nil
	case *logic.Negated:
		d := r.create("Negation", res.String(), func(b base) resolver {
			return newNegationResolver(b, res)
		})
		shared := append([]pattern.Variable{}, res.Shared...)
		return &MappedResolver{driver: d, mapping: answer.Identity(shared...), filter: shared}, nil
	default:
		panic(fmt.Errorf("%w: unknown resolvable %T", ErrIllegalState, res))
	}
}

func (r *Registry) registerConcludable(c *logic.Concludable) (*MappedResolver, error) {
	hash := pattern.AlphaHash(c.Constraint)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.concludables[hash] {
		renaming, ok := pattern.AlphaEquals(c.Constraint, existing.concludable.Constraint)
		if !ok {
			continue
		}
		mapping, err := answer.NewMapping(renaming)
		if err != nil {
			return nil, interrors.With(err, ErrIllegalState)
		}
		concludableReuseCounter.Inc()
		return &MappedResolver{driver: existing.driver, mapping: mapping}, nil
	}

	d := r.create("Concludable", c.String(), func(b base) resolver {
		return newConcludableResolver(b, c)
	})
	r.concludables[hash] = append(r.concludables[hash], &registeredConcludable{concludable: c, driver: d})
	return &MappedResolver{driver: d, mapping: answer.Identity(c.Variables()...)}, nil
}

func (r *Registry) nestedConjunction(conj *pattern.Conjunction) driver {
	return r.create("Conjunction", conj.String(), func(b base) resolver {
		return newConjunctionResolver(b, conj)
	})
}

func (r *Registry) nestedDisjunction(disj *pattern.Disjunction) driver {
	return r.create("Disjunction", disj.String(), func(b base) resolver {
		return newDisjunctionResolver(b, disj)
	})
}

func (r *Registry) condition(rule *logic.Rule) driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.conditions[rule.Label]; ok {
		return d
	}
	d := r.create("Condition", rule.Label, func(b base) resolver {
		return newConjunctionResolver(b, rule.When)
	})
	r.conditions[rule.Label] = d
	return d
}

func (r *Registry) conclusion(rule *logic.Rule) driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.conclusions[rule.Label]; ok {
		return d
	}
	d := r.create("Conclusion", rule.Label, func(b base) resolver {
		return newConclusionResolver(b, rule)
	})
	r.conclusions[rule.Label] = d
	return d
}

func (r *Registry) iterator(constraints []pattern.Constraint, bounds concept.ConceptMap, opts ...traversal.IteratorOption) storage.Iterator[concept.ConceptMap] {
	it := r.traversal.Iterator(r.ctx, constraints, bounds, opts...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterators[it] = struct{}{}
	return it
}

func (r *Registry) release(it storage.Iterator[concept.ConceptMap]) {
	it.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.iterators, it)
}

// Derivations returns how many new answers recursive concludables have cached so far.
func (r *Registry) Derivations() int64 {
	return r.derivations.Load()
}

func (r *Registry) recordDerivation() {
	r.derivations.Add(1)
	derivationsCounter.Inc()
}

func (r *Registry) isTerminated() bool {
	return r.terminated.Load()
}

// Terminate stops all resolution and reports err to every root. Only the first call has
// an effect.
func (r *Registry) Terminate(err error) {
	if !r.terminated.CompareAndSwap(false, true) {
		return
	}
	r.logger.Error("resolution terminated", zap.Error(err))

	r.mu.Lock()
	roots := slices.Clone(r.roots)
	r.mu.Unlock()
	for _, d := range roots {
		d.Tell(func(res resolver) { res.terminate(err) })
	}
}

// Close stops the event loops and releases every open store iterator. Roots that did not
// finish are not notified.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.group.Close()

		r.mu.Lock()
		defer r.mu.Unlock()
		for it := range r.iterators {
			it.Stop()
		}
		r.iterators = map[storage.Iterator[concept.ConceptMap]]struct{}{}
	})
}
