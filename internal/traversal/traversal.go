// Package traversal enumerates the bindings of a group of constraints against stored data.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

var tracer = otel.Tracer("reasoner/internal/traversal")

var (
	ErrUnboundVariable  = errors.New("constraint consumes a variable that nothing binds")
	ErrInvalidPredicate = errors.New("invalid predicate")
)

// Engine answers retrievable constraints by backtracking over the graph. It is safe for
// concurrent use and caches compiled predicates.
type Engine struct {
	reader   storage.GraphReader
	programs sync.Map
}

// NewEngine returns an Engine reading from reader.
func NewEngine(reader storage.GraphReader) *Engine {
	return &Engine{reader: reader}
}

// IteratorOption configures a single iteration.
type IteratorOption func(*solver)

// WithoutInferred hides facts written by rule conclusions from the variables the
// iteration binds. Things already bound by the caller are still matched.
func WithoutInferred() IteratorOption {
	return func(s *solver) {
		s.storedOnly = true
	}
}

// Iterator lazily enumerates the distinct extensions of bounds that satisfy every
// constraint. Each answer contains bounds plus the variables of the constraints.
func (e *Engine) Iterator(ctx context.Context, constraints []pattern.Constraint, bounds concept.ConceptMap, opts ...IteratorOption) storage.Iterator[concept.ConceptMap] {
	return storage.NewSeqIterator(e.seq(ctx, constraints, bounds, opts))
}

func (e *Engine) seq(ctx context.Context, constraints []pattern.Constraint, bounds concept.ConceptMap, opts []IteratorOption) iter.Seq2[concept.ConceptMap, error] {
	return func(yield func(concept.ConceptMap, error) bool) {
		ctx, span := tracer.Start(ctx, "traversal.Iterator", trace.WithAttributes(
			attribute.Int("constraints", len(constraints)),
		))
		defer span.End()

		s := &solver{
			engine: e,
			schema: e.reader.Schema(),
			seen:   map[string]struct{}{},
			yield: func(cm concept.ConceptMap) bool {
				return yield(cm, nil)
			},
		}
		for _, opt := range opts {
			opt(s)
		}
		if _, err := s.solve(ctx, bounds.Clone(), constraints); err != nil {
			yield(nil, err)
		}
	}
}

type solver struct {
	engine *Engine
	schema *typesystem.TypeSystem
	seen   map[string]struct{}
	yield  func(concept.ConceptMap) bool

	storedOnly bool
}

// visible reports whether t may be bound to a free variable.
func (s *solver) visible(t *concept.Thing) bool {
	return !s.storedOnly || !t.Inferred
}

// solve binds the remaining constraints one at a time, most selective first. It returns
// false once the consumer stops pulling.
func (s *solver) solve(ctx context.Context, cm concept.ConceptMap, remaining []pattern.Constraint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(remaining) == 0 {
		key := cm.Key()
		if _, ok := s.seen[key]; ok {
			return true, nil
		}
		s.seen[key] = struct{}{}
		return s.yield(cm), nil
	}

	next, err := s.pick(cm, remaining)
	if err != nil {
		return false, err
	}
	c := remaining[next]
	rest := make([]pattern.Constraint, 0, len(remaining)-1)
	rest = append(rest, remaining[:next]...)
	rest = append(rest, remaining[next+1:]...)

	cont := true
	err = s.extend(ctx, c, cm, rest, func(ext concept.ConceptMap) (bool, error) {
		ok, err := s.solve(ctx, ext, rest)
		cont = ok
		return ok, err
	})
	return cont, err
}

const unselectable = -1

// pick returns the index of the cheapest constraint that can be evaluated with cm.
func (s *solver) pick(cm concept.ConceptMap, remaining []pattern.Constraint) (int, error) {
	best, bestCost := 0, unselectable
	for i, c := range remaining {
		cost := s.cost(c, cm, remaining)
		if cost == unselectable {
			continue
		}
		if bestCost == unselectable || cost < bestCost {
			best, bestCost = i, cost
		}
	}
	if bestCost == unselectable {
		return 0, fmt.Errorf("%w: %s", ErrUnboundVariable, remaining[0])
	}
	return best, nil
}

func (s *solver) cost(c pattern.Constraint, cm concept.ConceptMap, remaining []pattern.Constraint) int {
	bound := func(v pattern.Variable) bool { return cm.Contains(v) }
	allBound := true
	for _, v := range c.Variables() {
		if !bound(v) {
			allBound = false
			break
		}
	}
	if allBound {
		return 0
	}

	switch x := c.(type) {
	case *pattern.Value, *pattern.Predicate:
		return unselectable
	case *pattern.IID:
		return 1
	case *pattern.Has:
		if bound(x.Owner) || bound(x.Attribute) {
			return 2
		}
		return 4
	case *pattern.Relation:
		if bound(x.Var) {
			return 2
		}
		for _, p := range x.Players {
			if bound(p.Player) {
				return 2
			}
		}
		return 4
	case *pattern.Isa:
		if _, ok := equalityConstant(x.Var, remaining); ok {
			return 2
		}
		return 3
	}
	return unselectable
}

// equalityConstant finds a `$v == constant` constraint among remaining.
func equalityConstant(v pattern.Variable, remaining []pattern.Constraint) (any, bool) {
	for _, c := range remaining {
		if val, ok := c.(*pattern.Value); ok && val.Var == v && val.Op == pattern.Eq && val.Other == "" {
			return val.Constant, true
		}
	}
	return nil, false
}

type extendFunc func(concept.ConceptMap) (bool, error)

func (s *solver) extend(ctx context.Context, c pattern.Constraint, cm concept.ConceptMap, rest []pattern.Constraint, next extendFunc) error {
	switch x := c.(type) {
	case *pattern.Isa:
		return s.isa(ctx, x, cm, rest, next)
	case *pattern.IID:
		return s.iid(ctx, x, cm, next)
	case *pattern.Has:
		return s.has(ctx, x, cm, next)
	case *pattern.Relation:
		return s.relation(ctx, x, cm, next)
	case *pattern.Value:
		ok, err := evaluateValue(x, cm)
		if err != nil || !ok {
			return err
		}
		_, err = next(cm)
		return err
	case *pattern.Predicate:
		ok, err := s.engine.evaluatePredicate(x, cm)
		if err != nil || !ok {
			return err
		}
		_, err = next(cm)
		return err
	default:
		return fmt.Errorf("unsupported constraint %T", c)
	}
}

// bind extends cm with v -> t, or checks an existing binding.
func bind(cm concept.ConceptMap, v pattern.Variable, t *concept.Thing) (concept.ConceptMap, bool) {
	if existing, ok := cm[v]; ok {
		return cm, existing.IID == t.IID
	}
	out := cm.Clone()
	out[v] = t
	return out, true
}

func (s *solver) each(ctx context.Context, it storage.Iterator[*concept.Thing], err error, fn func(*concept.Thing) (bool, error)) error {
	if err != nil {
		return err
	}
	defer it.Stop()
	for {
		t, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				return nil
			}
			return err
		}
		ok, err := fn(t)
		if err != nil || !ok {
			return err
		}
	}
}

func (s *solver) isa(ctx context.Context, x *pattern.Isa, cm concept.ConceptMap, rest []pattern.Constraint, next extendFunc) error {
	if t, ok := cm[x.Var]; ok {
		if _, err := s.schema.Get(x.Type); err != nil {
			return err
		}
		if !s.schema.IsSubtype(t.Type, x.Type) {
			return nil
		}
		_, err := next(cm)
		return err
	}

	labels, err := s.schema.Subtypes(x.Type)
	if err != nil {
		return err
	}
	constant, byValue := equalityConstant(x.Var, rest)
	for _, label := range labels {
		var it storage.Iterator[*concept.Thing]
		typ, err := s.schema.Get(label)
		if err != nil {
			return err
		}
		if byValue && typ.Kind == typesystem.KindAttribute {
			it, err = s.engine.reader.AttributesByValue(ctx, label, constant)
		} else {
			it, err = s.engine.reader.ThingsOfType(ctx, label)
		}
		stop := false
		err = s.each(ctx, it, err, func(t *concept.Thing) (bool, error) {
			if !s.visible(t) {
				return true, nil
			}
			ext, _ := bind(cm, x.Var, t)
			ok, err := next(ext)
			stop = !ok
			return ok, err
		})
		if err != nil || stop {
			return err
		}
	}
	return nil
}

func (s *solver) iid(ctx context.Context, x *pattern.IID, cm concept.ConceptMap, next extendFunc) error {
	t, err := s.engine.reader.Get(ctx, x.IID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, bound := cm[x.Var]; !bound && !s.visible(t) {
		return nil
	}
	ext, ok := bind(cm, x.Var, t)
	if !ok {
		return nil
	}
	_, err = next(ext)
	return err
}

func (s *solver) attributeTypes(label string) ([]string, error) {
	if label == "" {
		return s.schema.Labels(typesystem.KindAttribute), nil
	}
	if _, err := s.schema.GetOfKind(label, typesystem.KindAttribute); err != nil {
		return nil, err
	}
	return s.schema.Subtypes(label)
}

func (s *solver) has(ctx context.Context, x *pattern.Has, cm concept.ConceptMap, next extendFunc) error {
	matches := func(attr *concept.Thing) bool {
		return attr.IsAttribute() && (x.Type == "" || s.schema.IsSubtype(attr.Type, x.Type))
	}
	labels, err := s.attributeTypes(x.Type)
	if err != nil {
		return err
	}

	if owner, ok := cm[x.Owner]; ok {
		it, err := s.engine.reader.Attributes(ctx, owner.IID)
		return s.each(ctx, it, err, func(attr *concept.Thing) (bool, error) {
			if !matches(attr) || !s.visible(attr) {
				return true, nil
			}
			ext, ok := bind(cm, x.Attribute, attr)
			if !ok {
				return true, nil
			}
			return next(ext)
		})
	}

	if attr, ok := cm[x.Attribute]; ok {
		if !matches(attr) {
			return nil
		}
		it, err := s.engine.reader.Owners(ctx, attr.IID)
		return s.each(ctx, it, err, func(owner *concept.Thing) (bool, error) {
			if !s.visible(owner) {
				return true, nil
			}
			ext, ok := bind(cm, x.Owner, owner)
			if !ok {
				return true, nil
			}
			return next(ext)
		})
	}

	for _, label := range labels {
		stop := false
		it, err := s.engine.reader.ThingsOfType(ctx, label)
		err = s.each(ctx, it, err, func(attr *concept.Thing) (bool, error) {
			if !s.visible(attr) {
				return true, nil
			}
			withAttr, _ := bind(cm, x.Attribute, attr)
			owners, err := s.engine.reader.Owners(ctx, attr.IID)
			err = s.each(ctx, owners, err, func(owner *concept.Thing) (bool, error) {
				if !s.visible(owner) {
					return true, nil
				}
				ext, ok := bind(withAttr, x.Owner, owner)
				if !ok {
					return true, nil
				}
				ok, err := next(ext)
				stop = !ok
				return ok, err
			})
			return !stop, err
		})
		if err != nil || stop {
			return err
		}
	}
	return nil
}

func (s *solver) relation(ctx context.Context, x *pattern.Relation, cm concept.ConceptMap, next extendFunc) error {
	if _, err := s.schema.GetOfKind(x.Type, typesystem.KindRelation); err != nil {
		return err
	}
	roles := make([]string, len(x.Players))
	for i, p := range x.Players {
		if p.Role == "" {
			continue
		}
		role, err := s.schema.RoleType(x.Type, p.Role)
		if err != nil {
			return err
		}
		roles[i] = role.Label
	}

	visit := func(rel *concept.Thing) (bool, error) {
		if !s.schema.IsSubtype(rel.Type, x.Type) {
			return true, nil
		}
		withRel, ok := bind(cm, x.Var, rel)
		if !ok {
			return true, nil
		}
		it, err := s.engine.reader.RolePlayers(ctx, rel.IID)
		if err != nil {
			return false, err
		}
		edges, err := storage.Collect(ctx, it)
		if err != nil {
			return false, err
		}
		edges = s.visibleEdges(cm, edges)
		return matchPlayers(x.Players, roles, edges, make([]bool, len(edges)), withRel, next)
	}

	if rel, ok := cm[x.Var]; ok {
		_, err := visit(rel)
		return err
	}

	for _, p := range x.Players {
		player, ok := cm[p.Player]
		if !ok {
			continue
		}
		visited := map[string]struct{}{}
		it, err := s.engine.reader.Relations(ctx, player.IID)
		if err != nil {
			return err
		}
		edges, err := storage.Collect(ctx, it)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if _, ok := visited[e.Relation.IID]; ok || !s.visible(e.Relation) {
				continue
			}
			visited[e.Relation.IID] = struct{}{}
			ok, err := visit(e.Relation)
			if err != nil || !ok {
				return err
			}
		}
		return nil
	}

	labels, err := s.schema.Subtypes(x.Type)
	if err != nil {
		return err
	}
	for _, label := range labels {
		stop := false
		it, err := s.engine.reader.ThingsOfType(ctx, label)
		err = s.each(ctx, it, err, func(rel *concept.Thing) (bool, error) {
			if !s.visible(rel) {
				return true, nil
			}
			ok, err := visit(rel)
			stop = !ok
			return ok, err
		})
		if err != nil || stop {
			return err
		}
	}
	return nil
}

// visibleEdges drops inferred role players unless they connect to a thing the caller bound.
func (s *solver) visibleEdges(bound concept.ConceptMap, edges []*storage.RoleEdge) []*storage.RoleEdge {
	if !s.storedOnly {
		return edges
	}
	given := make(map[string]struct{}, len(bound))
	for _, t := range bound {
		given[t.IID] = struct{}{}
	}
	out := edges[:0:0]
	for _, e := range edges {
		_, relGiven := given[e.Relation.IID]
		_, playerGiven := given[e.Player.IID]
		if relGiven || playerGiven || (!e.Inferred && s.visible(e.Player)) {
			out = append(out, e)
		}
	}
	return out
}

// matchPlayers assigns each constraint player to a distinct role player edge.
func matchPlayers(players []pattern.RolePlayer, roles []string, edges []*storage.RoleEdge, used []bool, cm concept.ConceptMap, next extendFunc) (bool, error) {
	if len(players) == 0 {
		return next(cm)
	}
	for i, e := range edges {
		if used[i] || (roles[0] != "" && roles[0] != e.Role) {
			continue
		}
		ext, ok := bind(cm, players[0].Player, e.Player)
		if !ok {
			continue
		}
		used[i] = true
		cont, err := matchPlayers(players[1:], roles[1:], edges, used, ext, next)
		used[i] = false
		if err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}

func evaluateValue(x *pattern.Value, cm concept.ConceptMap) (bool, error) {
	left := cm[x.Var]
	if !left.IsAttribute() {
		return false, nil
	}
	var right any
	if x.Other != "" {
		other := cm[x.Other]
		if !other.IsAttribute() {
			return false, nil
		}
		right = other.Value
	} else {
		normalized, err := concept.Normalize(left.ValueType, x.Constant)
		if err != nil {
			return x.Op == pattern.Neq, nil
		}
		right = normalized
	}

	if x.Op == pattern.Contains {
		l, lok := left.Value.(string)
		r, rok := right.(string)
		return lok && rok && strings.Contains(l, r), nil
	}

	cmp, ok := concept.Compare(left.Value, right)
	if !ok {
		return x.Op == pattern.Neq, nil
	}
	switch x.Op {
	case pattern.Eq:
		return cmp == 0, nil
	case pattern.Neq:
		return cmp != 0, nil
	case pattern.Lt:
		return cmp < 0, nil
	case pattern.Lte:
		return cmp <= 0, nil
	case pattern.Gt:
		return cmp > 0, nil
	case pattern.Gte:
		return cmp >= 0, nil
	default:
		return false, fmt.Errorf("unknown comparator '%s'", x.Op)
	}
}

func (e *Engine) evaluatePredicate(x *pattern.Predicate, cm concept.ConceptMap) (bool, error) {
	prg, err := e.program(x)
	if err != nil {
		return false, err
	}
	activation := make(map[string]any, len(x.Vars))
	for _, v := range x.Vars {
		t := cm[v]
		if t.IsAttribute() {
			activation[string(v)] = t.Value
			continue
		}
		activation[string(v)] = t.IID
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrInvalidPredicate, x.Expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s does not evaluate to a boolean", ErrInvalidPredicate, x.Expr)
	}
	return result, nil
}

func (e *Engine) program(x *pattern.Predicate) (cel.Program, error) {
	key := fmt.Sprintf("%s|%v", x.Expr, x.Vars)
	if cached, ok := e.programs.Load(key); ok {
		return cached.(cel.Program), nil
	}

	opts := make([]cel.EnvOption, 0, len(x.Vars))
	for _, v := range x.Vars {
		opts = append(opts, cel.Variable(string(v), cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPredicate, err)
	}
	ast, issues := env.Compile(x.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPredicate, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPredicate, err)
	}
	e.programs.Store(key, prg)
	return prg, nil
}
