package logic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

var tracer = otel.Tracer("reasoner/internal/logic")

// Store is the part of the datastore needed to materialise conclusions.
type Store interface {
	storage.GraphReader
	storage.GraphWriter
}

// Manager owns the rules of a reasoner and answers which of them apply to a constraint.
type Manager struct {
	schema *typesystem.TypeSystem
	rules  []*Rule
	byName map[string]*Rule

	// serialises materialisation so concurrent conclusions never create the same fact twice
	mu sync.Mutex
}

// NewManager validates the rules against the schema and against each other.
func NewManager(schema *typesystem.TypeSystem, rules ...*Rule) (*Manager, error) {
	m := &Manager{schema: schema, byName: make(map[string]*Rule, len(rules))}
	for _, r := range rules {
		if _, ok := m.byName[r.Label]; ok {
			return nil, &InvalidRuleError{Label: r.Label, Cause: ErrDuplicateRule}
		}
		if err := m.validateRule(r); err != nil {
			return nil, &InvalidRuleError{Label: r.Label, Cause: err}
		}
		m.byName[r.Label] = r
		m.rules = append(m.rules, r)
	}
	if err := m.validateStratification(); err != nil {
		return nil, err
	}
	return m, nil
}

// Schema returns the schema rules are validated against.
func (m *Manager) Schema() *typesystem.TypeSystem {
	return m.schema
}

// Rules returns the rules in declaration order.
func (m *Manager) Rules() []*Rule {
	return m.rules
}

// Rule returns the rule with the given label.
func (m *Manager) Rule(label string) (*Rule, bool) {
	r, ok := m.byName[label]
	return r, ok
}

func (m *Manager) validateRule(r *Rule) error {
	if r.Label == "" {
		return errors.New("a rule needs a label")
	}
	if r.When == nil || len(r.When.Constraints) == 0 {
		return errors.New("a rule needs a condition")
	}
	bound := map[pattern.Variable]struct{}{}
	for _, c := range r.When.Constraints {
		for _, v := range c.Binds() {
			bound[v] = struct{}{}
		}
	}
	for _, v := range r.Then.Required() {
		if _, ok := bound[v]; !ok {
			return fmt.Errorf("%w: $%s", ErrUnboundConclusion, v)
		}
	}
	for _, v := range r.Then.Generated() {
		if _, ok := bound[v]; ok {
			return fmt.Errorf("%w: $%s", ErrConclusionVarInWhen, v)
		}
	}

	switch concl := r.Then.(type) {
	case *RelationConclusion:
		typ, err := m.schema.GetOfKind(concl.Type, typesystem.KindRelation)
		if err != nil {
			return err
		}
		if typ.Abstract {
			return fmt.Errorf("cannot conclude abstract type '%s'", concl.Type)
		}
		if len(concl.Players) == 0 {
			return errors.New("a relation conclusion needs at least one player")
		}
		for _, p := range concl.Players {
			if p.Role == "" {
				return fmt.Errorf("the role of $%s must be given", p.Player)
			}
			if _, err := m.schema.RoleType(concl.Type, p.Role); err != nil {
				return err
			}
		}
	case *HasConclusion:
		if concl.Type != "" {
			typ, err := m.schema.GetOfKind(concl.Type, typesystem.KindAttribute)
			if err != nil {
				return err
			}
			if typ.Abstract {
				return fmt.Errorf("cannot conclude abstract type '%s'", concl.Type)
			}
		}
		if concl.IsConstant() {
			if concl.Type == "" {
				return errors.New("a constant attribute needs a type")
			}
			if _, _, _, err := storage.ValidateAttribute(m.schema, concl.Type, concl.Value); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown conclusion %T", r.Then)
	}
	return nil
}

type negativeEdge struct {
	from, to int64
}

// validateStratification rejects rule sets where a rule depends negatively on a rule it
// is recursive with, since such rules have no well-defined fixpoint.
func (m *Manager) validateStratification() error {
	g := simple.NewDirectedGraph()
	for i := range m.rules {
		g.AddNode(simple.Node(i))
	}
	ids := make(map[string]int64, len(m.rules))
	for i, r := range m.rules {
		ids[r.Label] = int64(i)
	}

	var negative []negativeEdge
	link := func(from int64, c pattern.Constraint, negated bool) {
		for _, dep := range m.ApplicableRules(c) {
			to := ids[dep.Label]
			if negated {
				negative = append(negative, negativeEdge{from: from, to: to})
			}
			if from != to && !g.HasEdgeFromTo(from, to) {
				g.SetEdge(g.NewEdge(simple.Node(from), simple.Node(to)))
			}
		}
	}
	for i, r := range m.rules {
		from := int64(i)
		for _, c := range r.When.Constraints {
			link(from, c, false)
		}
		walkNegations(r.When.Negations, func(c pattern.Constraint) {
			link(from, c, true)
		})
	}

	component := map[int64]int{}
	for idx, scc := range topo.TarjanSCC(g) {
		for _, n := range scc {
			component[n.ID()] = idx
		}
	}
	for _, e := range negative {
		if e.from == e.to || component[e.from] == component[e.to] {
			return &InvalidRuleError{
				Label: m.rules[e.from].Label,
				Cause: fmt.Errorf("%w: depends negatively on rule '%s'", ErrRecursiveNegation, m.rules[e.to].Label),
			}
		}
	}
	return nil
}

func walkNegations(negations []*pattern.Negation, visit func(pattern.Constraint)) {
	for _, n := range negations {
		for _, conj := range n.Pattern.Conjunctions {
			for _, c := range conj.Constraints {
				visit(c)
			}
			walkNegations(conj.Negations, visit)
		}
	}
}

// ApplicableRules returns the rules, in declaration order, whose conclusion unifies with c.
func (m *Manager) ApplicableRules(c pattern.Constraint) []*Rule {
	var out []*Rule
	for _, r := range m.rules {
		if len(unify(m.schema, c, r.Then)) > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Resolvables splits the conjunction into concludables (one per concludable constraint),
// retrievables (connected groups of the remaining constraints) and one negated per negation.
func (m *Manager) Resolvables(conj *pattern.Conjunction) []Resolvable {
	var out []Resolvable
	var retrievable []pattern.Constraint
	for _, c := range conj.Constraints {
		rules := m.ApplicableRules(c)
		if len(rules) == 0 {
			retrievable = append(retrievable, c)
			continue
		}
		concludable := &Concludable{Constraint: c, Rules: rules, unifiers: map[string][]*Unifier{}}
		for _, r := range rules {
			concludable.unifiers[r.Label] = unify(m.schema, c, r.Then)
		}
		out = append(out, concludable)
	}
	for _, group := range components(retrievable) {
		out = append(out, &Retrievable{Constraints: group})
	}

	outer := map[pattern.Variable]struct{}{}
	for _, v := range conj.Variables() {
		outer[v] = struct{}{}
	}
	for _, n := range conj.Negations {
		var shared []pattern.Variable
		for _, v := range n.Variables() {
			if _, ok := outer[v]; ok && v.Retrievable() {
				shared = append(shared, v)
			}
		}
		out = append(out, &Negated{Negation: n, Shared: shared})
	}
	return out
}

// Materialise writes the conclusion of rule for the condition answer cm into store and
// returns the bindings of the conclusion variables. Facts that already exist are reused.
func (m *Manager) Materialise(ctx context.Context, store Store, rule *Rule, cm concept.ConceptMap) (concept.ConceptMap, error) {
	ctx, span := tracer.Start(ctx, "logic.Materialise", trace.WithAttributes(
		attribute.String("rule", rule.Label),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range rule.Then.Required() {
		if !cm.Contains(v) {
			return nil, fmt.Errorf("rule '%s': %w: $%s", rule.Label, ErrUnboundConclusion, v)
		}
	}

	switch concl := rule.Then.(type) {
	case *RelationConclusion:
		return m.materialiseRelation(ctx, store, concl, cm)
	case *HasConclusion:
		return m.materialiseHas(ctx, store, concl, cm)
	default:
		return nil, fmt.Errorf("unknown conclusion %T", rule.Then)
	}
}

func (m *Manager) materialiseRelation(ctx context.Context, store Store, concl *RelationConclusion, cm concept.ConceptMap) (concept.ConceptMap, error) {
	out := concept.ConceptMap{}
	required := map[string]struct{}{}
	for _, p := range concl.Players {
		role, err := m.schema.RoleType(concl.Type, p.Role)
		if err != nil {
			return nil, err
		}
		required[role.Label+"\x00"+cm[p.Player].IID] = struct{}{}
		out[p.Player] = cm[p.Player]
	}

	existing, err := m.findRelation(ctx, store, concl.Type, cm[concl.Players[0].Player].IID, required)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		out[concl.Var] = existing
		return out, nil
	}

	keys := make([]string, 0, len(required))
	for k := range required {
		keys = append(keys, k)
	}
	rel, err := store.PutThing(ctx, concl.Type, storage.InferredRelationIID(concl.Type, keys), true)
	if err != nil {
		return nil, err
	}
	for _, p := range concl.Players {
		if err := store.PutRolePlayer(ctx, rel.IID, p.Role, cm[p.Player].IID, true); err != nil {
			return nil, err
		}
	}
	out[concl.Var] = rel
	return out, nil
}

// findRelation returns a relation of exactly the given type whose role players are exactly
// the required set, or nil.
func (m *Manager) findRelation(ctx context.Context, store Store, label, playerIID string, required map[string]struct{}) (*concept.Thing, error) {
	it, err := store.Relations(ctx, playerIID)
	if err != nil {
		return nil, err
	}
	edges, err := storage.Collect(ctx, it)
	if err != nil {
		return nil, err
	}

	checked := map[string]struct{}{}
	for _, e := range edges {
		if e.Relation.Type != label {
			continue
		}
		if _, ok := checked[e.Relation.IID]; ok {
			continue
		}
		checked[e.Relation.IID] = struct{}{}

		it, err := store.RolePlayers(ctx, e.Relation.IID)
		if err != nil {
			return nil, err
		}
		players, err := storage.Collect(ctx, it)
		if err != nil {
			return nil, err
		}
		actual := make(map[string]struct{}, len(players))
		for _, p := range players {
			actual[p.Role+"\x00"+p.Player.IID] = struct{}{}
		}
		if sameKeys(actual, required) {
			return e.Relation, nil
		}
	}
	return nil, nil
}

func (m *Manager) materialiseHas(ctx context.Context, store Store, concl *HasConclusion, cm concept.ConceptMap) (concept.ConceptMap, error) {
	owner := cm[concl.Owner]

	var attr *concept.Thing
	var err error
	switch {
	case concl.IsConstant():
		attr, err = store.PutAttribute(ctx, concl.Type, concl.Value, true)
	case concl.Type != "" && cm[concl.Attribute].Type != concl.Type:
		// the condition found the value under another attribute type
		attr, err = store.PutAttribute(ctx, concl.Type, cm[concl.Attribute].Value, true)
	default:
		attr = cm[concl.Attribute]
	}
	if err != nil {
		return nil, err
	}
	if err := store.PutHas(ctx, owner.IID, attr.IID, true); err != nil {
		return nil, err
	}
	return concept.ConceptMap{concl.Owner: owner, concl.Attribute: attr}, nil
}

func sameKeys(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
