package document

import (
	"fmt"
	"strings"

	"github.com/typegraph/reasoner/internal/logic"
	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
)

// variable accepts names with or without a leading '$'.
func variable(name string) (pattern.Variable, error) {
	name = strings.TrimPrefix(name, "$")
	if name == "" {
		return "", fmt.Errorf("%w: empty variable name", ErrInvalidDocument)
	}
	return pattern.Variable(name), nil
}

func variables(names []string) ([]pattern.Variable, error) {
	out := make([]pattern.Variable, 0, len(names))
	for _, n := range names {
		v, err := variable(n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// optionalVariable returns an anonymous variable named after fallback when name is empty.
func optionalVariable(name, fallback string) (pattern.Variable, error) {
	if name == "" {
		return pattern.AnonymousVar(fallback), nil
	}
	return variable(name)
}

// scope names the anonymous variables of one pattern, negations included, so that no two
// of them collide.
type scope struct {
	anonymous int
}

func (s *scope) next() string {
	s.anonymous++
	return fmt.Sprintf("rel%d", s.anonymous)
}

func (c *ConstraintDefinition) constraint(s *scope, idx int) (pattern.Constraint, error) {
	var out []pattern.Constraint
	if c.Isa != nil {
		v, err := variable(c.Isa.Var)
		if err != nil {
			return nil, err
		}
		out = append(out, &pattern.Isa{Var: v, Type: c.Isa.Type})
	}
	if c.Has != nil {
		if c.Has.Value != nil {
			return nil, fmt.Errorf("%w: has constraints cannot carry a value, use a value constraint", ErrInvalidDocument)
		}
		h, err := c.Has.constraint()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if c.Relation != nil {
		r, err := c.Relation.constraint(s.next())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if c.IID != nil {
		v, err := variable(c.IID.Var)
		if err != nil {
			return nil, err
		}
		out = append(out, &pattern.IID{Var: v, IID: c.IID.IID})
	}
	if c.Value != nil {
		val, err := c.Value.constraint()
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	if c.Predicate != nil {
		vars, err := variables(c.Predicate.Vars)
		if err != nil {
			return nil, err
		}
		out = append(out, &pattern.Predicate{Expr: c.Predicate.Expr, Vars: vars})
	}

	if len(out) != 1 {
		return nil, fmt.Errorf("%w: constraint %d must hold exactly one of isa, has, relation, iid, value or predicate", ErrInvalidDocument, idx)
	}
	return out[0], nil
}

func (h *HasDefinition) constraint() (*pattern.Has, error) {
	owner, err := variable(h.Owner)
	if err != nil {
		return nil, err
	}
	attr, err := variable(h.Attribute)
	if err != nil {
		return nil, err
	}
	return &pattern.Has{Owner: owner, Attribute: attr, Type: h.Type}, nil
}

func (r *RelationDefinition) constraint(fallback string) (*pattern.Relation, error) {
	v, err := optionalVariable(r.Var, fallback)
	if err != nil {
		return nil, err
	}
	players, err := r.players()
	if err != nil {
		return nil, err
	}
	return &pattern.Relation{Var: v, Type: r.Type, Players: players}, nil
}

func (r *RelationDefinition) players() ([]pattern.RolePlayer, error) {
	if len(r.Players) == 0 {
		return nil, fmt.Errorf("%w: relation '%s' needs players", ErrInvalidDocument, r.Type)
	}
	out := make([]pattern.RolePlayer, 0, len(r.Players))
	for _, p := range r.Players {
		v, err := variable(p.Player)
		if err != nil {
			return nil, err
		}
		out = append(out, pattern.RolePlayer{Role: p.Role, Player: v})
	}
	return out, nil
}

func (v *ValueDefinition) constraint() (*pattern.Value, error) {
	vr, err := variable(v.Var)
	if err != nil {
		return nil, err
	}
	op, err := pattern.ParseComparator(v.Op)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	out := &pattern.Value{Var: vr, Op: op}

	switch {
	case v.Other != "" && v.Constant != nil:
		return nil, fmt.Errorf("%w: value constraint on $%s has both a constant and another variable", ErrInvalidDocument, vr)
	case v.Other != "":
		out.Other, err = variable(v.Other)
		if err != nil {
			return nil, err
		}
	case v.Constant != nil:
		out.Constant = v.Constant
		if v.ValueType != "" {
			vt, err := concept.ParseValueType(v.ValueType)
			if err != nil {
				return nil, err
			}
			if out.Constant, err = concept.Normalize(vt, v.Constant); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: value constraint on $%s compares with nothing", ErrInvalidDocument, vr)
	}
	return out, nil
}

// Conjunction converts a pattern without alternatives.
func (p *PatternDefinition) Conjunction() (*pattern.Conjunction, error) {
	return p.conjunction(&scope{})
}

func (p *PatternDefinition) conjunction(s *scope) (*pattern.Conjunction, error) {
	if len(p.Or) > 0 {
		return nil, fmt.Errorf("%w: alternatives are only allowed at the top of a query or negation", ErrInvalidDocument)
	}
	conj := &pattern.Conjunction{}
	for i := range p.Match {
		c, err := p.Match[i].constraint(s, i)
		if err != nil {
			return nil, err
		}
		conj.Constraints = append(conj.Constraints, c)
	}
	for i := range p.Not {
		disj, err := p.Not[i].disjunction(s)
		if err != nil {
			return nil, err
		}
		conj.Negations = append(conj.Negations, &pattern.Negation{Pattern: disj})
	}
	if len(conj.Constraints) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidDocument)
	}
	return conj, nil
}

// Disjunction converts a pattern. A pattern without alternatives is a disjunction of one
// conjunction.
func (p *PatternDefinition) Disjunction() (*pattern.Disjunction, error) {
	return p.disjunction(&scope{})
}

func (p *PatternDefinition) disjunction(s *scope) (*pattern.Disjunction, error) {
	if len(p.Or) == 0 {
		conj, err := p.conjunction(s)
		if err != nil {
			return nil, err
		}
		return pattern.NewDisjunction(conj), nil
	}
	if len(p.Match) > 0 || len(p.Not) > 0 {
		return nil, fmt.Errorf("%w: a pattern holds either alternatives or constraints", ErrInvalidDocument)
	}
	disj := &pattern.Disjunction{}
	for i := range p.Or {
		conj, err := p.Or[i].conjunction(s)
		if err != nil {
			return nil, err
		}
		disj.Conjunctions = append(disj.Conjunctions, conj)
	}
	return disj, nil
}

func (c *ConclusionDefinition) conclusion() (logic.Conclusion, error) {
	switch {
	case c.Relation != nil && c.Has != nil:
		return nil, fmt.Errorf("%w: a conclusion holds either a relation or a has", ErrInvalidDocument)
	case c.Relation != nil:
		v, err := optionalVariable(c.Relation.Var, "inferred")
		if err != nil {
			return nil, err
		}
		players, err := c.Relation.players()
		if err != nil {
			return nil, err
		}
		return &logic.RelationConclusion{Var: v, Type: c.Relation.Type, Players: players}, nil
	case c.Has != nil:
		owner, err := variable(c.Has.Owner)
		if err != nil {
			return nil, err
		}
		attr, err := optionalVariable(c.Has.Attribute, "attribute")
		if err != nil {
			return nil, err
		}
		return &logic.HasConclusion{Owner: owner, Attribute: attr, Type: c.Has.Type, Value: c.Has.Value}, nil
	default:
		return nil, fmt.Errorf("%w: empty conclusion", ErrInvalidDocument)
	}
}

// LogicRules converts the rules of the document. They are validated when handed to a
// logic manager.
func (d *Document) LogicRules() ([]*logic.Rule, error) {
	rules := make([]*logic.Rule, 0, len(d.Rules))
	for _, r := range d.Rules {
		when, err := r.When.Conjunction()
		if err != nil {
			return nil, fmt.Errorf("rule '%s': %w", r.Label, err)
		}
		then, err := r.Then.conclusion()
		if err != nil {
			return nil, fmt.Errorf("rule '%s': %w", r.Label, err)
		}
		rules = append(rules, &logic.Rule{Label: r.Label, When: when, Then: then})
	}
	return rules, nil
}

// Query returns the query of the document with the given name.
func (d *Document) Query(name string) (*QueryDefinition, bool) {
	for i := range d.Queries {
		if d.Queries[i].Name == name {
			return &d.Queries[i], true
		}
	}
	return nil, false
}
