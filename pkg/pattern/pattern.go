// Package pattern describes the query language of the reasoner: variables, constraints and
// their conjunctive, disjunctive and negated compositions.
package pattern

import (
	"fmt"
	"sort"
	"strings"

	"github.com/typegraph/reasoner/pkg/concept"
)

// Variable identifies a concept inside a pattern.
type Variable = concept.Identifier

// Var returns a named (retrievable) variable.
func Var(name string) Variable {
	return Variable(name)
}

// AnonymousVar returns an anonymous variable. Anonymous variables are never returned to callers.
func AnonymousVar(name string) Variable {
	return concept.Anonymous(name)
}

// Constraint is one atomic condition of a pattern. The set of constraints is closed.
type Constraint interface {
	// Variables returns every variable referenced by the constraint, in declaration order.
	Variables() []Variable
	// Binds returns the variables the constraint can generate values for.
	Binds() []Variable
	// Consumes returns the variables that must be bound before the constraint can be evaluated.
	Consumes() []Variable
	String() string

	isConstraint()
}

// Isa constrains Var to be an instance of Type or of one of its subtypes.
type Isa struct {
	Var  Variable
	Type string
}

// Has constrains Owner to own Attribute. An empty Type matches any attribute type.
type Has struct {
	Owner     Variable
	Attribute Variable
	Type      string
}

// RolePlayer is one player of a relation constraint. An empty Role matches any role.
type RolePlayer struct {
	Role   string
	Player Variable
}

// Relation constrains Var to be a relation of Type played by Players.
type Relation struct {
	Var     Variable
	Type    string
	Players []RolePlayer
}

// IID constrains Var to be the concept with the given internal identity.
type IID struct {
	Var Variable
	IID string
}

// Comparator is the operator of a Value constraint.
type Comparator string

const (
	Eq       Comparator = "=="
	Neq      Comparator = "!="
	Lt       Comparator = "<"
	Lte      Comparator = "<="
	Gt       Comparator = ">"
	Gte      Comparator = ">="
	Contains Comparator = "contains"
)

// ParseComparator validates a textual comparator.
func ParseComparator(s string) (Comparator, error) {
	switch c := Comparator(s); c {
	case Eq, Neq, Lt, Lte, Gt, Gte, Contains:
		return c, nil
	default:
		return "", fmt.Errorf("unknown comparator '%s'", s)
	}
}

// Value compares the value of the attribute bound to Var with either a constant or the
// value of the attribute bound to Other.
type Value struct {
	Var      Variable
	Op       Comparator
	Constant any
	Other    Variable
}

// Predicate is a CEL boolean expression over the values of Vars. Attributes evaluate to
// their value, any other concept to its IID.
type Predicate struct {
	Expr string
	Vars []Variable
}

func (*Isa) isConstraint()       {}
func (*Has) isConstraint()       {}
func (*Relation) isConstraint()  {}
func (*IID) isConstraint()       {}
func (*Value) isConstraint()     {}
func (*Predicate) isConstraint() {}

func (c *Isa) Variables() []Variable { return []Variable{c.Var} }
func (c *Isa) Binds() []Variable     { return c.Variables() }
func (c *Isa) Consumes() []Variable  { return nil }
func (c *Isa) String() string        { return fmt.Sprintf("$%s isa %s", c.Var, c.Type) }

func (c *Has) Variables() []Variable { return []Variable{c.Owner, c.Attribute} }
func (c *Has) Binds() []Variable     { return c.Variables() }
func (c *Has) Consumes() []Variable  { return nil }
func (c *Has) String() string {
	if c.Type == "" {
		return fmt.Sprintf("$%s has $%s", c.Owner, c.Attribute)
	}
	return fmt.Sprintf("$%s has %s $%s", c.Owner, c.Type, c.Attribute)
}

func (c *Relation) Variables() []Variable {
	vars := []Variable{c.Var}
	for _, p := range c.Players {
		vars = append(vars, p.Player)
	}
	return dedup(vars)
}
func (c *Relation) Binds() []Variable    { return c.Variables() }
func (c *Relation) Consumes() []Variable { return nil }
func (c *Relation) String() string {
	players := make([]string, 0, len(c.Players))
	for _, p := range c.Players {
		if p.Role == "" {
			players = append(players, "$"+string(p.Player))
			continue
		}
		players = append(players, fmt.Sprintf("%s: $%s", p.Role, p.Player))
	}
	return fmt.Sprintf("$%s (%s) isa %s", c.Var, strings.Join(players, ", "), c.Type)
}

func (c *IID) Variables() []Variable { return []Variable{c.Var} }
func (c *IID) Binds() []Variable     { return c.Variables() }
func (c *IID) Consumes() []Variable  { return nil }
func (c *IID) String() string        { return fmt.Sprintf("$%s iid %s", c.Var, c.IID) }

func (c *Value) Variables() []Variable {
	if c.Other != "" {
		return []Variable{c.Var, c.Other}
	}
	return []Variable{c.Var}
}
func (c *Value) Binds() []Variable    { return nil }
func (c *Value) Consumes() []Variable { return c.Variables() }
func (c *Value) String() string {
	if c.Other != "" {
		return fmt.Sprintf("$%s %s $%s", c.Var, c.Op, c.Other)
	}
	return fmt.Sprintf("$%s %s %#v", c.Var, c.Op, c.Constant)
}

func (c *Predicate) Variables() []Variable { return dedup(c.Vars) }
func (c *Predicate) Binds() []Variable     { return nil }
func (c *Predicate) Consumes() []Variable  { return c.Variables() }
func (c *Predicate) String() string        { return fmt.Sprintf("check(%s)", c.Expr) }

// Negation excludes the answers matching Pattern.
type Negation struct {
	Pattern *Disjunction
}

func (n *Negation) String() string {
	return fmt.Sprintf("not { %s }", n.Pattern)
}

// Variables returns the variables referenced anywhere inside the negation, sorted.
func (n *Negation) Variables() []Variable {
	return n.Pattern.Variables()
}

// Conjunction is a set of constraints and negations that must all hold.
type Conjunction struct {
	Constraints []Constraint
	Negations   []*Negation
}

// NewConjunction builds a conjunction from constraints.
func NewConjunction(constraints ...Constraint) *Conjunction {
	return &Conjunction{Constraints: constraints}
}

// Not adds a negated conjunction and returns the receiver.
func (c *Conjunction) Not(negated ...*Conjunction) *Conjunction {
	c.Negations = append(c.Negations, &Negation{Pattern: NewDisjunction(negated...)})
	return c
}

// Variables returns the variables bound by the positive part of the conjunction, sorted.
// Variables only referenced inside negations are local to them and not included.
func (c *Conjunction) Variables() []Variable {
	var vars []Variable
	for _, con := range c.Constraints {
		vars = append(vars, con.Variables()...)
	}
	return sortedSet(vars)
}

// RetrievableVariables returns the named variables of the conjunction, sorted.
func (c *Conjunction) RetrievableVariables() []Variable {
	var vars []Variable
	for _, v := range c.Variables() {
		if v.Retrievable() {
			vars = append(vars, v)
		}
	}
	return vars
}

func (c *Conjunction) String() string {
	parts := make([]string, 0, len(c.Constraints)+len(c.Negations))
	for _, con := range c.Constraints {
		parts = append(parts, con.String())
	}
	for _, n := range c.Negations {
		parts = append(parts, n.String())
	}
	return strings.Join(parts, "; ")
}

// Disjunction holds alternative conjunctions.
type Disjunction struct {
	Conjunctions []*Conjunction
}

// NewDisjunction builds a disjunction of conjunctions.
func NewDisjunction(conjunctions ...*Conjunction) *Disjunction {
	return &Disjunction{Conjunctions: conjunctions}
}

// Variables returns the union of the variables of every branch, sorted.
func (d *Disjunction) Variables() []Variable {
	var vars []Variable
	for _, c := range d.Conjunctions {
		vars = append(vars, c.Variables()...)
	}
	return sortedSet(vars)
}

func (d *Disjunction) String() string {
	if len(d.Conjunctions) == 1 {
		return d.Conjunctions[0].String()
	}
	parts := make([]string, 0, len(d.Conjunctions))
	for _, c := range d.Conjunctions {
		parts = append(parts, "{ "+c.String()+" }")
	}
	return strings.Join(parts, " or ")
}

func dedup(vars []Variable) []Variable {
	seen := make(map[Variable]struct{}, len(vars))
	out := make([]Variable, 0, len(vars))
	for _, v := range vars {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func sortedSet(vars []Variable) []Variable {
	out := dedup(vars)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
