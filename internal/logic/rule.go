// Package logic holds rules and everything needed to apply them: splitting a conjunction
// into resolvables, unifying concludables with rule conclusions and writing inferred facts.
package logic

import (
	"fmt"

	"github.com/typegraph/reasoner/pkg/pattern"
)

// Rule infers its conclusion for every answer of its condition.
type Rule struct {
	Label string
	When  *pattern.Conjunction
	Then  Conclusion
}

func (r *Rule) String() string {
	return fmt.Sprintf("rule %s: when { %s } then { %s }", r.Label, r.When, r.Then)
}

// Conclusion is the inferred part of a rule. The set of conclusions is closed.
type Conclusion interface {
	// ConcludedType returns the type of the inferred concept. It is empty when the type is
	// taken from the condition answer.
	ConcludedType() string
	// Variables returns every variable of the conclusion.
	Variables() []pattern.Variable
	// Required returns the variables that the condition must bind.
	Required() []pattern.Variable
	// Generated returns the variables whose concept is created by materialisation.
	Generated() []pattern.Variable
	String() string

	isConclusion()
}

// RelationConclusion infers a relation of Type between the players. Var names the
// inferred relation and must not be used by the condition.
type RelationConclusion struct {
	Var     pattern.Variable
	Type    string
	Players []pattern.RolePlayer
}

// HasConclusion infers an ownership. The owned attribute is either the one bound to
// Attribute by the condition, or, when Value is set, the attribute of Type holding Value.
// In the latter case Attribute names the attribute and must not be used by the condition.
type HasConclusion struct {
	Owner     pattern.Variable
	Attribute pattern.Variable
	Type      string
	Value     any
}

func (*RelationConclusion) isConclusion() {}
func (*HasConclusion) isConclusion()      {}

func (c *RelationConclusion) ConcludedType() string { return c.Type }

func (c *RelationConclusion) Variables() []pattern.Variable {
	return append(c.Generated(), c.Required()...)
}

func (c *RelationConclusion) Required() []pattern.Variable {
	vars := make([]pattern.Variable, 0, len(c.Players))
	seen := map[pattern.Variable]struct{}{}
	for _, p := range c.Players {
		if _, ok := seen[p.Player]; ok {
			continue
		}
		seen[p.Player] = struct{}{}
		vars = append(vars, p.Player)
	}
	return vars
}

func (c *RelationConclusion) Generated() []pattern.Variable {
	return []pattern.Variable{c.Var}
}

// Constraint returns the relation constraint this conclusion makes true.
func (c *RelationConclusion) Constraint() *pattern.Relation {
	return &pattern.Relation{Var: c.Var, Type: c.Type, Players: c.Players}
}

func (c *RelationConclusion) String() string {
	return c.Constraint().String()
}

func (c *HasConclusion) ConcludedType() string { return c.Type }

// IsConstant reports whether the owned attribute is given by a constant value.
func (c *HasConclusion) IsConstant() bool {
	return c.Value != nil
}

func (c *HasConclusion) Variables() []pattern.Variable {
	return []pattern.Variable{c.Owner, c.Attribute}
}

func (c *HasConclusion) Required() []pattern.Variable {
	if c.IsConstant() {
		return []pattern.Variable{c.Owner}
	}
	return []pattern.Variable{c.Owner, c.Attribute}
}

func (c *HasConclusion) Generated() []pattern.Variable {
	if c.IsConstant() {
		return []pattern.Variable{c.Attribute}
	}
	return nil
}

// Constraint returns the has constraint this conclusion makes true.
func (c *HasConclusion) Constraint() *pattern.Has {
	return &pattern.Has{Owner: c.Owner, Attribute: c.Attribute, Type: c.Type}
}

func (c *HasConclusion) String() string {
	if c.IsConstant() {
		return fmt.Sprintf("$%s has %s %#v", c.Owner, c.Type, c.Value)
	}
	return c.Constraint().String()
}
