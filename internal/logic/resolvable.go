package logic

import (
	"fmt"
	"strings"

	"github.com/typegraph/reasoner/pkg/pattern"
)

// Resolvable is one unit of a conjunction that a resolver can answer on its own. The set of
// resolvables is closed: *Retrievable, *Concludable and *Negated.
type Resolvable interface {
	// Binds returns the variables the resolvable produces concepts for.
	Binds() []pattern.Variable
	// Consumes returns the variables that must be bound by earlier resolvables.
	Consumes() []pattern.Variable
	String() string

	isResolvable()
}

// Retrievable is a connected group of constraints that no rule can conclude. It is answered
// from stored data only.
type Retrievable struct {
	Constraints []pattern.Constraint
}

// Concludable is a single constraint that rules can conclude. It is answered from stored
// data and from the conclusions of its applicable rules.
type Concludable struct {
	Constraint pattern.Constraint
	Rules      []*Rule
	unifiers   map[string][]*Unifier
}

// Negated is a negation of a conjunction. Shared holds the variables it shares with the
// enclosing conjunction.
type Negated struct {
	Negation *pattern.Negation
	Shared   []pattern.Variable
}

func (*Retrievable) isResolvable() {}
func (*Concludable) isResolvable() {}
func (*Negated) isResolvable()     {}

func (r *Retrievable) Binds() []pattern.Variable {
	var vars []pattern.Variable
	for _, c := range r.Constraints {
		vars = appendNew(vars, c.Binds()...)
	}
	return vars
}

func (r *Retrievable) Consumes() []pattern.Variable {
	binds := map[pattern.Variable]struct{}{}
	for _, v := range r.Binds() {
		binds[v] = struct{}{}
	}
	var vars []pattern.Variable
	for _, c := range r.Constraints {
		for _, v := range c.Consumes() {
			if _, ok := binds[v]; !ok {
				vars = appendNew(vars, v)
			}
		}
	}
	return vars
}

// Variables returns every variable of the retrievable.
func (r *Retrievable) Variables() []pattern.Variable {
	var vars []pattern.Variable
	for _, c := range r.Constraints {
		vars = appendNew(vars, c.Variables()...)
	}
	return vars
}

func (r *Retrievable) String() string {
	parts := make([]string, 0, len(r.Constraints))
	for _, c := range r.Constraints {
		parts = append(parts, c.String())
	}
	return "retrievable{" + strings.Join(parts, "; ") + "}"
}

func (c *Concludable) Binds() []pattern.Variable    { return c.Constraint.Binds() }
func (c *Concludable) Consumes() []pattern.Variable { return nil }

// Variables returns every variable of the concludable constraint.
func (c *Concludable) Variables() []pattern.Variable {
	return c.Constraint.Variables()
}

// Unifiers returns the ways the concludable unifies with the conclusion of rule.
func (c *Concludable) Unifiers(rule *Rule) []*Unifier {
	return c.unifiers[rule.Label]
}

func (c *Concludable) String() string {
	return fmt.Sprintf("concludable{%s}", c.Constraint)
}

func (n *Negated) Binds() []pattern.Variable    { return nil }
func (n *Negated) Consumes() []pattern.Variable { return n.Shared }

func (n *Negated) String() string {
	return fmt.Sprintf("negated{%s}", n.Negation.Pattern)
}

func appendNew(vars []pattern.Variable, add ...pattern.Variable) []pattern.Variable {
	for _, v := range add {
		found := false
		for _, existing := range vars {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			vars = append(vars, v)
		}
	}
	return vars
}

// components groups constraints that share variables, keeping declaration order inside
// and across groups.
func components(constraints []pattern.Constraint) [][]pattern.Constraint {
	parent := make([]int, len(constraints))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	owner := map[pattern.Variable]int{}
	for i, c := range constraints {
		for _, v := range c.Variables() {
			if j, ok := owner[v]; ok {
				a, b := find(i), find(j)
				if a < b {
					a, b = b, a
				}
				parent[a] = b
				continue
			}
			owner[v] = i
		}
	}

	index := map[int]int{}
	var out [][]pattern.Constraint
	for i, c := range constraints {
		root := find(i)
		idx, ok := index[root]
		if !ok {
			idx = len(out)
			index[root] = idx
			out = append(out, nil)
		}
		out[idx] = append(out[idx], c)
	}
	return out
}
