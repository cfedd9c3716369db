// Package answer models the partial answers that flow between resolvers and their
// translation between variable scopes.
package answer

import (
	"errors"
	"fmt"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
)

var (
	ErrNoParent     = errors.New("partial answer has no parent to aggregate into")
	ErrNotTopLevel  = errors.New("only identity partial answers can become top level answers")
	ErrInconsistent = errors.New("partial answer is inconsistent with its parent")
)

// Kind tells how a partial answer was derived from its parent, and therefore how it
// aggregates back.
type Kind int

const (
	// KindIdentity lives in the scope of a root resolver and has no parent.
	KindIdentity Kind = iota + 1
	// KindMapped crossed into a resolver through a variable mapping.
	KindMapped
	// KindFiltered crossed into a negation, keeping only the shared variables.
	KindFiltered
	// KindUnified crossed from a concludable into a rule conclusion through a unifier.
	KindUnified
)

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindMapped:
		return "mapped"
	case KindFiltered:
		return "filtered"
	case KindUnified:
		return "unified"
	default:
		return "unknown"
	}
}

// Unifier translates bindings between a concludable and a rule conclusion.
type Unifier interface {
	Unify(concept.ConceptMap) (concept.ConceptMap, bool)
	Unfold(concept.ConceptMap) (concept.ConceptMap, bool)
}

// Partial is an immutable partial answer. Every operation returns a new value.
type Partial struct {
	conceptMap concept.ConceptMap
	parent     *Partial
	kind       Kind
	mapping    *Mapping
	filter     []pattern.Variable
	unifier    Unifier

	// source is the answer this one was extended from, for provenance.
	source *Partial
}

// NewIdentity returns a root scope partial answer binding cm.
func NewIdentity(cm concept.ConceptMap) *Partial {
	return &Partial{conceptMap: cm.Clone(), kind: KindIdentity}
}

func (p *Partial) ConceptMap() concept.ConceptMap { return p.conceptMap }
func (p *Partial) Parent() *Partial               { return p.parent }
func (p *Partial) Kind() Kind                     { return p.kind }
func (p *Partial) Source() *Partial               { return p.source }

// MapToDownstream enters a resolver whose variables relate to the current scope through m.
func (p *Partial) MapToDownstream(m *Mapping) *Partial {
	return &Partial{conceptMap: m.Transform(p.conceptMap), parent: p, kind: KindMapped, mapping: m}
}

// FilterToDownstream enters a negation. Only the given variables are kept.
func (p *Partial) FilterToDownstream(vars []pattern.Variable) *Partial {
	return &Partial{conceptMap: p.conceptMap.Filter(vars...), parent: p, kind: KindFiltered, filter: vars}
}

// UnifyToDownstream enters a rule conclusion. It fails if the bound concepts cannot unify.
func (p *Partial) UnifyToDownstream(u Unifier) (*Partial, bool) {
	cm, ok := u.Unify(p.conceptMap)
	if !ok {
		return nil, false
	}
	return &Partial{conceptMap: cm, parent: p, kind: KindUnified, unifier: u}, true
}

// Extend returns a sibling answer binding cm in addition to the receiver's bindings. It fails
// if cm disagrees with an existing binding.
func (p *Partial) Extend(cm concept.ConceptMap) (*Partial, bool) {
	merged, ok := p.conceptMap.Merge(cm)
	if !ok {
		return nil, false
	}
	out := *p
	out.conceptMap = merged
	out.source = p
	return &out, true
}

// AggregateToUpstream translates the answer back into the scope of its parent and merges it
// with the parent's bindings.
func (p *Partial) AggregateToUpstream() (*Partial, error) {
	if p.parent == nil {
		return nil, ErrNoParent
	}

	var upstream concept.ConceptMap
	switch p.kind {
	case KindFiltered:
		// a negation that succeeded contributes nothing
		return p.parent, nil
	case KindMapped:
		upstream = p.mapping.Untransform(p.conceptMap)
	case KindUnified:
		unfolded, ok := p.unifier.Unfold(p.conceptMap)
		if !ok {
			return nil, ErrInconsistent
		}
		upstream = unfolded
	default:
		return nil, fmt.Errorf("cannot aggregate a %s partial answer", p.kind)
	}

	out, ok := p.parent.Extend(upstream)
	if !ok {
		return nil, ErrInconsistent
	}
	out.source = p
	return out, nil
}

// ToTop returns the externally visible bindings of a root scope answer.
func (p *Partial) ToTop() (*Top, error) {
	if p.kind != KindIdentity {
		return nil, ErrNotTopLevel
	}
	return &Top{ConceptMap: p.conceptMap.Retrievable(), Derivation: p}, nil
}

// Provenance returns the chain of answers this one was derived from, newest first.
func (p *Partial) Provenance() []*Partial {
	var out []*Partial
	for cur := p; cur != nil; cur = cur.source {
		out = append(out, cur)
	}
	return out
}

func (p *Partial) String() string {
	return fmt.Sprintf("%s%s", p.kind, p.conceptMap)
}

// Top is a final answer of a query.
type Top struct {
	ConceptMap concept.ConceptMap
	Derivation *Partial
}
