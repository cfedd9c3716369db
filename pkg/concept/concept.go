// Package concept holds the concrete graph elements the reasoner binds variables to.
package concept

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// Identifier names a variable inside a pattern scope. Identifiers starting with an
// underscore are anonymous: they are used internally (for example the implicit
// variable of a relation) and are never exposed to callers.
type Identifier string

const anonymousPrefix = "_"

// Retrievable reports whether the identifier is visible to callers.
func (i Identifier) Retrievable() bool {
	return !strings.HasPrefix(string(i), anonymousPrefix)
}

// Anonymous returns the anonymous form of the given name.
func Anonymous(name string) Identifier {
	return Identifier(anonymousPrefix + name)
}

// Kind is the kind of a thing, mirroring the kind of its type.
type Kind int

const (
	KindEntity Kind = iota + 1
	KindRelation
	KindAttribute
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindRelation:
		return "relation"
	case KindAttribute:
		return "attribute"
	default:
		return "unknown"
	}
}

// Thing is a concrete element of the graph: an entity, relation or attribute instance.
type Thing struct {
	IID  string
	Type string
	Kind Kind

	// Value is set on attributes only and holds the normalized value (see Normalize).
	Value     any
	ValueType ValueType

	// Inferred is true when the thing was written by a rule conclusion rather than by a user.
	Inferred bool
}

func (t *Thing) String() string {
	if t == nil {
		return "<nil>"
	}
	if t.Kind == KindAttribute {
		return fmt.Sprintf("%s(%s=%v)", t.IID, t.Type, t.Value)
	}
	return fmt.Sprintf("%s(%s)", t.IID, t.Type)
}

// IsAttribute reports whether the thing is an attribute instance.
func (t *Thing) IsAttribute() bool {
	return t.Kind == KindAttribute
}

// ConceptMap is a set of variable bindings.
type ConceptMap map[Identifier]*Thing

// Clone returns a shallow copy. Things are immutable, so sharing them is safe.
func (c ConceptMap) Clone() ConceptMap {
	if c == nil {
		return ConceptMap{}
	}
	return maps.Clone(c)
}

// Contains reports whether id is bound.
func (c ConceptMap) Contains(id Identifier) bool {
	_, ok := c[id]
	return ok
}

// Filter returns the bindings whose identifier is in ids.
func (c ConceptMap) Filter(ids ...Identifier) ConceptMap {
	out := make(ConceptMap, len(ids))
	for _, id := range ids {
		if t, ok := c[id]; ok {
			out[id] = t
		}
	}
	return out
}

// Retrievable returns only the bindings of retrievable identifiers.
func (c ConceptMap) Retrievable() ConceptMap {
	out := make(ConceptMap, len(c))
	for id, t := range c {
		if id.Retrievable() {
			out[id] = t
		}
	}
	return out
}

// Merge returns the union of c and other. The boolean result is false if the two maps
// bind the same identifier to different things.
func (c ConceptMap) Merge(other ConceptMap) (ConceptMap, bool) {
	out := c.Clone()
	for id, t := range other {
		if existing, ok := out[id]; ok {
			if existing.IID != t.IID {
				return nil, false
			}
			continue
		}
		out[id] = t
	}
	return out, true
}

// Consistent reports whether c and other agree on every identifier they both bind.
func (c ConceptMap) Consistent(other ConceptMap) bool {
	for id, t := range other {
		if existing, ok := c[id]; ok && existing.IID != t.IID {
			return false
		}
	}
	return true
}

// Identifiers returns the bound identifiers in sorted order.
func (c ConceptMap) Identifiers() []Identifier {
	ids := maps.Keys(c)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Key returns a canonical string for the bindings, suitable as a deduplication key.
func (c ConceptMap) Key() string {
	var sb strings.Builder
	for i, id := range c.Identifiers() {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(string(id))
		sb.WriteByte('=')
		sb.WriteString(c[id].IID)
	}
	return sb.String()
}

func (c ConceptMap) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, id := range c.Identifiers() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%s: %s", id, c[id])
	}
	sb.WriteByte('}')
	return sb.String()
}
