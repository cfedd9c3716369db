package answer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
)

var ErrNotBijective = errors.New("mapping is not bijective")

// Mapping is a bijective renaming of variables from an upstream scope into the scope of a
// downstream resolver.
type Mapping struct {
	forward  map[pattern.Variable]pattern.Variable
	backward map[pattern.Variable]pattern.Variable
}

// NewMapping returns the mapping described by forward (upstream -> downstream).
func NewMapping(forward map[pattern.Variable]pattern.Variable) (*Mapping, error) {
	m := &Mapping{
		forward:  make(map[pattern.Variable]pattern.Variable, len(forward)),
		backward: make(map[pattern.Variable]pattern.Variable, len(forward)),
	}
	for from, to := range forward {
		if existing, ok := m.backward[to]; ok {
			return nil, fmt.Errorf("%w: $%s and $%s both map to $%s", ErrNotBijective, existing, from, to)
		}
		m.forward[from] = to
		m.backward[to] = from
	}
	return m, nil
}

// Identity returns the mapping of every variable onto itself.
func Identity(vars ...pattern.Variable) *Mapping {
	forward := make(map[pattern.Variable]pattern.Variable, len(vars))
	for _, v := range vars {
		forward[v] = v
	}
	m, _ := NewMapping(forward)
	return m
}

// Transform renames the upstream bindings into the downstream scope. Variables outside the
// mapping are dropped.
func (m *Mapping) Transform(cm concept.ConceptMap) concept.ConceptMap {
	out := make(concept.ConceptMap, len(m.forward))
	for from, to := range m.forward {
		if t, ok := cm[from]; ok {
			out[to] = t
		}
	}
	return out
}

// Untransform renames downstream bindings back into the upstream scope.
func (m *Mapping) Untransform(cm concept.ConceptMap) concept.ConceptMap {
	out := make(concept.ConceptMap, len(m.backward))
	for to, from := range m.backward {
		if t, ok := cm[to]; ok {
			out[from] = t
		}
	}
	return out
}

// Inverse returns the mapping in the other direction.
func (m *Mapping) Inverse() *Mapping {
	return &Mapping{forward: m.backward, backward: m.forward}
}

// Get returns the downstream variable of an upstream one.
func (m *Mapping) Get(v pattern.Variable) (pattern.Variable, bool) {
	to, ok := m.forward[v]
	return to, ok
}

// Len returns the number of mapped variables.
func (m *Mapping) Len() int {
	return len(m.forward)
}

func (m *Mapping) String() string {
	pairs := make([]string, 0, len(m.forward))
	for from, to := range m.forward {
		pairs = append(pairs, fmt.Sprintf("$%s->$%s", from, to))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ", ") + "}"
}
