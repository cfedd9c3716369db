package logic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/pattern"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

// Unifier maps the variables of a concludable constraint onto the variables of a rule
// conclusion. A concludable variable may map to several conclusion variables, in which case
// an answer only unfolds if they are all bound to the same concept.
type Unifier struct {
	schema   *typesystem.TypeSystem
	mapping  map[pattern.Variable][]pattern.Variable
	required map[pattern.Variable]string
}

func newUnifier(schema *typesystem.TypeSystem) *Unifier {
	return &Unifier{
		schema:   schema,
		mapping:  map[pattern.Variable][]pattern.Variable{},
		required: map[pattern.Variable]string{},
	}
}

func (u *Unifier) add(from, to pattern.Variable) {
	for _, existing := range u.mapping[from] {
		if existing == to {
			return
		}
	}
	u.mapping[from] = append(u.mapping[from], to)
}

func (u *Unifier) clone() *Unifier {
	out := newUnifier(u.schema)
	for k, v := range u.mapping {
		out.mapping[k] = append([]pattern.Variable(nil), v...)
	}
	for k, v := range u.required {
		out.required[k] = v
	}
	return out
}

// Mapping returns the variable mapping of the unifier.
func (u *Unifier) Mapping() map[pattern.Variable][]pattern.Variable {
	return u.mapping
}

// Unify translates bindings of concludable variables into bindings of conclusion variables.
// It fails if two concludable variables send different concepts to the same conclusion
// variable, or if a bound concept cannot satisfy a type requirement.
func (u *Unifier) Unify(cm concept.ConceptMap) (concept.ConceptMap, bool) {
	out := concept.ConceptMap{}
	for from, targets := range u.mapping {
		t, ok := cm[from]
		if !ok {
			continue
		}
		if !u.satisfies(from, t) {
			return nil, false
		}
		for _, to := range targets {
			if existing, ok := out[to]; ok && existing.IID != t.IID {
				return nil, false
			}
			out[to] = t
		}
	}
	return out, true
}

// Unfold translates a conclusion answer back into bindings of the concludable variables.
func (u *Unifier) Unfold(cm concept.ConceptMap) (concept.ConceptMap, bool) {
	out := concept.ConceptMap{}
	for from, targets := range u.mapping {
		var bound *concept.Thing
		for _, to := range targets {
			t, ok := cm[to]
			if !ok {
				return nil, false
			}
			if bound != nil && bound.IID != t.IID {
				return nil, false
			}
			bound = t
		}
		if !u.satisfies(from, bound) {
			return nil, false
		}
		out[from] = bound
	}
	return out, true
}

func (u *Unifier) satisfies(v pattern.Variable, t *concept.Thing) bool {
	label, ok := u.required[v]
	if !ok {
		return true
	}
	return u.schema.IsSubtype(t.Type, label)
}

func (u *Unifier) key() string {
	from := make([]string, 0, len(u.mapping))
	for k := range u.mapping {
		from = append(from, string(k))
	}
	sort.Strings(from)
	var sb strings.Builder
	for _, k := range from {
		fmt.Fprintf(&sb, "%s->%v;", k, u.mapping[pattern.Variable(k)])
	}
	return sb.String()
}

func (u *Unifier) String() string {
	return u.key()
}

// unify returns every way the concludable constraint c can be unified with the conclusion.
func unify(schema *typesystem.TypeSystem, c pattern.Constraint, conclusion Conclusion) []*Unifier {
	switch x := c.(type) {
	case *pattern.Isa:
		return unifyIsa(schema, x, conclusion)
	case *pattern.Has:
		concl, ok := conclusion.(*HasConclusion)
		if !ok || !compatible(schema, concl.Type, x.Type) {
			return nil
		}
		u := newUnifier(schema)
		u.add(x.Owner, concl.Owner)
		u.add(x.Attribute, concl.Attribute)
		if concl.Type == "" && x.Type != "" {
			u.required[x.Attribute] = x.Type
		}
		return []*Unifier{u}
	case *pattern.Relation:
		concl, ok := conclusion.(*RelationConclusion)
		if !ok || !schema.IsSubtype(concl.Type, x.Type) || len(x.Players) > len(concl.Players) {
			return nil
		}
		u := newUnifier(schema)
		u.add(x.Var, concl.Var)
		var out []*Unifier
		seen := map[string]struct{}{}
		unifyPlayers(schema, x, concl, 0, make([]bool, len(concl.Players)), u, func(found *Unifier) {
			if _, ok := seen[found.key()]; ok {
				return
			}
			seen[found.key()] = struct{}{}
			out = append(out, found)
		})
		return out
	default:
		return nil
	}
}

func unifyIsa(schema *typesystem.TypeSystem, isa *pattern.Isa, conclusion Conclusion) []*Unifier {
	u := newUnifier(schema)
	switch concl := conclusion.(type) {
	case *RelationConclusion:
		if !schema.IsSubtype(concl.Type, isa.Type) {
			return nil
		}
		u.add(isa.Var, concl.Var)
	case *HasConclusion:
		if !compatible(schema, concl.Type, isa.Type) {
			return nil
		}
		if concl.Type == "" {
			if _, err := schema.GetOfKind(isa.Type, typesystem.KindAttribute); err != nil {
				return nil
			}
			u.required[isa.Var] = isa.Type
		}
		u.add(isa.Var, concl.Attribute)
	default:
		return nil
	}
	return []*Unifier{u}
}

// unifyPlayers assigns every player of the concludable to a distinct conclusion player with
// a matching role, reporting one unifier per complete assignment.
func unifyPlayers(
	schema *typesystem.TypeSystem,
	rel *pattern.Relation,
	concl *RelationConclusion,
	i int,
	used []bool,
	u *Unifier,
	found func(*Unifier),
) {
	if i == len(rel.Players) {
		found(u.clone())
		return
	}
	player := rel.Players[i]
	for j, candidate := range concl.Players {
		if used[j] || !rolesMatch(schema, rel.Type, player.Role, concl.Type, candidate.Role) {
			continue
		}
		used[j] = true
		next := u.clone()
		next.add(player.Player, candidate.Player)
		unifyPlayers(schema, rel, concl, i+1, used, next, found)
		used[j] = false
	}
}

func rolesMatch(schema *typesystem.TypeSystem, relation, role, conclRelation, conclRole string) bool {
	if role == "" {
		return true
	}
	want, err := schema.RoleType(relation, role)
	if err != nil {
		return false
	}
	got, err := schema.RoleType(conclRelation, conclRole)
	if err != nil {
		return false
	}
	return want.Label == got.Label
}

// compatible reports whether a concluded attribute type can satisfy the requested one. An
// empty concluded type is decided per answer.
func compatible(schema *typesystem.TypeSystem, concluded, requested string) bool {
	if concluded == "" || requested == "" {
		return true
	}
	return schema.IsSubtype(concluded, requested)
}
