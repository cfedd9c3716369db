package typesystem

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/typegraph/reasoner/pkg/concept"
)

// Kind is the root a type descends from.
type Kind int

const (
	KindEntity Kind = iota + 1
	KindRelation
	KindAttribute
	KindRole
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindRelation:
		return "relation"
	case KindAttribute:
		return "attribute"
	case KindRole:
		return "role"
	default:
		return "unknown"
	}
}

// ThingKind converts a thing type kind into the corresponding concept kind.
func (k Kind) ThingKind() concept.Kind {
	switch k {
	case KindEntity:
		return concept.KindEntity
	case KindRelation:
		return concept.KindRelation
	case KindAttribute:
		return concept.KindAttribute
	default:
		return 0
	}
}

const roleSeparator = ":"

// RoleLabel returns the scoped label of a role type, e.g. "friendship:friend".
func RoleLabel(relation, role string) string {
	if strings.Contains(role, roleSeparator) {
		return role
	}
	return relation + roleSeparator + role
}

// SplitRoleLabel splits a scoped role label into its relation and role name.
func SplitRoleLabel(label string) (string, string) {
	relation, role, ok := strings.Cut(label, roleSeparator)
	if !ok {
		return "", label
	}
	return relation, role
}

// Definition describes a type to be added to the schema.
type Definition struct {
	Label     string
	Kind      Kind
	Supertype string
	Abstract  bool

	// ValueType is required on root attribute types and inherited by their subtypes.
	ValueType concept.ValueType

	// Relates lists the role names of a relation type (unscoped).
	Relates []string
	// Plays lists the scoped role labels a type can play.
	Plays []string
	// Owns lists the attribute types a type can own.
	Owns []string
}

// Type is a resolved type of the schema.
type Type struct {
	Label     string
	Kind      Kind
	Supertype string
	Abstract  bool
	ValueType concept.ValueType

	relates map[string]struct{}
	plays   map[string]struct{}
	owns    map[string]struct{}
}

// TypeSystem is the schema of a graph. It is safe for concurrent use.
type TypeSystem struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// New builds a TypeSystem from the given definitions. Definitions may appear in any order.
func New(defs ...Definition) (*TypeSystem, error) {
	ts := &TypeSystem{types: map[string]*Type{}}
	for _, def := range defs {
		if err := ts.add(def); err != nil {
			return nil, err
		}
	}
	if err := ts.validate(); err != nil {
		return nil, err
	}
	return ts, nil
}

// MustNew is like New but panics on error.
func MustNew(defs ...Definition) *TypeSystem {
	ts, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return ts
}

func (t *TypeSystem) add(def Definition) error {
	if def.Label == "" || strings.Contains(def.Label, roleSeparator) {
		return &InvalidTypeError{Label: def.Label, Cause: ErrReservedLabel}
	}
	if def.Kind < KindEntity || def.Kind > KindAttribute {
		return &InvalidTypeError{Label: def.Label, Cause: fmt.Errorf("%w: kind %d", ErrInvalidSchema, def.Kind)}
	}
	if _, ok := t.types[def.Label]; ok {
		return fmt.Errorf("%w: '%s'", ErrDuplicateTypes, def.Label)
	}
	typ := &Type{
		Label:     def.Label,
		Kind:      def.Kind,
		Supertype: def.Supertype,
		Abstract:  def.Abstract,
		ValueType: def.ValueType,
		relates:   toSet(def.Relates),
		plays:     toSet(def.Plays),
		owns:      toSet(def.Owns),
	}
	t.types[def.Label] = typ

	for role := range typ.relates {
		label := RoleLabel(def.Label, role)
		if _, ok := t.types[label]; ok {
			return fmt.Errorf("%w: '%s'", ErrDuplicateTypes, label)
		}
		t.types[label] = &Type{Label: label, Kind: KindRole}
	}
	return nil
}

func (t *TypeSystem) validate() error {
	for _, typ := range t.types {
		if typ.Kind == KindRole {
			continue
		}
		seen := map[string]struct{}{typ.Label: {}}
		for super := typ.Supertype; super != ""; {
			st, ok := t.types[super]
			if !ok {
				return &InvalidTypeError{Label: typ.Label, Cause: &TypeNotFoundError{Label: super}}
			}
			if st.Kind != typ.Kind {
				return &InvalidTypeError{Label: typ.Label, Cause: &RootMismatchError{Label: super, Expected: typ.Kind, Actual: st.Kind}}
			}
			if _, ok := seen[super]; ok {
				return &InvalidTypeError{Label: typ.Label, Cause: fmt.Errorf("%w: cyclic supertype", ErrInvalidSchema)}
			}
			seen[super] = struct{}{}
			super = st.Supertype
		}

		if typ.Kind == KindAttribute && typ.ValueType == concept.ValueTypeUnspecified {
			vt := t.inheritedValueType(typ)
			if vt == concept.ValueTypeUnspecified {
				return &InvalidTypeError{Label: typ.Label, Cause: fmt.Errorf("%w: attribute type without value type", ErrInvalidSchema)}
			}
			typ.ValueType = vt
		}

		for role := range typ.plays {
			rt, ok := t.types[role]
			if !ok {
				return &InvalidTypeError{Label: typ.Label, Cause: fmt.Errorf("%w: '%s'", ErrUndefinedRoleType, role)}
			}
			if rt.Kind != KindRole {
				return &InvalidTypeError{Label: typ.Label, Cause: &RootMismatchError{Label: role, Expected: KindRole, Actual: rt.Kind}}
			}
		}
		for attr := range typ.owns {
			at, ok := t.types[attr]
			if !ok {
				return &InvalidTypeError{Label: typ.Label, Cause: &TypeNotFoundError{Label: attr}}
			}
			if at.Kind != KindAttribute {
				return &InvalidTypeError{Label: typ.Label, Cause: &RootMismatchError{Label: attr, Expected: KindAttribute, Actual: at.Kind}}
			}
		}
	}
	return nil
}

func (t *TypeSystem) inheritedValueType(typ *Type) concept.ValueType {
	for cur := typ; cur != nil; cur = t.types[cur.Supertype] {
		if cur.ValueType != concept.ValueTypeUnspecified {
			return cur.ValueType
		}
	}
	return concept.ValueTypeUnspecified
}

// Get returns the type with the given label.
func (t *TypeSystem) Get(label string) (*Type, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.get(label)
}

func (t *TypeSystem) get(label string) (*Type, error) {
	typ, ok := t.types[label]
	if !ok {
		return nil, &TypeNotFoundError{Label: label}
	}
	return typ, nil
}

// GetOfKind returns the type with the given label and fails with a RootMismatchError if
// the type does not descend from the expected kind.
func (t *TypeSystem) GetOfKind(label string, kind Kind) (*Type, error) {
	typ, err := t.Get(label)
	if err != nil {
		return nil, err
	}
	if typ.Kind != kind {
		return nil, &RootMismatchError{Label: label, Expected: kind, Actual: typ.Kind}
	}
	return typ, nil
}

// RoleType returns the role type scoped by the given relation type. Roles declared on a
// supertype of the relation are resolved too.
func (t *TypeSystem) RoleType(relation, role string) (*Type, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rel, err := t.get(relation)
	if err != nil {
		return nil, err
	}
	if rel.Kind != KindRelation {
		return nil, &RootMismatchError{Label: relation, Expected: KindRelation, Actual: rel.Kind}
	}
	_, name := SplitRoleLabel(role)
	for cur := rel; cur != nil; cur = t.types[cur.Supertype] {
		if _, ok := cur.relates[name]; ok {
			return t.types[RoleLabel(cur.Label, name)], nil
		}
	}
	return nil, &TypeNotFoundError{Label: RoleLabel(relation, name)}
}

// Relates returns the scoped role labels of a relation type, including inherited ones, sorted.
func (t *TypeSystem) Relates(relation string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var roles []string
	for cur := t.types[relation]; cur != nil; cur = t.types[cur.Supertype] {
		for role := range cur.relates {
			roles = append(roles, RoleLabel(cur.Label, role))
		}
	}
	sort.Strings(roles)
	return roles
}

// IsSubtype reports whether sub is super or transitively one of its subtypes.
func (t *TypeSystem) IsSubtype(sub, super string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for cur := sub; cur != ""; {
		if cur == super {
			return true
		}
		typ, ok := t.types[cur]
		if !ok {
			return false
		}
		cur = typ.Supertype
	}
	return false
}

// Subtypes returns label and all of its transitive subtypes, sorted.
func (t *TypeSystem) Subtypes(label string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, err := t.get(label); err != nil {
		return nil, err
	}
	var out []string
	for l, typ := range t.types {
		if typ.Kind == KindRole {
			continue
		}
		for cur := l; cur != ""; cur = t.types[cur].Supertype {
			if cur == label {
				out = append(out, l)
				break
			}
		}
	}
	if len(out) == 0 {
		// role types have no hierarchy of their own
		out = append(out, label)
	}
	sort.Strings(out)
	return out, nil
}

// Plays reports whether instances of typ may play the scoped role.
func (t *TypeSystem) Plays(typ, role string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for cur := t.types[typ]; cur != nil; cur = t.types[cur.Supertype] {
		if _, ok := cur.plays[role]; ok {
			return true
		}
	}
	return false
}

// Owns reports whether instances of typ may own attributes of attribute type attr
// (or of one of its supertypes).
func (t *TypeSystem) Owns(typ, attr string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for cur := t.types[typ]; cur != nil; cur = t.types[cur.Supertype] {
		for owned := range cur.owns {
			for a := t.types[attr]; a != nil; a = t.types[a.Supertype] {
				if a.Label == owned {
					return true
				}
			}
		}
	}
	return false
}

// Labels returns the labels of every type of the given kind, sorted.
func (t *TypeSystem) Labels(kind Kind) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for l, typ := range t.types {
		if typ.Kind == kind {
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

// Undefine removes a type from the schema. Callers holding instance data must check for
// instances first: the schema itself does not know about instances.
func (t *TypeSystem) Undefine(label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	typ, err := t.get(label)
	if err != nil {
		return err
	}
	if typ.Kind == KindRole {
		relation, role := SplitRoleLabel(label)
		delete(t.types[relation].relates, role)
		delete(t.types, label)
		for _, other := range t.types {
			delete(other.plays, label)
		}
		return nil
	}
	for _, other := range t.types {
		if other.Supertype == label {
			return &InvalidTypeError{Label: label, Cause: ErrTypeHasSubtypes}
		}
	}
	for role := range typ.relates {
		delete(t.types, RoleLabel(label, role))
	}
	delete(t.types, label)
	return nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
