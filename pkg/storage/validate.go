package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

// ValidateThing checks that label names a concrete entity or relation type.
func ValidateThing(ts *typesystem.TypeSystem, label string) (*typesystem.Type, error) {
	typ, err := ts.Get(label)
	if err != nil {
		return nil, err
	}
	if typ.Kind != typesystem.KindEntity && typ.Kind != typesystem.KindRelation {
		return nil, &typesystem.RootMismatchError{Label: label, Expected: typesystem.KindEntity, Actual: typ.Kind}
	}
	if typ.Abstract {
		return nil, InvalidWriteInputError("cannot instantiate abstract type '%s'", label)
	}
	return typ, nil
}

// ValidateAttribute checks that label names a concrete attribute type and converts value
// into its canonical form and its encoded key.
func ValidateAttribute(ts *typesystem.TypeSystem, label string, value any) (*typesystem.Type, any, string, error) {
	typ, err := ts.GetOfKind(label, typesystem.KindAttribute)
	if err != nil {
		return nil, nil, "", err
	}
	if typ.Abstract {
		return nil, nil, "", InvalidWriteInputError("cannot instantiate abstract type '%s'", label)
	}
	normalized, err := concept.Normalize(typ.ValueType, value)
	if err != nil {
		return nil, nil, "", err
	}
	encoded, err := concept.EncodeValue(typ.ValueType, normalized)
	if err != nil {
		return nil, nil, "", err
	}
	return typ, normalized, encoded, nil
}

// ValidateHas checks that owner may own attribute.
func ValidateHas(ts *typesystem.TypeSystem, owner, attribute *concept.Thing) error {
	if !attribute.IsAttribute() {
		return &typesystem.RootMismatchError{Label: attribute.Type, Expected: typesystem.KindAttribute, Actual: kindOf(attribute)}
	}
	if !ts.Owns(owner.Type, attribute.Type) {
		return InvalidWriteInputError("type '%s' cannot own attribute type '%s'", owner.Type, attribute.Type)
	}
	return nil
}

// ValidateRolePlayer checks that player may play role in relation and returns the scoped
// role label.
func ValidateRolePlayer(ts *typesystem.TypeSystem, relation *concept.Thing, role string, player *concept.Thing) (string, error) {
	if relation.Kind != concept.KindRelation {
		return "", &typesystem.RootMismatchError{Label: relation.Type, Expected: typesystem.KindRelation, Actual: kindOf(relation)}
	}
	roleType, err := ts.RoleType(relation.Type, role)
	if err != nil {
		return "", err
	}
	if !ts.Plays(player.Type, roleType.Label) {
		return "", InvalidWriteInputError("type '%s' cannot play role '%s'", player.Type, roleType.Label)
	}
	return roleType.Label, nil
}

func kindOf(t *concept.Thing) typesystem.Kind {
	switch t.Kind {
	case concept.KindEntity:
		return typesystem.KindEntity
	case concept.KindRelation:
		return typesystem.KindRelation
	case concept.KindAttribute:
		return typesystem.KindAttribute
	default:
		return 0
	}
}

// AttributeIID returns the IID of the attribute of the given type holding the encoded
// value. Attributes are identified by their value, so every store derives the IID from it.
func AttributeIID(label, encoded string) string {
	return "attr:" + label + ":" + encoded
}

// InferredRelationIID returns the IID of an inferred relation of the given type from its
// role player keys. Inferred relations are identified by their players, so reasoning over
// a fresh store always allocates the same IIDs in the same order.
func InferredRelationIID(label string, players []string) string {
	keys := append([]string(nil), players...)
	sort.Strings(keys)
	return fmt.Sprintf("inf:%s:%016x", label, xxhash.Sum64String(strings.Join(keys, "\x01")))
}
