// Package storage contains the graph store boundary and its implementations.
package storage

import (
	"context"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

// RoleEdge connects a relation to one of its role players.
type RoleEdge struct {
	Relation *concept.Thing
	// Role is the scoped role label, e.g. "friendship:friend".
	Role   string
	Player *concept.Thing

	Inferred bool
}

// GraphReader gives lazy read access to stored (or already materialised) graph elements.
// It never performs inference.
//
// Iterators returned by a GraphReader are snapshots: writes made after the iterator was
// created are not visible through it. The caller must stop every iterator, either by
// consuming it entirely or by calling Stop.
type GraphReader interface {
	// Schema returns the type system the store validates writes against.
	Schema() *typesystem.TypeSystem

	// Get returns the thing with the given IID, or ErrNotFound.
	Get(ctx context.Context, iid string) (*concept.Thing, error)

	// ThingsOfType returns the instances whose type is exactly label, ordered by IID.
	ThingsOfType(ctx context.Context, label string) (Iterator[*concept.Thing], error)

	// AttributesByValue returns the attributes of type label (exactly) holding value. The
	// value is interpreted according to the value type of the attribute type.
	AttributesByValue(ctx context.Context, label string, value any) (Iterator[*concept.Thing], error)

	// Attributes returns the attributes owned by the given thing.
	Attributes(ctx context.Context, ownerIID string) (Iterator[*concept.Thing], error)

	// Owners returns the owners of the given attribute.
	Owners(ctx context.Context, attributeIID string) (Iterator[*concept.Thing], error)

	// RolePlayers returns the role players of the given relation.
	RolePlayers(ctx context.Context, relationIID string) (Iterator[*RoleEdge], error)

	// Relations returns the edges of relations the given thing plays a role in.
	Relations(ctx context.Context, playerIID string) (Iterator[*RoleEdge], error)
}

// GraphWriter mutates the graph. Every write is validated against the schema before any
// mutation happens.
type GraphWriter interface {
	// PutThing inserts a new entity or relation instance. An empty iid asks the store to
	// allocate one. Returns ErrCollision if the iid is taken.
	PutThing(ctx context.Context, label, iid string, inferred bool) (*concept.Thing, error)

	// PutAttribute returns the attribute of type label holding value, creating it if needed.
	PutAttribute(ctx context.Context, label string, value any, inferred bool) (*concept.Thing, error)

	// PutHas records that owner owns attribute. Writing an existing edge is a no-op.
	PutHas(ctx context.Context, ownerIID, attributeIID string, inferred bool) error

	// PutRolePlayer records that player plays role in relation. Writing an existing edge is a no-op.
	PutRolePlayer(ctx context.Context, relationIID, role, playerIID string, inferred bool) error

	// DeleteType undefines a type. It fails with typesystem.ErrTypeHasInstances if instances of the
	// type (or, for a role type, edges using the role) still exist.
	DeleteType(ctx context.Context, label string) error
}

// Datastore is a graph store.
type Datastore interface {
	GraphReader
	GraphWriter

	// IsReady reports whether the datastore is ready to serve reads and writes.
	IsReady(ctx context.Context) (bool, error)

	// Close releases the resources held by the store.
	Close()
}
