// Package test contains a conformance suite every storage.Datastore implementation runs.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/typegraph/reasoner/pkg/concept"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

// DatastoreFactory creates an empty datastore validating against schema.
type DatastoreFactory func(t *testing.T, schema *typesystem.TypeSystem) storage.Datastore

// Schema returns the schema the conformance suite writes against.
func Schema(t *testing.T) *typesystem.TypeSystem {
	t.Helper()
	ts, err := typesystem.New(
		typesystem.Definition{Label: "person", Kind: typesystem.KindEntity, Plays: []string{"friendship:friend"}, Owns: []string{"name", "age", "score", "active", "born"}},
		typesystem.Definition{Label: "friendship", Kind: typesystem.KindRelation, Relates: []string{"friend"}},
		typesystem.Definition{Label: "name", Kind: typesystem.KindAttribute, ValueType: concept.ValueTypeString},
		typesystem.Definition{Label: "age", Kind: typesystem.KindAttribute, ValueType: concept.ValueTypeLong},
		typesystem.Definition{Label: "score", Kind: typesystem.KindAttribute, ValueType: concept.ValueTypeDouble},
		typesystem.Definition{Label: "active", Kind: typesystem.KindAttribute, ValueType: concept.ValueTypeBoolean},
		typesystem.Definition{Label: "born", Kind: typesystem.KindAttribute, ValueType: concept.ValueTypeDateTime},
		typesystem.Definition{Label: "robot", Kind: typesystem.KindEntity, Abstract: true},
	)
	require.NoError(t, err)
	return ts
}

func RunAllTests(t *testing.T, newDatastore DatastoreFactory) {
	t.Run("TestDatastoreIsReady", func(t *testing.T) {
		ds := newDatastore(t, Schema(t))
		ready, err := ds.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, ready)
	})
	t.Run("TestThingWriteAndRead", func(t *testing.T) { ThingWriteAndReadTest(t, newDatastore(t, Schema(t))) })
	t.Run("TestAttributesByValue", func(t *testing.T) { AttributesByValueTest(t, newDatastore(t, Schema(t))) })
	t.Run("TestHasEdges", func(t *testing.T) { HasEdgesTest(t, newDatastore(t, Schema(t))) })
	t.Run("TestRolePlayerEdges", func(t *testing.T) { RolePlayerEdgesTest(t, newDatastore(t, Schema(t))) })
	t.Run("TestDeleteType", func(t *testing.T) { DeleteTypeTest(t, newDatastore(t, Schema(t))) })
}

func iids(t *testing.T, it storage.Iterator[*concept.Thing]) []string {
	t.Helper()
	things, err := storage.Collect(context.Background(), it)
	require.NoError(t, err)
	out := make([]string, 0, len(things))
	for _, th := range things {
		out = append(out, th.IID)
	}
	return out
}

func ThingWriteAndReadTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	alice, err := ds.PutThing(ctx, "person", "p2", false)
	require.NoError(t, err)
	require.Equal(t, concept.KindEntity, alice.Kind)

	_, err = ds.PutThing(ctx, "person", "p1", true)
	require.NoError(t, err)

	_, err = ds.PutThing(ctx, "person", "p1", false)
	require.ErrorIs(t, err, storage.ErrCollision)

	generated, err := ds.PutThing(ctx, "person", "", false)
	require.NoError(t, err)
	require.NotEmpty(t, generated.IID)

	_, err = ds.PutThing(ctx, "robot", "", false)
	require.ErrorIs(t, err, storage.ErrInvalidWriteInput)

	_, err = ds.PutThing(ctx, "car", "", false)
	require.ErrorIs(t, err, typesystem.ErrTypeNotFound)

	_, err = ds.PutThing(ctx, "name", "", false)
	require.ErrorIs(t, err, typesystem.ErrRootMismatch)

	got, err := ds.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "person", got.Type)
	require.True(t, got.Inferred)

	_, err = ds.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	it, err := ds.ThingsOfType(ctx, "person")
	require.NoError(t, err)
	all := iids(t, it)
	require.Len(t, all, 3)
	require.Contains(t, all, "p1")
	require.Contains(t, all, "p2")

	// ordering is deterministic
	it, err = ds.ThingsOfType(ctx, "person")
	require.NoError(t, err)
	require.Equal(t, all, iids(t, it))
}

func AttributesByValueTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()
	born := time.Date(1990, 5, 17, 8, 30, 0, 0, time.UTC)

	for _, tc := range []struct {
		label  string
		value  any
		lookup any
	}{
		{"name", "alice", "alice"},
		{"age", 42, int64(42)},
		{"score", 0.5, 0.5},
		{"active", true, true},
		{"born", born, born},
	} {
		first, err := ds.PutAttribute(ctx, tc.label, tc.value, false)
		require.NoError(t, err)

		again, err := ds.PutAttribute(ctx, tc.label, tc.value, true)
		require.NoError(t, err)
		require.Equal(t, first.IID, again.IID, "attributes are unique per value")
		require.False(t, again.Inferred)

		it, err := ds.AttributesByValue(ctx, tc.label, tc.lookup)
		require.NoError(t, err)
		things, err := storage.Collect(ctx, it)
		require.NoError(t, err)
		require.Len(t, things, 1)
		if diff := cmp.Diff(tc.lookup, things[0].Value); diff != "" {
			t.Fatalf("unexpected value for %s (-want +got):\n%s", tc.label, diff)
		}
	}

	it, err := ds.AttributesByValue(ctx, "name", "bob")
	require.NoError(t, err)
	require.Empty(t, iids(t, it))

	it, err = ds.AttributesByValue(ctx, "age", "not a number")
	require.NoError(t, err)
	require.Empty(t, iids(t, it))

	_, err = ds.PutAttribute(ctx, "age", "forty", false)
	require.ErrorIs(t, err, concept.ErrInvalidValue)

	_, err = ds.AttributesByValue(ctx, "person", "alice")
	require.ErrorIs(t, err, typesystem.ErrRootMismatch)
}

func HasEdgesTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	alice, err := ds.PutThing(ctx, "person", "alice", false)
	require.NoError(t, err)
	name, err := ds.PutAttribute(ctx, "name", "Alice", false)
	require.NoError(t, err)
	age, err := ds.PutAttribute(ctx, "age", 30, false)
	require.NoError(t, err)

	require.NoError(t, ds.PutHas(ctx, alice.IID, name.IID, false))
	require.NoError(t, ds.PutHas(ctx, alice.IID, name.IID, true))
	require.NoError(t, ds.PutHas(ctx, alice.IID, age.IID, true))

	it, err := ds.Attributes(ctx, alice.IID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{name.IID, age.IID}, iids(t, it))

	it, err = ds.Owners(ctx, name.IID)
	require.NoError(t, err)
	require.Equal(t, []string{alice.IID}, iids(t, it))

	rel, err := ds.PutThing(ctx, "friendship", "f1", false)
	require.NoError(t, err)
	err = ds.PutHas(ctx, rel.IID, name.IID, false)
	require.ErrorIs(t, err, storage.ErrInvalidWriteInput)

	err = ds.PutHas(ctx, alice.IID, "missing", false)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func RolePlayerEdgesTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	alice, err := ds.PutThing(ctx, "person", "alice", false)
	require.NoError(t, err)
	bob, err := ds.PutThing(ctx, "person", "bob", false)
	require.NoError(t, err)
	rel, err := ds.PutThing(ctx, "friendship", "f1", false)
	require.NoError(t, err)

	require.NoError(t, ds.PutRolePlayer(ctx, rel.IID, "friend", alice.IID, false))
	require.NoError(t, ds.PutRolePlayer(ctx, rel.IID, "friendship:friend", bob.IID, true))
	require.NoError(t, ds.PutRolePlayer(ctx, rel.IID, "friend", bob.IID, false))

	it, err := ds.RolePlayers(ctx, rel.IID)
	require.NoError(t, err)
	edges, err := storage.Collect(ctx, it)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		require.Equal(t, "friendship:friend", e.Role)
		require.Equal(t, rel.IID, e.Relation.IID)
		if e.Player.IID == bob.IID {
			require.True(t, e.Inferred)
		}
	}

	it, err = ds.Relations(ctx, alice.IID)
	require.NoError(t, err)
	edges, err = storage.Collect(ctx, it)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, rel.IID, edges[0].Relation.IID)

	err = ds.PutRolePlayer(ctx, rel.IID, "enemy", alice.IID, false)
	require.ErrorIs(t, err, typesystem.ErrTypeNotFound)

	err = ds.PutRolePlayer(ctx, alice.IID, "friend", bob.IID, false)
	require.ErrorIs(t, err, typesystem.ErrRootMismatch)

	err = ds.PutRolePlayer(ctx, rel.IID, "friend", rel.IID, false)
	require.ErrorIs(t, err, storage.ErrInvalidWriteInput)
}

func DeleteTypeTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	alice, err := ds.PutThing(ctx, "person", "alice", false)
	require.NoError(t, err)
	rel, err := ds.PutThing(ctx, "friendship", "f1", false)
	require.NoError(t, err)
	require.NoError(t, ds.PutRolePlayer(ctx, rel.IID, "friend", alice.IID, false))

	var hasInstances *typesystem.HasInstancesError
	err = ds.DeleteType(ctx, "friendship:friend")
	require.ErrorAs(t, err, &hasInstances)
	require.Equal(t, "friendship:friend", hasInstances.Label)

	// the role type is untouched after the rejected delete
	_, err = ds.Schema().RoleType("friendship", "friend")
	require.NoError(t, err)

	err = ds.DeleteType(ctx, "person")
	require.ErrorIs(t, err, typesystem.ErrTypeHasInstances)

	require.NoError(t, ds.DeleteType(ctx, "robot"))
	_, err = ds.Schema().Get("robot")
	require.ErrorIs(t, err, typesystem.ErrTypeNotFound)

	err = ds.DeleteType(ctx, "robot")
	require.ErrorIs(t, err, typesystem.ErrTypeNotFound)
}
