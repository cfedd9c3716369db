package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/storage/test"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

func migratedURI(t *testing.T) string {
	t.Helper()
	uri := filepath.Join(t.TempDir(), "reasoner.db")
	err := NewMigrationProvider().RunMigrations(context.Background(), storage.MigrationConfig{
		Engine:  "sqlite",
		URI:     uri,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return uri
}

func TestSQLiteDatastore(t *testing.T) {
	test.RunAllTests(t, func(t *testing.T, schema *typesystem.TypeSystem) storage.Datastore {
		ds, err := New(migratedURI(t), schema, NewConfig())
		require.NoError(t, err)
		t.Cleanup(ds.Close)
		return ds
	})
}

func TestSQLiteDatastoreAfterCloseIsNotReady(t *testing.T) {
	ds, err := New(migratedURI(t), test.Schema(t), NewConfig())
	require.NoError(t, err)
	ds.Close()

	ready, err := ds.IsReady(context.Background())
	require.Error(t, err)
	require.False(t, ready)
}

func TestSQLiteDatastorePersistsAcrossConnections(t *testing.T) {
	ctx := context.Background()
	uri := migratedURI(t)
	schema := test.Schema(t)

	ds, err := New(uri, schema, NewConfig())
	require.NoError(t, err)
	_, err = ds.PutThing(ctx, "person", "alice", false)
	require.NoError(t, err)
	ds.Close()

	ds, err = New(uri, schema, NewConfig())
	require.NoError(t, err)
	defer ds.Close()

	alice, err := ds.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "person", alice.Type)
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := PrepareDSN("file:test.db")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:test.db?"))
	require.Contains(t, dsn, "journal_mode%28WAL%29")
	require.Contains(t, dsn, "busy_timeout%28100%29")
	require.Contains(t, dsn, "_txlock=immediate")

	dsn, err = PrepareDSN("file:test.db?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	require.NotContains(t, dsn, "busy_timeout%28100%29")
}

func TestMigrationProvider(t *testing.T) {
	provider := NewMigrationProvider()

	t.Run("supported_engine", func(t *testing.T) {
		require.Equal(t, "sqlite", provider.GetSupportedEngine())
	})

	t.Run("invalid_path", func(t *testing.T) {
		err := provider.RunMigrations(context.Background(), storage.MigrationConfig{
			Engine:  "sqlite",
			URI:     "/invalid/path/that/does/not/exist/db.sqlite",
			Timeout: 2 * time.Second,
		})
		require.Error(t, err)
	})

	t.Run("up_and_down", func(t *testing.T) {
		ctx := context.Background()
		uri := filepath.Join(t.TempDir(), "versions.db")
		cfg := storage.MigrationConfig{Engine: "sqlite", URI: uri, Timeout: 2 * time.Second}

		require.NoError(t, provider.RunMigrations(ctx, cfg))
		version, err := provider.GetCurrentVersion(ctx, cfg)
		require.NoError(t, err)
		require.Equal(t, int64(2), version)

		cfg.TargetVersion = 1
		require.NoError(t, provider.RunMigrations(ctx, cfg))
		version, err = provider.GetCurrentVersion(ctx, cfg)
		require.NoError(t, err)
		require.Equal(t, int64(1), version)
	})
}
