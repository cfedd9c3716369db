package cmd

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/typegraph/reasoner/cmd/util"
	"github.com/typegraph/reasoner/pkg/storage"
)

const defaultDuration = 1 * time.Minute

// newMigrateCommand returns the migrate command attached to a fresh root command, so
// that the config file and environment are read the way the binary reads them.
func newMigrateCommand(runE func(*cobra.Command, []string) error) *cobra.Command {
	viper.Reset()
	rootCmd := NewRootCommand()
	migrateCmd := NewMigrateCommand()
	if runE != nil {
		migrateCmd.RunE = runE
	}
	rootCmd.AddCommand(migrateCmd)
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	return rootCmd
}

func TestNoConfigDefaultValues(t *testing.T) {
	util.PrepareTempConfigDir(t)
	rootCmd := newMigrateCommand(func(cmd *cobra.Command, _ []string) error {
		require.Equal(t, "", viper.GetString(datastoreEngineFlag))
		require.Equal(t, "", viper.GetString(datastoreURIFlag))
		require.Equal(t, uint(0), viper.GetUint(versionFlag))
		require.Equal(t, defaultDuration, viper.GetDuration(timeoutFlag))
		return nil
	})
	rootCmd.SetArgs([]string{"migrate"})
	require.NoError(t, rootCmd.Execute())
}

func TestConfigFileValuesAreParsed(t *testing.T) {
	config := `datastore:
    engine: sqlite
    uri: file:reasoner.db
`
	util.PrepareTempConfigFile(t, config)

	rootCmd := newMigrateCommand(func(cmd *cobra.Command, _ []string) error {
		require.Equal(t, "sqlite", viper.GetString(datastoreEngineFlag))
		require.Equal(t, "file:reasoner.db", viper.GetString(datastoreURIFlag))
		require.Equal(t, uint(0), viper.GetUint(versionFlag))
		require.Equal(t, defaultDuration, viper.GetDuration(timeoutFlag))
		return nil
	})
	rootCmd.SetArgs([]string{"migrate"})
	require.NoError(t, rootCmd.Execute())
}

func TestConfigIsMerged(t *testing.T) {
	config := `datastore:
    engine: sqlite
`
	util.PrepareTempConfigFile(t, config)

	t.Setenv("REASONER_DATASTORE_URI", "file:other.db")

	rootCmd := newMigrateCommand(func(cmd *cobra.Command, _ []string) error {
		require.Equal(t, "sqlite", viper.GetString(datastoreEngineFlag))
		require.Equal(t, "file:other.db", viper.GetString(datastoreURIFlag))
		return nil
	})
	rootCmd.SetArgs([]string{"migrate"})
	require.NoError(t, rootCmd.Execute())
}

func TestFlagsOverrideConfig(t *testing.T) {
	config := `datastore:
    engine: sqlite
    uri: file:reasoner.db
`
	util.PrepareTempConfigFile(t, config)

	rootCmd := newMigrateCommand(func(cmd *cobra.Command, _ []string) error {
		require.Equal(t, "file:flag.db", viper.GetString(datastoreURIFlag))
		require.Equal(t, uint(3), viper.GetUint(versionFlag))
		return nil
	})
	rootCmd.SetArgs([]string{"migrate", "--datastore-uri", "file:flag.db", "--version", "3"})
	require.NoError(t, rootCmd.Execute())
}

func TestMigrateRejectsInvalidDatastores(t *testing.T) {
	for _, tc := range []struct {
		name          string
		args          []string
		errorExpected string
	}{
		{
			name:          "missing_engine",
			args:          []string{"migrate"},
			errorExpected: "missing datastore engine type",
		},
		{
			name:          "unknown_engine",
			args:          []string{"migrate", "--datastore-engine", "postgres", "--datastore-uri", "postgres://localhost"},
			errorExpected: "unknown datastore engine type: postgres",
		},
		{
			name:          "missing_uri",
			args:          []string{"migrate", "--datastore-engine", "sqlite"},
			errorExpected: "missing datastore uri",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			util.PrepareTempConfigDir(t)
			rootCmd := newMigrateCommand(nil)
			rootCmd.SetArgs(tc.args)
			require.ErrorContains(t, rootCmd.Execute(), tc.errorExpected)
		})
	}
}

func TestMigrateMemoryIsNoop(t *testing.T) {
	util.PrepareTempConfigDir(t)
	rootCmd := newMigrateCommand(nil)
	rootCmd.SetArgs([]string{"migrate", "--datastore-engine", "memory"})
	require.NoError(t, rootCmd.Execute())
}

func TestMigrateSQLite(t *testing.T) {
	util.PrepareTempConfigDir(t)
	uri := filepath.Join(t.TempDir(), "reasoner.db")

	rootCmd := newMigrateCommand(nil)
	rootCmd.SetArgs([]string{"migrate", "--datastore-engine", "sqlite", "--datastore-uri", uri, "--timeout", "10s"})
	require.NoError(t, rootCmd.Execute())

	provider := migrationProviders["sqlite"]
	version, err := provider.GetCurrentVersion(t.Context(), storage.MigrationConfig{Engine: "sqlite", URI: uri})
	require.NoError(t, err)
	require.Positive(t, version)
}
