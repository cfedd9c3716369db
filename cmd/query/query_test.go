package query

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/typegraph/reasoner/cmd/util"
	"github.com/typegraph/reasoner/internal/config"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/storage/sqlite"
)

const example = "../../examples/social.yaml"

func executeQuery(t *testing.T, args ...string) (string, error) {
	t.Helper()
	util.PrepareTempConfigDir(t)
	viper.Reset()
	viper.AddConfigPath("$HOME/.reasoner")

	cmd := NewQueryCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--log-level", "none"}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQueryExample(t *testing.T) {
	out, err := executeQuery(t, "--file", example)
	require.NoError(t, err)

	require.Contains(t, out, "# reachable (9 answers)\n")
	require.Contains(t, out, "# reachable-from-alice (3 answers)\n")
	require.Contains(t, out, "{$x: alice(person), $y: bob(employee)}\n")
	require.Contains(t, out, "# loners (1 answers)\n{$x: dave(person)}\n")
	require.Contains(t, out, "# named-or-friends (")

	// results follow the order of the document
	require.Less(t, bytes.Index([]byte(out), []byte("# reachable (")), bytes.Index([]byte(out), []byte("# loners (")))
}

func TestQuerySelectionAndWindow(t *testing.T) {
	out, err := executeQuery(t, "--file", example, "--query", "reachable", "--limit", "2")
	require.NoError(t, err)
	require.Contains(t, out, "# reachable (2 answers)\n")
	require.NotContains(t, out, "# loners")

	out, err = executeQuery(t, "--file", example, "--query", "reachable", "--offset", "8")
	require.NoError(t, err)
	require.Contains(t, out, "# reachable (1 answers)\n")
}

func TestQueryJSONOutput(t *testing.T) {
	out, err := executeQuery(t, "--file", example, "--query", "loners", "--output", "json")
	require.NoError(t, err)

	var results []jsonResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	require.Equal(t, "loners", results[0].Query)
	require.Len(t, results[0].Answers, 1)
	require.Equal(t, jsonThing{IID: "dave", Type: "person"}, results[0].Answers[0]["x"])
}

func TestQueryDerivations(t *testing.T) {
	util.PrepareTempConfigDir(t)
	viper.Reset()

	cmd := NewQueryCommand()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{"--log-level", "none", "--file", example, "--query", "loners", "--derivations"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	require.Contains(t, out.String(), "# loners (1 answers)\n")
	require.NotContains(t, out.String(), "# derivations")
	require.Contains(t, errOut.String(), "# derivations (1)\n")
	require.Contains(t, errOut.String(), "dave")
	require.Contains(t, errOut.String(), " <- ")
}

func TestQueryErrors(t *testing.T) {
	for _, tc := range []struct {
		name          string
		args          []string
		errorExpected string
	}{
		{
			name:          "unknown_query",
			args:          []string{"--file", example, "--query", "missing"},
			errorExpected: "unknown query 'missing'",
		},
		{
			name:          "unknown_output",
			args:          []string{"--file", example, "--output", "xml"},
			errorExpected: "unknown output format: xml",
		},
		{
			name:          "sqlite_without_uri",
			args:          []string{"--file", example, "--datastore-engine", "sqlite"},
			errorExpected: "config 'datastore.uri' must be set for the sqlite engine",
		},
		{
			name:          "no_workers",
			args:          []string{"--file", example, "--workers", "0"},
			errorExpected: "config 'reasoner.workers' must be positive",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := executeQuery(t, tc.args...)
			require.ErrorContains(t, err, tc.errorExpected)
		})
	}
}

func TestQueryReadsConfigFile(t *testing.T) {
	util.PrepareTempConfigFile(t, `reasoner:
  workers: 2
  maxConcurrentQueries: 1
  queryTimeout: 30s
log:
  level: none
`)
	viper.Reset()
	viper.AddConfigPath("$HOME/.reasoner")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	NewQueryCommand()

	cfg, err := ReadConfig()
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Reasoner.Workers)
	require.Equal(t, 1, cfg.Reasoner.MaxConcurrentQueries)
	require.Equal(t, 30*time.Second, cfg.Reasoner.QueryTimeout)
	require.Equal(t, "none", cfg.Log.Level)
	require.Equal(t, config.DefaultConfig().Datastore, cfg.Datastore)
}

func TestQuerySQLite(t *testing.T) {
	uri := filepath.Join(t.TempDir(), "reasoner.db")
	err := sqlite.NewMigrationProvider().RunMigrations(context.Background(), storage.MigrationConfig{
		Engine:  "sqlite",
		URI:     uri,
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	out, err := executeQuery(t,
		"--file", example,
		"--query", "reachable-from-alice",
		"--datastore-engine", "sqlite",
		"--datastore-uri", uri,
	)
	require.NoError(t, err)
	require.Contains(t, out, "# reachable-from-alice (3 answers)\n")
}
