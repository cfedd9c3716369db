package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/typegraph/reasoner/cmd/util"
	"github.com/typegraph/reasoner/internal/planner"
	"github.com/typegraph/reasoner/pkg/typesystem"
)

func executeValidate(t *testing.T, args ...string) (string, error) {
	t.Helper()
	util.PrepareTempConfigDir(t)
	viper.Reset()

	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewValidateCommand())
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"validate"}, args...))

	err := rootCmd.Execute()
	return out.String(), err
}

func writeDocument(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestValidateExample(t *testing.T) {
	out, err := executeValidate(t, "--file", "../examples/social.yaml")
	require.NoError(t, err)
	require.Equal(t, "valid: 6 types, 2 rules, 4 queries\n", out)
}

func TestValidateMergesDocuments(t *testing.T) {
	schema := writeDocument(t, `
schema:
  - label: person
    kind: entity
`)
	queries := writeDocument(t, `
queries:
  - name: people
    match:
      - isa: {var: x, type: person}
`)
	out, err := executeValidate(t, "--file", schema, "--file", queries)
	require.NoError(t, err)
	require.Equal(t, "valid: 1 types, 0 rules, 1 queries\n", out)
}

func TestValidateReportsEveryInvalidQuery(t *testing.T) {
	path := writeDocument(t, `
schema:
  - label: person
    kind: entity
queries:
  - name: robots
    match:
      - isa: {var: x, type: robot}
  - name: unbound
    match:
      - value: {var: x, op: ">", constant: 3}
`)
	_, err := executeValidate(t, "--file", path)
	require.ErrorIs(t, err, typesystem.ErrTypeNotFound)
	require.ErrorIs(t, err, planner.ErrNoValidPlan)
	require.ErrorContains(t, err, "query 'robots'")
	require.ErrorContains(t, err, "query 'unbound'")
}

func TestValidateWithoutDocuments(t *testing.T) {
	_, err := executeValidate(t)
	require.ErrorContains(t, err, "missing documents to validate")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := executeValidate(t, "--file", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
