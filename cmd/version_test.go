package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/typegraph/reasoner/internal/build"
)

func TestVersion(t *testing.T) {
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewVersionCommand())
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"version"})

	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "reasoner version "+build.Version)
}
