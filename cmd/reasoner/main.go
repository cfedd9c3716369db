package main

import (
	"os"

	"github.com/typegraph/reasoner/cmd"
	"github.com/typegraph/reasoner/cmd/query"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	queryCmd := query.NewQueryCommand()
	rootCmd.AddCommand(queryCmd)

	validateCmd := cmd.NewValidateCommand()
	rootCmd.AddCommand(validateCmd)

	migrateCmd := cmd.NewMigrateCommand()
	rootCmd.AddCommand(migrateCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
