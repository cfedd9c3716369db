package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/typegraph/reasoner/cmd/util"
	"github.com/typegraph/reasoner/pkg/logger"
	"github.com/typegraph/reasoner/pkg/storage"
	"github.com/typegraph/reasoner/pkg/storage/sqlite"
)

const (
	versionFlag          = "version"
	timeoutFlag          = "timeout"
	verboseMigrationFlag = "verbose"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations needed by persistent datastores",
		Long:  `The migrate command is used to migrate the database schema of a persistent datastore.`,
		RunE:  runMigration,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
			util.MustBindPFlag(versionFlag, flags.Lookup(versionFlag))
			util.MustBindPFlag(timeoutFlag, flags.Lookup(timeoutFlag))
			util.MustBindPFlag(verboseMigrationFlag, flags.Lookup(verboseMigrationFlag))
		},
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "", "(required) the datastore engine that will be used for persistence")
	flags.String(datastoreURIFlag, "", "(required) the connection uri of the database to run the migrations against (e.g. 'file:reasoner.db')")
	flags.Uint(versionFlag, 0, "the version to migrate to (if omitted the latest schema will be used)")
	flags.Duration(timeoutFlag, 1*time.Minute, "a timeout after which the migration process will terminate")
	flags.Bool(verboseMigrationFlag, false, "enable verbose migration logs (default false)")

	// NOTE: if you add a new flag here, add the binding in PreRun

	return cmd
}

// migrationProviders lists the engines that need migrations.
var migrationProviders = map[string]storage.MigrationProvider{
	"sqlite": sqlite.NewMigrationProvider(),
}

func runMigration(cmd *cobra.Command, _ []string) error {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)
	targetVersion := viper.GetUint(versionFlag)
	timeout := viper.GetDuration(timeoutFlag)
	verbose := viper.GetBool(verboseMigrationFlag)

	log := logger.MustNewLogger("text", "info")
	defer func() { _ = log.Sync() }()

	switch engine {
	case "memory":
		log.Info("no migrations to run for `memory` datastore")
		return nil
	case "":
		return fmt.Errorf("missing datastore engine type")
	}

	provider, ok := migrationProviders[engine]
	if !ok {
		return fmt.Errorf("unknown datastore engine type: %s", engine)
	}
	if uri == "" {
		return fmt.Errorf("missing datastore uri")
	}

	err := provider.RunMigrations(cmd.Context(), storage.MigrationConfig{
		Engine:        engine,
		URI:           uri,
		TargetVersion: targetVersion,
		Timeout:       timeout,
		Verbose:       verbose,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := provider.GetCurrentVersion(cmd.Context(), storage.MigrationConfig{Engine: engine, URI: uri})
	if err != nil {
		return err
	}
	log.Info("migration done", zap.Int64("version", version))

	return nil
}
