package storage

import (
	"context"
	"time"

	"github.com/typegraph/reasoner/pkg/logger"
)

// MigrationProvider runs the schema migrations of a persistent datastore engine.
type MigrationProvider interface {
	// RunMigrations executes database migrations with the provided configuration
	RunMigrations(ctx context.Context, config MigrationConfig) error

	// GetCurrentVersion returns the current migration version of the database
	GetCurrentVersion(ctx context.Context, config MigrationConfig) (int64, error)

	// GetSupportedEngine returns the database engine this provider supports
	GetSupportedEngine() string
}

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig struct {
	Engine string
	URI    string
	// TargetVersion is the version to migrate to. Zero migrates to the latest version.
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Logger        logger.Logger
}
