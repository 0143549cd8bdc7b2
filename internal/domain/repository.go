// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All tenant-scoped methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Analysis operations
	SaveAnalysis(ctx context.Context, tenantID string, analysis *Analysis) error
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*Analysis, error)
	ListAnalyses(ctx context.Context, tenantID string, limit int) ([]*Analysis, error)
	CountAnalysesByAccount(ctx context.Context, tenantID string, accountNumber string, since time.Time) (int64, error)

	// DeleteAnalysesBefore removes analyses of every tenant created before cutoff.
	DeleteAnalysesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Check rule operations
	SaveCheckRule(ctx context.Context, tenantID string, rule *CheckRule) error
	GetCheckRule(ctx context.Context, tenantID string, ruleID string) (*CheckRule, error)
	ListCheckRules(ctx context.Context, tenantID string) ([]*CheckRule, error)
	DeleteCheckRule(ctx context.Context, tenantID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
