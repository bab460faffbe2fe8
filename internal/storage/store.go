// Package storage defines the unified Store interface that abstracts all
// persistence operations. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (production/multi-tenant).
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
)

// Store is the unified persistence interface. It extends the engine's
// narrower store contract with the CRUD surface the gateway and the
// scheduler need. Both backends implement it over the same GORM models.
type Store interface {
	engine.Store

	// Organizations.
	CreateOrganization(ctx context.Context, org *domain.Organization) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*domain.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error)
	// EnsureOrganization creates the named organization if it does not
	// exist and returns its ID either way. Used at startup for the
	// default tenant.
	EnsureOrganization(ctx context.Context, name string) (uuid.UUID, error)

	// Agents. GetAgent comes from engine.Store.
	CreateAgent(ctx context.Context, a *domain.Agent) error
	UpdateAgent(ctx context.Context, a *domain.Agent) error
	DeleteAgent(ctx context.Context, orgID, id uuid.UUID) error
	ListAgents(ctx context.Context, orgID uuid.UUID) ([]domain.Agent, error)

	// Orchestrations. GetOrchestration, ClaimOrchestration and
	// ReleaseOrchestration come from engine.Store.
	CreateOrchestration(ctx context.Context, o *domain.Orchestration) error
	UpdateOrchestration(ctx context.Context, o *domain.Orchestration) error
	DeleteOrchestration(ctx context.Context, orgID, id uuid.UUID) error
	ListOrchestrations(ctx context.Context, orgID uuid.UUID) ([]domain.Orchestration, error)

	// Scheduled runs.
	CreateSchedule(ctx context.Context, s *domain.ScheduledRun) error
	UpdateSchedule(ctx context.Context, s *domain.ScheduledRun) error
	GetSchedule(ctx context.Context, orgID, id uuid.UUID) (*domain.ScheduledRun, error)
	DeleteSchedule(ctx context.Context, orgID, id uuid.UUID) error
	ListSchedules(ctx context.Context, orgID uuid.UUID) ([]domain.ScheduledRun, error)
	// ListDueSchedules returns enabled schedules whose next run time is at
	// or before now, across all organizations.
	ListDueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduledRun, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path"`         // Database file path.
	JournalMode string `yaml:"journal_mode"` // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `yaml:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
