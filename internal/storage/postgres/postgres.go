// Package postgres implements the unified Store interface over PostgreSQL.
// The connection is opened through the pgx stdlib driver and handed to GORM,
// so pool behavior is pgx's. SQLite reuses these repositories through the
// sqlite sibling package; the SQL stays dialect-portable for that reason.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agentpipe/agentpipe/internal/storage"
)

// Config holds PostgreSQL-specific configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

func (c Config) maxIdleTime() time.Duration {
	if c.ConnMaxIdleTime > 0 {
		return c.ConnMaxIdleTime
	}
	return 5 * time.Minute
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	*OrgRepository
	*AgentRepository
	*OrchestrationRepository
	*ExecutionRepository
	*ScheduleRepository
}

// Open connects to PostgreSQL and returns a Store. Migrate must be called
// before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())
	sqlDB.SetConnMaxIdleTime(cfg.maxIdleTime())

	db, err := gorm.Open(gormpg.New(gormpg.Config{Conn: sqlDB}), &gorm.Config{
		Logger:      newGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("initializing gorm: %w", err)
	}

	slogger.Info("postgres store opened",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)
	return NewStore(db, slogger), nil
}

// NewStore wires the repositories over an already-open GORM handle. The
// sqlite backend reuses it with its own dialect.
func NewStore(db *gorm.DB, slogger *slog.Logger) *Store {
	return &Store{
		db:                      db,
		logger:                  slogger,
		OrgRepository:           NewOrgRepository(db),
		AgentRepository:         NewAgentRepository(db),
		OrchestrationRepository: NewOrchestrationRepository(db),
		ExecutionRepository:     NewExecutionRepository(db),
		ScheduleRepository:      NewScheduleRepository(db),
	}
}

// Migrate runs GORM AutoMigrate for every table, parents before children.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&OrgModel{},
		&AgentModel{},
		&OrchestrationModel{},
		&ExecutionModel{},
		&AgentResultModel{},
		&DelegationModel{},
		&ScheduledRunModel{},
	)
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

// GormDB exposes the underlying handle for the sqlite backend and tests.
func (s *Store) GormDB() *gorm.DB { return s.db }

// newGormLogger routes GORM's slow-query and error output through slog.
func newGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// Compile-time check.
var _ storage.Store = (*Store)(nil)
