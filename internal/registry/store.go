package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ServerModel is the persisted form of a fleet member. The registry writes
// it on registration and on every liveness change so a restarted registry
// can prime its view of the fleet before re-registration answers arrive.
type ServerModel struct {
	ServerID        string    `gorm:"primaryKey;column:server_id"`
	InstanceUUID    string    `gorm:"not null"`
	Family          string    `gorm:"not null;default:'';index"`
	ServerType      string    `gorm:"not null;default:''"`
	Address         string    `gorm:"not null;default:''"`
	Port            int       `gorm:"not null;default:0"`
	MaxCapacity     int       `gorm:"not null;default:0"`
	Status          string    `gorm:"not null;default:'OFFLINE'"`
	LastHeartbeatAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ServerModel) TableName() string { return "servers" }

// StoreConfig configures the registry's persistent store. Driver defaults
// to "sqlite" if left empty.
type StoreConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// Store persists server records via GORM, sqlite or postgres.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore opens the database, applies pending migrations, and returns the
// ready-to-use store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("registry: store logger is required")
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		// Open via database/sql with the modernc driver, then hand the
		// connection to GORM so it does not reach for go-sqlite3.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("registry: open sqlite: %w", err)
		}
		// SQLite supports only one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("registry: initialize gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("registry: open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("registry: get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("registry: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("registry: migrations failed: %w", err)
	}

	return &Store{db: database, logger: cfg.Logger.Named("registry.store")}, nil
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("registry store migrations applied")
	return nil
}

// Upsert writes the full server record, replacing an existing row with the
// same server id.
func (s *Store) Upsert(ctx context.Context, rec *ServerRecord) error {
	model := ServerModel{
		ServerID:        rec.ServerID,
		InstanceUUID:    rec.InstanceUUID,
		Family:          rec.Family,
		ServerType:      rec.ServerType,
		Address:         rec.Address,
		Port:            rec.Port,
		MaxCapacity:     rec.MaxCapacity,
		Status:          string(rec.Status),
		LastHeartbeatAt: rec.LastHeartbeatAt,
	}
	err := s.db.WithContext(ctx).Save(&model).Error
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", rec.ServerID, err)
	}
	return nil
}

// UpdateLiveness updates only the status and last_heartbeat_at columns.
// Called on every heartbeat — touching two columns avoids write
// amplification on the full row.
func (s *Store) UpdateLiveness(ctx context.Context, serverID, status string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&ServerModel{}).
		Where("server_id = ?", serverID).
		Updates(map[string]interface{}{
			"status":            status,
			"last_heartbeat_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("registry: update liveness %s: %w", serverID, result.Error)
	}
	return nil
}

// Delete removes a server record.
func (s *Store) Delete(ctx context.Context, serverID string) error {
	if err := s.db.WithContext(ctx).Delete(&ServerModel{}, "server_id = ?", serverID).Error; err != nil {
		return fmt.Errorf("registry: delete %s: %w", serverID, err)
	}
	return nil
}

// LoadAll returns every persisted server record, ordered by id so the
// smallest-free-integer allocation sees a stable view.
func (s *Store) LoadAll(ctx context.Context) ([]ServerRecord, error) {
	var models []ServerModel
	if err := s.db.WithContext(ctx).Order("server_id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("registry: load all: %w", err)
	}

	records := make([]ServerRecord, 0, len(models))
	for _, m := range models {
		records = append(records, ServerRecord{
			ServerID:        m.ServerID,
			InstanceUUID:    m.InstanceUUID,
			Family:          m.Family,
			ServerType:      m.ServerType,
			Address:         m.Address,
			Port:            m.Port,
			MaxCapacity:     m.MaxCapacity,
			Status:          Status(m.Status),
			LastHeartbeatAt: m.LastHeartbeatAt,
		})
	}
	return records, nil
}
