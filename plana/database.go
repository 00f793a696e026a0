package plana

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// DBI is the write-path database interface. When using sqlite, writes are
// serialized behind a mutex; postgres writes go straight through.
type DBI interface {
	Create(ctx context.Context, value any, omit ...string) (int64, error)
	Save(ctx context.Context, value any, omit ...string) (int64, error)
	Update(ctx context.Context, model any, column string, value any) (int64, error)
	Updates(ctx context.Context, model any, values any) (int64, error)
	Delete(ctx context.Context, value any, conds ...any) (int64, error)
	Transaction(ctx context.Context, fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
	DB() *gorm.DB
}

// database wraps a GORM connection. In non-concurrent write mode (sqlite),
// a mutex serializes all mutations.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes the write-path database wrapper.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	int64,
	error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	int64,
	error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (int64, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model any, values any) (
	int64,
	error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (
	int64,
	error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens a database connection for the given type and connection
// string. For sqlite, the parent directory is created if needed, and the
// connection pool is limited to a single connection with WAL enabled.
func CreateDB(
	ctx context.Context,
	databaseType string,
	connString string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(connString); dir != "." && dir != string(os.PathSeparator) {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		dialector = sqlite.Open(connString)
	case dbTypePostgres:
		dialector = postgres.Open(connString)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}

	cfg := &gorm.Config{
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	if gormLogger != nil {
		cfg.Logger = gormLogger
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return nil, e
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragma := strings.Join(sqliteExecPragma, "")
		if e = db.WithContext(ctx).Exec(pragma).Error; e != nil {
			return nil, fmt.Errorf("error setting sqlite pragma: %w", e)
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&Turn{},
		&EngageRecord{},
		&GuildSettings{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}
