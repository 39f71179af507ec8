package eventbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnForumPostEventID      = "event_id"
	columnForumPostThreadID     = "thread_id"
	columnForumPostGuildID      = "guild_id"
	columnForumPostName         = "name"
	columnForumPostCalendarLink = "calendar_link"
	columnForumPostParticipants = "participants"
	columnForumPostArchived     = "archived"
	columnTaskRunGroup          = "task_group"
	columnTaskRunEntityID       = "entity_id"
	columnTaskRunStartedAt      = "started_at"

	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
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

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// RuntimeConfig holds settings persisted across restarts. Currently,
// that's the admin API credentials, set via the `init` command or the
// setup endpoint.
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	AdminUsername string `json:"admin_username" gorm:"type:string"`
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`
}

func (RuntimeConfig) TableName() string {
	return "runtime_config"
}

// pendingSetup reports whether admin credentials still need to be set
func (r RuntimeConfig) pendingSetup() bool {
	return r.AdminUsername == "" || r.AdminPassword == ""
}

// ForumPost maps a scheduled event to the forum thread created for it.
// The thread ID is also the ID of the thread's starter message.
//
//nolint:lll // struct tags can't be split
type ForumPost struct {
	ModelUnixTime
	EventID      string    `json:"event_id" gorm:"primaryKey"`
	ThreadID     string    `json:"thread_id" gorm:"uniqueIndex;not null"`
	GuildID      string    `json:"guild_id" gorm:"index"`
	Name         string    `json:"name"`
	CalendarLink string    `json:"calendar_link"`
	Participants []Subject `json:"participants" gorm:"serializer:json"`
	Archived     bool      `json:"archived" gorm:"not null;default:false"`
}

func (p ForumPost) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnForumPostEventID, p.EventID),
		slog.String(columnForumPostThreadID, p.ThreadID),
		slog.String(columnForumPostGuildID, p.GuildID),
		slog.String(columnForumPostName, p.Name),
		slog.Int(columnForumPostParticipants, len(p.Participants)),
		slog.Bool(columnForumPostArchived, p.Archived),
	)
}

// TaskRun records one execution of a scheduled archive or reminder task
//
//nolint:lll // struct tags can't be split
type TaskRun struct {
	ModelUintID
	CreatedAt  int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	TaskID     string `json:"task_id" gorm:"index"`
	TaskGroup  string `json:"task_group" gorm:"index;not null"`
	EntityID   string `json:"entity_id" gorm:"index;not null"`
	Label      string `json:"label"`
	FireAt     int64  `json:"fire_at"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Error      string `json:"error,omitempty"`
}

// database wraps a gorm connection for write operations. When concurrent
// writes are disabled (sqlite), writes are serialized with a mutex.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// DBI is the set of write operations used by the bot
type DBI interface {
	Lock()
	Unlock()

	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Upsert(ctx context.Context, value any, updateColumns ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// NewDatabase returns a DBI for the given connection
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

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// withTimeout applies dbOperationTimeout when ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

// Upsert creates value, or updates the given columns if a row with the
// same primary key exists
func (d *database) Upsert(ctx context.Context, value any, updateColumns ...string) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	onConflict := clause.OnConflict{UpdateAll: true}
	if len(updateColumns) > 0 {
		onConflict = clause.OnConflict{DoUpdates: clause.AssignmentColumns(updateColumns)}
	}
	rv := d.db.WithContext(ctx).Clauses(onConflict).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens the database and runs migrations. It's used by the
// `init` command, outside a bot run.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, slog.LevelWarn)
	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if err := txn.Migrator().AutoMigrate(
		&RuntimeConfig{},
		&ForumPost{},
		&TaskRun{},
	); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// openDatabase opens and migrates the configured database, applying
// sqlite connection limits and pragmas
func openDatabase(
	ctx context.Context,
	config *Config,
	handler slog.Handler,
) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, config.DatabaseSlowThreshold)
	db, err := getDB(config.DatabaseType, config.Database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting database connection: %w", err)
	}

	if config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	if err = migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// loadRuntimeConfig returns the latest RuntimeConfig, creating an empty
// one if none exists
func loadRuntimeConfig(ctx context.Context, db *gorm.DB, writeDB DBI) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := db.WithContext(ctx).Last(&cfg).Error
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return cfg, fmt.Errorf("error getting runtime config: %w", err)
	}
	cfg = RuntimeConfig{}
	if _, err = writeDB.Create(ctx, &cfg); err != nil {
		return cfg, fmt.Errorf("error creating runtime config: %w", err)
	}
	return cfg, nil
}

// taskRunRecorder is a TaskObserver that writes a TaskRun row per
// task execution
type taskRunRecorder struct {
	db     DBI
	logger *slog.Logger
}

func newTaskRunRecorder(db DBI, logger *slog.Logger) *taskRunRecorder {
	return &taskRunRecorder{db: db, logger: logger.With(loggerNameKey, "task_runs")}
}

func (r *taskRunRecorder) ObserveTask(
	ctx context.Context,
	task TaskInfo,
	started time.Time,
	finished time.Time,
	err error,
) {
	run := &TaskRun{
		TaskID:     task.ID,
		TaskGroup:  task.Group,
		EntityID:   task.EntityID,
		Label:      task.Label,
		FireAt:     task.FireAt.UnixMilli(),
		StartedAt:  started.UnixMilli(),
		FinishedAt: finished.UnixMilli(),
	}
	if err != nil {
		run.Error = err.Error()
	}
	// the task context may already be canceled during shutdown
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()
	if _, createErr := r.db.Create(writeCtx, run); createErr != nil {
		r.logger.ErrorContext(ctx, "error recording task run", "task", task, tint.Err(createErr))
	}
}

// recentTaskRuns returns the most recent task runs, newest first,
// optionally filtered by group and entity
func recentTaskRuns(
	ctx context.Context,
	db *gorm.DB,
	group string,
	entityID string,
	limit int,
) ([]TaskRun, error) {
	q := db.WithContext(ctx).Model(&TaskRun{})
	if group != "" {
		q = q.Where(columnTaskRunGroup+" = ?", group)
	}
	if entityID != "" {
		q = q.Where(columnTaskRunEntityID+" = ?", entityID)
	}
	var runs []TaskRun
	err := q.Order(columnTaskRunStartedAt + " desc").Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}
