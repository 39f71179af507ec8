package eventbot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestDB opens a migrated sqlite database in a temp dir
func newTestDB(t testing.TB) (*gorm.DB, DBI) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.DatabaseType = dbTypeSQLite

	db, err := openDatabase(context.Background(), cfg, newLogHandler(os.Stdout, cfg.DatabaseLogLevel))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, dbErr := db.DB()
			if dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db, NewDatabase(db, testLogger(t), false)
}

func TestGetDB_UnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := getDB("mysql", "whatever", newGORMLogger(newLogHandler(os.Stdout, DefaultDatabaseLogLevel), time.Second))
	assert.Error(t, err)
}

func TestCreateDB(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "dir", "bot.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, path)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	assert.FileExists(t, path)
	for _, model := range []any{&RuntimeConfig{}, &ForumPost{}, &TaskRun{}} {
		assert.True(t, db.Migrator().HasTable(model))
	}
}

func TestLoadRuntimeConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, writeDB := newTestDB(t)

	cfg, err := loadRuntimeConfig(ctx, db, writeDB)
	require.NoError(t, err)
	assert.NotZero(t, cfg.ID)
	assert.True(t, cfg.pendingSetup())

	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	_, err = writeDB.Updates(
		ctx,
		&cfg,
		map[string]any{
			columnRuntimeConfigAdminUsername: "admin",
			columnRuntimeConfigAdminPassword: hash,
		},
	)
	require.NoError(t, err)

	again, err := loadRuntimeConfig(ctx, db, writeDB)
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, again.ID)
	assert.Equal(t, "admin", again.AdminUsername)
	assert.False(t, again.pendingSetup())

	var count int64
	require.NoError(t, db.Model(&RuntimeConfig{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDatabase_UpsertForumPost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, writeDB := newTestDB(t)

	post := ForumPost{
		EventID:      "100",
		ThreadID:     "200",
		GuildID:      "1",
		Name:         "Potluck",
		Participants: []Subject{{ID: "10", Name: "alice"}},
	}
	_, err := writeDB.Upsert(ctx, &post)
	require.NoError(t, err)

	post.ThreadID = "201"
	post.Participants = nil
	_, err = writeDB.Upsert(ctx, &post)
	require.NoError(t, err)

	var got []ForumPost
	require.NoError(t, db.Find(&got).Error)
	require.Len(t, got, 1)
	assert.Equal(t, "201", got[0].ThreadID)
	assert.Empty(t, got[0].Participants)
	assert.False(t, got[0].Archived)
}

func TestDatabase_SerializesWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, writeDB := newTestDB(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := writeDB.Create(ctx, &TaskRun{TaskGroup: taskGroupReminder, EntityID: "100"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.Model(&TaskRun{}).Count(&count).Error)
	assert.Equal(t, int64(20), count)
}

func TestDatabase_Transaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, writeDB := newTestDB(t)

	err := writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Create(&TaskRun{TaskGroup: taskGroupArchive, EntityID: "1"}).Error; err != nil {
				return err
			}
			return errors.New("roll it back")
		},
	)
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&TaskRun{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTaskRunRecorder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, writeDB := newTestDB(t)
	rec := newTaskRunRecorder(writeDB, testLogger(t))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec.ObserveTask(
		ctx,
		TaskInfo{ID: "a", Group: taskGroupArchive, EntityID: "100", Label: "archive", FireAt: base},
		base,
		base.Add(time.Second),
		nil,
	)
	rec.ObserveTask(
		ctx,
		TaskInfo{ID: "b", Group: taskGroupReminder, EntityID: "100", Label: "1h", FireAt: base},
		base.Add(time.Minute),
		base.Add(time.Minute+time.Second),
		errors.New("send failed"),
	)
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	rec.ObserveTask(
		canceled,
		TaskInfo{ID: "c", Group: taskGroupReminder, EntityID: "101", Label: "10m", FireAt: base},
		base.Add(2*time.Minute),
		base.Add(2*time.Minute),
		nil,
	)

	runs, err := recentTaskRuns(ctx, db, "", "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].TaskID, "newest first, recorded even after cancellation")
	assert.Equal(t, "b", runs[1].TaskID)
	assert.Equal(t, "send failed", runs[1].Error)
	assert.Equal(t, base.UnixMilli(), runs[2].FireAt)

	runs, err = recentTaskRuns(ctx, db, taskGroupReminder, "100", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "b", runs[0].TaskID)

	runs, err = recentTaskRuns(ctx, db, "", "", 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
