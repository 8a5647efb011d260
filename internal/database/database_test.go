package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()

	run := Run{
		Id:           uuid.New(),
		RunName:      "batch-1",
		Dataset:      "sars-cov-2",
		Status:       JobQueued,
		CreationTime: time.Now().UTC(),
		Samples: []Sample{
			{Name: "cluster_cov", FastaKey: "uploads/a.fasta", SequenceCount: 3},
			{Name: "sars_sequences", FastaKey: "uploads/b.fasta", SequenceCount: 1},
		},
		DatasetFetchTask:  &DatasetFetchTask{Status: JobQueued, CreationTime: time.Now().UTC()},
		PrepareInputsTask: &PrepareInputsTask{Status: JobQueued, CreationTime: time.Now().UTC()},
	}
	require.NoError(t, db.Create(&run).Error)

	require.NoError(t, UpdateDatasetFetchTaskStatus(ctx, db, run.Id, JobCompleted))

	var fetch DatasetFetchTask
	require.NoError(t, db.First(&fetch, "run_id = ?", run.Id).Error)
	assert.Equal(t, JobCompleted, fetch.Status)
	assert.True(t, fetch.CompletionTime.Valid)

	task := AnalysisTask{
		RunId:        run.Id,
		TaskId:       0,
		SampleName:   "cluster_cov",
		Status:       JobQueued,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&task).Error)

	require.NoError(t, UpdateAnalysisTaskStatus(ctx, db, run.Id, 0, JobFailed))

	var stored AnalysisTask
	require.NoError(t, db.First(&stored, "run_id = ? AND task_id = ?", run.Id, 0).Error)
	assert.Equal(t, JobFailed, stored.Status)
	assert.True(t, stored.CompletionTime.Valid)

	require.NoError(t, UpdateRunStatus(ctx, db, run.Id, JobFailed))

	var storedRun Run
	require.NoError(t, db.Preload("Samples").First(&storedRun, "id = ?", run.Id).Error)
	assert.Equal(t, JobFailed, storedRun.Status)
	assert.Len(t, storedRun.Samples, 2)
}

func TestSaveRunError(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()

	run := Run{Id: uuid.New(), RunName: "r", Dataset: "MPXV", Status: JobRunning, CreationTime: time.Now().UTC()}
	require.NoError(t, db.Create(&run).Error)

	SaveRunError(ctx, db, run.Id, "Message: unable to align sequence")
	SaveRunError(ctx, db, run.Id, "Message: sequence too short")

	var errors []RunError
	require.NoError(t, db.Where("run_id = ?", run.Id).Find(&errors).Error)
	assert.Len(t, errors, 2)
}

func TestMigratorIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := NewDatabase(path)
	require.NoError(t, err)
	require.NoError(t, GetMigrator(db).Migrate())

	// Re-opening runs the migrator again against an already migrated schema.
	_, err = NewDatabase(path)
	require.NoError(t, err)
}
