package integrationtests

import (
	"context"
	"testing"
	"time"

	"nextclade-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresMigrationsAndRunLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	uri := setupPostgresContainer(t, ctx)

	db, err := database.NewDatabase(uri)
	require.NoError(t, err)

	runId := uuid.New()
	now := time.Now().UTC()

	run := database.Run{
		Id:           runId,
		RunName:      "pg-run",
		Dataset:      "sars-cov-2",
		Status:       database.JobQueued,
		CreationTime: now,
		Samples: []database.Sample{
			{RunId: runId, Name: "s1", FastaKey: "u1/s1.fasta", SequenceCount: 2},
		},
		DatasetFetchTask:  &database.DatasetFetchTask{RunId: runId, Status: database.JobQueued, CreationTime: now},
		PrepareInputsTask: &database.PrepareInputsTask{RunId: runId, Status: database.JobQueued, CreationTime: now},
	}
	require.NoError(t, db.Create(&run).Error)

	require.NoError(t, database.UpdateRunStatus(ctx, db, runId, database.JobRunning))
	require.NoError(t, database.UpdateDatasetFetchTaskStatus(ctx, db, runId, database.JobCompleted))

	database.SaveRunError(ctx, db, runId, "Message: something went wrong")

	var loaded database.Run
	require.NoError(t, db.Preload("Samples").Preload("DatasetFetchTask").Preload("Errors").First(&loaded, "id = ?", runId).Error)
	assert.Equal(t, database.JobRunning, loaded.Status)
	assert.Equal(t, database.JobCompleted, loaded.DatasetFetchTask.Status)
	assert.True(t, loaded.DatasetFetchTask.CompletionTime.Valid)
	assert.Len(t, loaded.Samples, 1)
	require.Len(t, loaded.Errors, 1)
	assert.Equal(t, "Message: something went wrong", loaded.Errors[0].Error)

	// Migrator should be a no-op on an already migrated database.
	require.NoError(t, database.GetMigrator(db).Migrate())
}
