package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"nextclade-backend/internal/database"
	"nextclade-backend/internal/messaging"
	"nextclade-backend/internal/nextclade"
	"nextclade-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testUploadBucket  = "uploads"
	testDatasetBucket = "datasets"
	testResultBucket  = "results"
)

// fakeBinary writes a shell script standing in for the nextclade binary.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary tests require a posix shell")
	}
	path := filepath.Join(t.TempDir(), "nextclade")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

// wellBehavedScript emulates both subcommands: `dataset get` writes a dataset
// into --output-dir ($6), `run` writes results into --output-all ($5).
const wellBehavedScript = `if [ "$1" = "dataset" ]; then
  mkdir -p "$6"
  echo "reference" > "$6/reference.fasta"
  echo "fetched dataset $4"
  exit 0
fi
mkdir -p "$5"
echo "seqName	clade" > "$5/nextclade.tsv"
echo "analyzed $6"
exit 0`

func setupPipeline(t *testing.T, script string) (*TaskProcessor, *gorm.DB, *storage.LocalObjectStore, *messaging.InMemoryQueue) {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for _, bucket := range []string{testUploadBucket, testDatasetBucket, testResultBucket} {
		require.NoError(t, store.CreateBucket(ctx, bucket))
	}

	queue := messaging.NewInMemoryQueue()

	runner := nextclade.NewRunner(fakeBinary(t, script))

	proc := NewTaskProcessor(db, store, queue, queue, runner, t.TempDir(), testUploadBucket, testDatasetBucket, testResultBucket)

	return proc, db, store, queue
}

func seedRun(t *testing.T, db *gorm.DB, store storage.ObjectStore, sampleNames ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	runId := uuid.New()
	now := time.Now().UTC()

	samples := make([]database.Sample, 0, len(sampleNames))
	for _, name := range sampleNames {
		key := fmt.Sprintf("%s/%s.fasta", runId, name)
		content := []byte(fmt.Sprintf(">%s_seq1\nACGTACGT\n", name))
		require.NoError(t, store.PutObject(ctx, testUploadBucket, key, bytes.NewReader(content)))

		samples = append(samples, database.Sample{
			RunId:         runId,
			Name:          name,
			FastaKey:      key,
			Size:          int64(len(content)),
			SequenceCount: 1,
		})
	}

	run := database.Run{
		Id:                runId,
		RunName:           "test-run",
		Dataset:           nextclade.DatasetSarsCov2.String(),
		Status:            database.JobQueued,
		CreationTime:      now,
		Samples:           samples,
		DatasetFetchTask:  &database.DatasetFetchTask{RunId: runId, Status: database.JobQueued, CreationTime: now},
		PrepareInputsTask: &database.PrepareInputsTask{RunId: runId, Status: database.JobQueued, CreationTime: now},
	}
	require.NoError(t, db.Create(&run).Error)

	return runId
}

// drainUntilTerminal runs the processor until the run reaches a terminal
// status, then shuts the queue down.
func drainUntilTerminal(t *testing.T, proc *TaskProcessor, db *gorm.DB, queue *messaging.InMemoryQueue, runId uuid.UUID) database.Run {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		proc.Start()
	}()

	var run database.Run
	require.Eventually(t, func() bool {
		if err := db.First(&run, "id = ?", runId).Error; err != nil {
			return false
		}
		return run.Status == database.JobCompleted || run.Status == database.JobFailed
	}, 30*time.Second, 50*time.Millisecond)

	queue.Close()
	<-done

	return run
}

func TestPipelineEndToEnd(t *testing.T) {
	proc, db, store, queue := setupPipeline(t, wellBehavedScript)
	runId := seedRun(t, db, store, "sample_a", "sample_b")

	ctx := context.Background()
	require.NoError(t, queue.PublishDatasetFetchTask(ctx, messaging.DatasetFetchPayload{RunId: runId}))

	run := drainUntilTerminal(t, proc, db, queue, runId)

	assert.Equal(t, database.JobCompleted, run.Status)
	assert.Equal(t, 2, run.TotalSampleCount)
	assert.Equal(t, 2, run.SucceededSampleCount)
	assert.Equal(t, 0, run.FailedSampleCount)
	assert.True(t, run.CompletionTime.Valid)

	var fetchTask database.DatasetFetchTask
	require.NoError(t, db.First(&fetchTask, "run_id = ?", runId).Error)
	assert.Equal(t, database.JobCompleted, fetchTask.Status)
	assert.Equal(t, "sars-cov-2", fetchTask.DatasetPrefix)

	var prepareTask database.PrepareInputsTask
	require.NoError(t, db.First(&prepareTask, "run_id = ?", runId).Error)
	assert.Equal(t, database.JobCompleted, prepareTask.Status)

	var analysisTasks []database.AnalysisTask
	require.NoError(t, db.Order("task_id").Find(&analysisTasks, "run_id = ?", runId).Error)
	require.Len(t, analysisTasks, 2)
	for _, task := range analysisTasks {
		assert.Equal(t, database.JobCompleted, task.Status)
		assert.Equal(t, 1, task.Attempts)
		assert.Equal(t, fmt.Sprintf("%s/%s", runId, task.SampleName), task.ResultPrefix)

		exists, err := store.ObjectsExist(ctx, testResultBucket, task.ResultPrefix)
		require.NoError(t, err)
		assert.True(t, exists, "results for %s should be uploaded", task.SampleName)
	}

	exists, err := store.ObjectsExist(ctx, testDatasetBucket, "sars-cov-2")
	require.NoError(t, err)
	assert.True(t, exists, "fetched dataset should be staged for reuse")
}

func TestPipelineSkipsFetchWhenDatasetStaged(t *testing.T) {
	// The fake binary refuses `dataset get`, so the run only succeeds if the
	// staged copy is used.
	script := `if [ "$1" = "dataset" ]; then
  echo "dataset get should not be called"
  exit 1
fi
mkdir -p "$5"
echo "result" > "$5/nextclade.tsv"
exit 0`

	proc, db, store, queue := setupPipeline(t, script)

	ctx := context.Background()
	require.NoError(t, store.PutObject(ctx, testDatasetBucket, "sars-cov-2/reference.fasta", bytes.NewReader([]byte("ref"))))

	runId := seedRun(t, db, store, "sample_a")
	require.NoError(t, queue.PublishDatasetFetchTask(ctx, messaging.DatasetFetchPayload{RunId: runId}))

	run := drainUntilTerminal(t, proc, db, queue, runId)
	assert.Equal(t, database.JobCompleted, run.Status)
}

func TestPipelineDatasetFetchFailureFailsRun(t *testing.T) {
	script := `if [ "$1" = "dataset" ]; then
  echo "Message: dataset server unreachable"
  exit 1
fi
exit 0`

	proc, db, store, queue := setupPipeline(t, script)
	runId := seedRun(t, db, store, "sample_a")

	require.NoError(t, queue.PublishDatasetFetchTask(context.Background(), messaging.DatasetFetchPayload{RunId: runId}))

	run := drainUntilTerminal(t, proc, db, queue, runId)
	assert.Equal(t, database.JobFailed, run.Status)

	var fetchTask database.DatasetFetchTask
	require.NoError(t, db.First(&fetchTask, "run_id = ?", runId).Error)
	assert.Equal(t, database.JobFailed, fetchTask.Status)

	var runErrors []database.RunError
	require.NoError(t, db.Find(&runErrors, "run_id = ?", runId).Error)
	require.NotEmpty(t, runErrors)
	assert.Equal(t, "Message: dataset server unreachable", runErrors[0].Error)
}

func TestPipelineRetriesTransientAnalysisFailure(t *testing.T) {
	// The script fails the first `run` invocation and succeeds afterwards,
	// using a counter file to track invocations.
	counterFile := filepath.Join(t.TempDir(), "invocations")
	script := fmt.Sprintf(`if [ "$1" = "dataset" ]; then
  mkdir -p "$6"
  echo "reference" > "$6/reference.fasta"
  exit 0
fi
count=0
[ -f %q ] && count=$(cat %q)
count=$((count+1))
echo "$count" > %q
if [ "$count" -lt 2 ]; then
  echo "Message: transient alignment failure"
  exit 1
fi
mkdir -p "$5"
echo "result" > "$5/nextclade.tsv"
exit 0`, counterFile, counterFile, counterFile)

	proc, db, store, queue := setupPipeline(t, script)
	runId := seedRun(t, db, store, "sample_a")

	require.NoError(t, queue.PublishDatasetFetchTask(context.Background(), messaging.DatasetFetchPayload{RunId: runId}))

	run := drainUntilTerminal(t, proc, db, queue, runId)
	assert.Equal(t, database.JobCompleted, run.Status)
	assert.Equal(t, 1, run.SucceededSampleCount)

	var task database.AnalysisTask
	require.NoError(t, db.First(&task, "run_id = ? AND task_id = ?", runId, 0).Error)
	assert.Equal(t, database.JobCompleted, task.Status)
	assert.Equal(t, 2, task.Attempts)

	var runErrors []database.RunError
	require.NoError(t, db.Find(&runErrors, "run_id = ?", runId).Error)
	require.Len(t, runErrors, 1)
	assert.Equal(t, "Message: transient alignment failure", runErrors[0].Error)
}

func TestPipelineExhaustsRetriesAndFailsRun(t *testing.T) {
	script := `if [ "$1" = "dataset" ]; then
  mkdir -p "$6"
  echo "reference" > "$6/reference.fasta"
  exit 0
fi
echo "Message: unable to align sequence"
exit 1`

	proc, db, store, queue := setupPipeline(t, script)
	runId := seedRun(t, db, store, "sample_a", "sample_b")

	require.NoError(t, queue.PublishDatasetFetchTask(context.Background(), messaging.DatasetFetchPayload{RunId: runId}))

	run := drainUntilTerminal(t, proc, db, queue, runId)
	assert.Equal(t, database.JobFailed, run.Status)
	assert.Equal(t, 0, run.SucceededSampleCount)
	assert.Equal(t, 2, run.FailedSampleCount)

	var tasks []database.AnalysisTask
	require.NoError(t, db.Find(&tasks, "run_id = ?", runId).Error)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, database.JobFailed, task.Status)
		assert.Equal(t, MaxAttempts, task.Attempts)
	}

	// One error row per failed attempt per sample.
	var runErrors []database.RunError
	require.NoError(t, db.Find(&runErrors, "run_id = ?", runId).Error)
	assert.Len(t, runErrors, 2*MaxAttempts)
}

func TestPipelineIgnoresRedeliveredTerminalTask(t *testing.T) {
	proc, db, store, queue := setupPipeline(t, wellBehavedScript)
	runId := seedRun(t, db, store, "sample_a")

	require.NoError(t, queue.PublishDatasetFetchTask(context.Background(), messaging.DatasetFetchPayload{RunId: runId}))

	run := drainUntilTerminal(t, proc, db, queue, runId)
	require.Equal(t, database.JobCompleted, run.Status)
	require.Equal(t, 1, run.SucceededSampleCount)

	// A worker crashing between finishing a task and acking its message gets
	// the message redelivered; the completed task must not run again.
	require.NoError(t, proc.processAnalysisTask(context.Background(), messaging.AnalysisTaskPayload{RunId: runId, TaskId: 0}))

	require.NoError(t, db.First(&run, "id = ?", runId).Error)
	assert.Equal(t, 1, run.SucceededSampleCount)
	assert.Equal(t, 0, run.FailedSampleCount)

	var task database.AnalysisTask
	require.NoError(t, db.First(&task, "run_id = ? AND task_id = ?", runId, 0).Error)
	assert.Equal(t, database.JobCompleted, task.Status)
	assert.Equal(t, 1, task.Attempts)
}

func TestPipelineSkipsStoppedRun(t *testing.T) {
	proc, db, store, queue := setupPipeline(t, wellBehavedScript)
	runId := seedRun(t, db, store, "sample_a")

	require.NoError(t, db.Model(&database.Run{Id: runId}).Update("stopped", true).Error)

	ctx := context.Background()
	require.NoError(t, queue.PublishDatasetFetchTask(ctx, messaging.DatasetFetchPayload{RunId: runId}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		proc.Start()
	}()

	// Give the processor a moment to consume the task, then verify that
	// nothing advanced.
	time.Sleep(500 * time.Millisecond)
	queue.Close()
	<-done

	var fetchTask database.DatasetFetchTask
	require.NoError(t, db.First(&fetchTask, "run_id = ?", runId).Error)
	assert.Equal(t, database.JobQueued, fetchTask.Status)
}

func TestPipelineEmptyRunCompletes(t *testing.T) {
	proc, db, store, queue := setupPipeline(t, wellBehavedScript)
	runId := seedRun(t, db, store)

	require.NoError(t, queue.PublishDatasetFetchTask(context.Background(), messaging.DatasetFetchPayload{RunId: runId}))

	run := drainUntilTerminal(t, proc, db, queue, runId)
	assert.Equal(t, database.JobCompleted, run.Status)
	assert.Equal(t, 0, run.TotalSampleCount)
}
