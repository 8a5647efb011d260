// Package pipeline executes the three pipeline stages: fetching the reference
// dataset, fanning out per-sample inputs, and running the analysis tool over
// each sample.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"nextclade-backend/internal/database"
	"nextclade-backend/internal/messaging"
	"nextclade-backend/internal/nextclade"
	"nextclade-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MaxAttempts bounds how often a failed analysis task is re-queued before it
// is marked failed.
const MaxAttempts = 3

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	receiver  messaging.Receiver
	runner    *nextclade.Runner

	workDir       string
	uploadBucket  string
	datasetBucket string
	resultBucket  string
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, receiver messaging.Receiver, runner *nextclade.Runner, workDir, uploadBucket, datasetBucket, resultBucket string) *TaskProcessor {
	return &TaskProcessor{
		db:            db,
		storage:       store,
		publisher:     publisher,
		receiver:      receiver,
		runner:        runner,
		workDir:       workDir,
		uploadBucket:  uploadBucket,
		datasetBucket: datasetBucket,
		resultBucket:  resultBucket,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.receiver.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.receiver.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.DatasetFetchQueue:
		var payload messaging.DatasetFetchPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling dataset fetch task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processDatasetFetchTask(ctx, payload)

	case messaging.PrepareInputsQueue:
		var payload messaging.PrepareInputsPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling prepare inputs task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processPrepareInputsTask(ctx, payload)

	case messaging.AnalysisQueue:
		var payload messaging.AnalysisTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling analysis task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processAnalysisTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// datasetDir is the shared local cache for fetched datasets. Datasets are
// immutable per name, so concurrent runs can reuse them.
func (proc *TaskProcessor) datasetDir(dataset string) string {
	return filepath.Join(proc.workDir, "datasets", dataset)
}

func (proc *TaskProcessor) processDatasetFetchTask(ctx context.Context, payload messaging.DatasetFetchPayload) error {
	runId := payload.RunId

	slog.Info("processing dataset fetch task", "run_id", runId)

	var task database.DatasetFetchTask
	if err := proc.db.Preload("Run").First(&task, "run_id = ?", runId).Error; err != nil {
		slog.Error("error fetching dataset fetch task", "run_id", runId, "error", err)
		return fmt.Errorf("error getting dataset fetch task: %w", err)
	}

	if task.Run.Stopped || task.Run.Deleted {
		slog.Info("run stopped, skipping dataset fetch task", "run_id", runId)
		return nil
	}

	database.UpdateDatasetFetchTaskStatus(ctx, proc.db, runId, database.JobRunning) //nolint:errcheck
	database.UpdateRunStatus(ctx, proc.db, runId, database.JobRunning)              //nolint:errcheck

	dataset, err := nextclade.ParseDataset(task.Run.Dataset)
	if err != nil {
		proc.failDatasetFetch(ctx, runId, err.Error())
		return err
	}

	exists, err := proc.storage.ObjectsExist(ctx, proc.datasetBucket, dataset.String())
	if err != nil {
		proc.failDatasetFetch(ctx, runId, fmt.Sprintf("error checking dataset cache: %s", err))
		return fmt.Errorf("error checking dataset cache: %w", err)
	}

	if exists {
		slog.Info("dataset already staged, skipping fetch", "run_id", runId, "dataset", dataset)
	} else {
		fetchDir, err := os.MkdirTemp(proc.workDir, "dataset-fetch-*")
		if err != nil {
			proc.failDatasetFetch(ctx, runId, fmt.Sprintf("error creating fetch directory: %s", err))
			return fmt.Errorf("error creating fetch directory: %w", err)
		}
		defer os.RemoveAll(fetchDir)

		if _, err := proc.runner.FetchDataset(ctx, dataset, fetchDir); err != nil {
			proc.recordToolFailure(ctx, runId, err)
			proc.failDatasetFetch(ctx, runId, fmt.Sprintf("dataset fetch failed: %s", err))
			return fmt.Errorf("dataset fetch failed: %w", err)
		}

		if err := proc.storage.UploadDir(ctx, proc.datasetBucket, dataset.String(), fetchDir); err != nil {
			proc.failDatasetFetch(ctx, runId, fmt.Sprintf("error staging dataset: %s", err))
			return fmt.Errorf("error staging dataset: %w", err)
		}

		slog.Info("dataset fetched and staged", "run_id", runId, "dataset", dataset)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.DatasetFetchTask{RunId: runId}).
		Update("dataset_prefix", dataset.String()).Error; err != nil {
		slog.Error("error recording dataset prefix", "run_id", runId, "error", err)
	}

	if err := database.UpdateDatasetFetchTaskStatus(ctx, proc.db, runId, database.JobCompleted); err != nil {
		return fmt.Errorf("error updating dataset fetch task status: %w", err)
	}

	if err := proc.publisher.PublishPrepareInputsTask(ctx, messaging.PrepareInputsPayload{RunId: runId}); err != nil {
		proc.failRun(ctx, runId, fmt.Sprintf("failed to queue prepare inputs task: %s", err))
		return fmt.Errorf("failed to publish prepare inputs task: %w", err)
	}

	return nil
}

func (proc *TaskProcessor) processPrepareInputsTask(ctx context.Context, payload messaging.PrepareInputsPayload) error {
	runId := payload.RunId

	slog.Info("processing prepare inputs task", "run_id", runId)

	var task database.PrepareInputsTask
	if err := proc.db.Preload("Run").Preload("Run.Samples").First(&task, "run_id = ?", runId).Error; err != nil {
		slog.Error("error fetching prepare inputs task", "run_id", runId, "error", err)
		return fmt.Errorf("error getting prepare inputs task: %w", err)
	}

	if task.Run.Stopped || task.Run.Deleted {
		slog.Info("run stopped, skipping prepare inputs task", "run_id", runId)
		return nil
	}

	database.UpdatePrepareInputsTaskStatus(ctx, proc.db, runId, database.JobRunning) //nolint:errcheck

	for i, sample := range task.Run.Samples {
		analysisTask := database.AnalysisTask{
			RunId:        runId,
			TaskId:       i,
			SampleName:   sample.Name,
			Status:       database.JobQueued,
			CreationTime: time.Now().UTC(),
		}

		if err := proc.db.WithContext(ctx).Create(&analysisTask).Error; err != nil {
			slog.Error("error saving analysis task to db", "run_id", runId, "task_id", i, "error", err)
			database.UpdatePrepareInputsTaskStatus(ctx, proc.db, runId, database.JobFailed) //nolint:errcheck
			proc.failRun(ctx, runId, fmt.Sprintf("error creating analysis task for sample %s: %s", sample.Name, err))
			return fmt.Errorf("error saving analysis task to db: %w", err)
		}

		if err := proc.publisher.PublishAnalysisTask(ctx, messaging.AnalysisTaskPayload{RunId: runId, TaskId: i}); err != nil {
			slog.Error("failed to publish analysis task", "run_id", runId, "task_id", i, "error", err)
			database.UpdatePrepareInputsTaskStatus(ctx, proc.db, runId, database.JobFailed) //nolint:errcheck
			proc.failRun(ctx, runId, fmt.Sprintf("failed to queue analysis task for sample %s: %s", sample.Name, err))
			return fmt.Errorf("failed to publish analysis task %d: %w", i, err)
		}

		slog.Info("created analysis task", "run_id", runId, "task_id", i, "sample", sample.Name)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.Run{}).
		Where("id = ?", runId).
		UpdateColumn("total_sample_count", len(task.Run.Samples)).Error; err != nil {
		slog.Warn("failed to update total_sample_count", "run_id", runId, "error", err)
	}

	if err := database.UpdatePrepareInputsTaskStatus(ctx, proc.db, runId, database.JobCompleted); err != nil {
		return fmt.Errorf("failed to update prepare inputs task status: %w", err)
	}

	if len(task.Run.Samples) == 0 {
		slog.Info("run has no samples, completing", "run_id", runId)
		if err := database.UpdateRunStatus(ctx, proc.db, runId, database.JobCompleted); err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}
	}

	slog.Info("finished fanning out analysis tasks", "run_id", runId, "n_tasks", len(task.Run.Samples))

	return nil
}

func (proc *TaskProcessor) processAnalysisTask(ctx context.Context, payload messaging.AnalysisTaskPayload) error {
	runId := payload.RunId
	taskId := payload.TaskId

	slog.Info("processing analysis task", "run_id", runId, "task_id", taskId)

	var task database.AnalysisTask
	if err := proc.db.Preload("Run").First(&task, "run_id = ? AND task_id = ?", runId, taskId).Error; err != nil {
		slog.Error("error fetching analysis task", "run_id", runId, "task_id", taskId, "error", err)
		return fmt.Errorf("error getting analysis task: %w", err)
	}

	if task.Run.Stopped || task.Run.Deleted {
		slog.Info("run stopped, skipping analysis task", "run_id", runId, "task_id", taskId)
		return nil
	}

	// A redelivered message (worker crash between finishing and acking) must
	// not re-run a terminal task or double-count its sample.
	if task.Status == database.JobCompleted || task.Status == database.JobFailed {
		slog.Info("analysis task already terminal, ignoring redelivery", "run_id", runId, "task_id", taskId, "status", task.Status)
		return nil
	}

	attempt := task.Attempts + 1
	if err := proc.db.WithContext(ctx).
		Model(&database.AnalysisTask{}).
		Where("run_id = ? AND task_id = ?", runId, taskId).
		Updates(map[string]interface{}{
			"status":     database.JobRunning,
			"attempts":   attempt,
			"start_time": time.Now().UTC(),
		}).Error; err != nil {
		slog.Error("error marking analysis task as running", "error", err)
	}

	resultPrefix, workerErr := proc.runAnalysis(ctx, task)

	if workerErr != nil {
		slog.Error("error running analysis task", "run_id", runId, "task_id", taskId, "attempt", attempt, "error", workerErr)
		proc.recordToolFailure(ctx, runId, workerErr)

		if attempt < MaxAttempts {
			slog.Info("re-queueing failed analysis task", "run_id", runId, "task_id", taskId, "attempt", attempt)
			database.UpdateAnalysisTaskStatus(ctx, proc.db, runId, taskId, database.JobQueued) //nolint:errcheck
			if err := proc.publisher.PublishAnalysisTask(ctx, payload); err != nil {
				slog.Error("failed to re-queue analysis task", "run_id", runId, "task_id", taskId, "error", err)
				return fmt.Errorf("failed to re-queue analysis task: %w", err)
			}
			return nil
		}

		database.UpdateAnalysisTaskStatus(ctx, proc.db, runId, taskId, database.JobFailed) //nolint:errcheck
		if err := proc.updateSampleCount(runId, false); err != nil {
			return err
		}
		proc.finalizeRun(ctx, runId)
		return fmt.Errorf("analysis task failed after %d attempts: %w", attempt, workerErr)
	}

	if err := proc.db.WithContext(ctx).
		Model(&database.AnalysisTask{}).
		Where("run_id = ? AND task_id = ?", runId, taskId).
		Update("result_prefix", resultPrefix).Error; err != nil {
		slog.Error("error recording result prefix", "run_id", runId, "task_id", taskId, "error", err)
	}

	if err := database.UpdateAnalysisTaskStatus(ctx, proc.db, runId, taskId, database.JobCompleted); err != nil {
		return fmt.Errorf("error updating analysis task status to complete: %w", err)
	}

	if err := proc.updateSampleCount(runId, true); err != nil {
		return err
	}

	proc.finalizeRun(ctx, runId)

	slog.Info("analysis task completed successfully", "run_id", runId, "task_id", taskId)

	return nil
}

// runAnalysis stages the dataset and the sample FASTA locally, invokes the
// tool, and uploads the output directory. Returns the result prefix.
func (proc *TaskProcessor) runAnalysis(ctx context.Context, task database.AnalysisTask) (string, error) {
	var sample database.Sample
	if err := proc.db.WithContext(ctx).First(&sample, "run_id = ? AND name = ?", task.RunId, task.SampleName).Error; err != nil {
		return "", fmt.Errorf("error getting sample %s: %w", task.SampleName, err)
	}

	datasetDir := proc.datasetDir(task.Run.Dataset)
	if _, err := os.Stat(datasetDir); os.IsNotExist(err) {
		slog.Info("dataset not found locally, downloading", "dataset", task.Run.Dataset)

		if err := proc.storage.DownloadDir(ctx, proc.datasetBucket, task.Run.Dataset, datasetDir, false); err != nil {
			return "", fmt.Errorf("failed to download dataset: %w", err)
		}
	}

	taskDir, err := os.MkdirTemp(proc.workDir, fmt.Sprintf("analysis-%s-*", task.SampleName))
	if err != nil {
		return "", fmt.Errorf("failed to create task dir: %w", err)
	}
	defer os.RemoveAll(taskDir)

	fastaPath := filepath.Join(taskDir, task.SampleName+".fasta")
	if err := proc.storage.DownloadObject(ctx, proc.uploadBucket, sample.FastaKey, fastaPath); err != nil {
		return "", fmt.Errorf("failed to download sample fasta: %w", err)
	}

	outputDir := filepath.Join(taskDir, "output")

	if _, err := proc.runner.Run(ctx, datasetDir, fastaPath, outputDir); err != nil {
		return "", err
	}

	resultPrefix := fmt.Sprintf("%s/%s", task.RunId, task.SampleName)
	if err := proc.storage.UploadDir(ctx, proc.resultBucket, resultPrefix, outputDir); err != nil {
		return "", fmt.Errorf("failed to upload results: %w", err)
	}

	return resultPrefix, nil
}

func (proc *TaskProcessor) updateSampleCount(runId uuid.UUID, success bool) error {
	var column string
	if success {
		column = "succeeded_sample_count"
	} else {
		column = "failed_sample_count"
	}

	if err := proc.db.
		Model(&database.Run{}).
		Where("id = ?", runId).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).
		Error; err != nil {
		slog.Error("could not increment sample count", "run_id", runId, "column", column, "error", err)
		return fmt.Errorf("could not increment sample count: %w", err)
	}

	return nil
}

// finalizeRun marks the run terminal once every analysis task has reached a
// terminal state.
func (proc *TaskProcessor) finalizeRun(ctx context.Context, runId uuid.UUID) {
	var run database.Run
	if err := proc.db.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		slog.Error("error loading run for finalization", "run_id", runId, "error", err)
		return
	}

	if run.TotalSampleCount == 0 || run.Status == database.JobCompleted || run.Status == database.JobFailed {
		return
	}

	if run.SucceededSampleCount+run.FailedSampleCount < run.TotalSampleCount {
		return
	}

	finalStatus := database.JobCompleted
	if run.FailedSampleCount > 0 {
		finalStatus = database.JobFailed
	}

	if err := database.UpdateRunStatus(ctx, proc.db, runId, finalStatus); err != nil {
		slog.Error("error updating run final status", "run_id", runId, "status", finalStatus, "error", err)
		return
	}

	slog.Info("run finished", "run_id", runId, "status", finalStatus, "succeeded", run.SucceededSampleCount, "failed", run.FailedSampleCount)
}

// recordToolFailure stores the error lines scraped from the tool output, or
// the raw error when the failure happened outside the tool.
func (proc *TaskProcessor) recordToolFailure(ctx context.Context, runId uuid.UUID, err error) {
	var toolErr *nextclade.ToolError
	if errors.As(err, &toolErr) && len(toolErr.Messages) > 0 {
		for _, msg := range toolErr.Messages {
			database.SaveRunError(ctx, proc.db, runId, msg)
		}
		return
	}
	database.SaveRunError(ctx, proc.db, runId, err.Error())
}

func (proc *TaskProcessor) failDatasetFetch(ctx context.Context, runId uuid.UUID, message string) {
	database.UpdateDatasetFetchTaskStatus(ctx, proc.db, runId, database.JobFailed) //nolint:errcheck
	proc.failRun(ctx, runId, message)
}

func (proc *TaskProcessor) failRun(ctx context.Context, runId uuid.UUID, message string) {
	database.SaveRunError(ctx, proc.db, runId, message)
	database.UpdateRunStatus(ctx, proc.db, runId, database.JobFailed) //nolint:errcheck
}
