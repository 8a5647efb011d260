package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func terminalUpdates(status string) map[string]any {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}
	return updates
}

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&Run{Id: runId}).Updates(terminalUpdates(status)).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateDatasetFetchTaskStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&DatasetFetchTask{RunId: runId}).Updates(terminalUpdates(status)).Error; err != nil {
		slog.Error("error updating dataset fetch task status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdatePrepareInputsTaskStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&PrepareInputsTask{RunId: runId}).Updates(terminalUpdates(status)).Error; err != nil {
		slog.Error("error updating prepare inputs task status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateAnalysisTaskStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, taskId int, status string) error {
	if err := txn.WithContext(ctx).
		Model(&AnalysisTask{}).
		Where("run_id = ? AND task_id = ?", runId, taskId).
		Updates(terminalUpdates(status)).Error; err != nil {
		slog.Error("error updating analysis task status", "run_id", runId, "task_id", taskId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, errorMessage string) {
	runError := RunError{
		RunId:     runId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&runError).Error; err != nil {
		slog.Error("error saving run error", "run_id", runId, "error", err)
	}
}
