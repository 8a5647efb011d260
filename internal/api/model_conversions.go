package api

import (
	"nextclade-backend/internal/database"
	"nextclade-backend/pkg/api"
)

func toApiRun(run database.Run) api.Run {
	out := api.Run{
		Id:                   run.Id,
		RunName:              run.RunName,
		Dataset:              run.Dataset,
		Status:               run.Status,
		Stopped:              run.Stopped,
		CreationTime:         run.CreationTime,
		SucceededSampleCount: run.SucceededSampleCount,
		FailedSampleCount:    run.FailedSampleCount,
		TotalSampleCount:     run.TotalSampleCount,
	}

	if run.DatasetFetchTask != nil {
		out.DatasetFetchTaskStatus = run.DatasetFetchTask.Status
	}
	if run.PrepareInputsTask != nil {
		out.PrepareInputsTaskStatus = run.PrepareInputsTask.Status
	}
	if len(run.AnalysisTasks) > 0 {
		out.AnalysisTaskStatuses = make(map[string]api.TaskStatusCategory)
		for _, task := range run.AnalysisTasks {
			category := out.AnalysisTaskStatuses[task.Status]
			category.TotalTasks++
			out.AnalysisTaskStatuses[task.Status] = category
		}
	}

	return out
}

// toApiSample merges the stored sample with its analysis task, which carries
// the per-sample status once the fan-out has happened.
func toApiSample(sample database.Sample, task *database.AnalysisTask) api.Sample {
	out := api.Sample{
		Name:          sample.Name,
		FastaKey:      sample.FastaKey,
		SequenceCount: sample.SequenceCount,
		Status:        database.JobQueued,
	}

	if task != nil {
		out.Status = task.Status
		out.Attempts = task.Attempts
		out.ResultPrefix = task.ResultPrefix
	}

	return out
}

func toApiRunError(err database.RunError) api.RunError {
	return api.RunError{
		Message:   err.Error,
		Timestamp: err.Timestamp,
	}
}
