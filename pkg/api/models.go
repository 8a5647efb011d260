package api

import (
	"time"

	"github.com/google/uuid"
)

type SampleSpec struct {
	Name     string
	UploadId uuid.UUID
}

type CreateRunRequest struct {
	RunName string
	Dataset string

	Samples []SampleSpec
}

type CreateRunResponse struct {
	RunId uuid.UUID
}

type ListRunsParams struct {
	Dataset string `schema:"dataset"`
	Status  string `schema:"status"`
}

type TaskStatusCategory struct {
	TotalTasks int
}

type Run struct {
	Id      uuid.UUID
	RunName string
	Dataset string
	Status  string
	Stopped bool

	CreationTime time.Time

	SucceededSampleCount int
	FailedSampleCount    int
	TotalSampleCount     int

	DatasetFetchTaskStatus  string                        `json:"DatasetFetchTaskStatus,omitempty"`
	PrepareInputsTaskStatus string                        `json:"PrepareInputsTaskStatus,omitempty"`
	AnalysisTaskStatuses    map[string]TaskStatusCategory `json:"AnalysisTaskStatuses,omitempty"`
}

type Sample struct {
	Name          string
	FastaKey      string
	SequenceCount int
	Status        string
	Attempts      int
	ResultPrefix  string `json:"ResultPrefix,omitempty"`
}

type RunError struct {
	Message   string
	Timestamp time.Time
}

type UploadResponse struct {
	Id            uuid.UUID
	SequenceCount int
}

type DatasetInfo struct {
	Name      string
	Available bool
}
