package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DatasetFetchQueue  = "dataset_fetch_queue"
	PrepareInputsQueue = "prepare_inputs_queue"
	AnalysisQueue      = "analysis_queue"
	RetryDelay         = 5 * time.Second
	MaxConnectRetry    = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type DatasetFetchPayload struct {
	RunId uuid.UUID
}

type PrepareInputsPayload struct {
	RunId uuid.UUID
}

type AnalysisTaskPayload struct {
	RunId  uuid.UUID
	TaskId int
}

type Publisher interface {
	PublishDatasetFetchTask(ctx context.Context, payload DatasetFetchPayload) error

	PublishPrepareInputsTask(ctx context.Context, payload PrepareInputsPayload) error

	PublishAnalysisTask(ctx context.Context, payload AnalysisTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
