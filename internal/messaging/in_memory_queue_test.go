package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueueRoundTrip(t *testing.T) {
	queue := NewInMemoryQueue()
	ctx := context.Background()

	runId := uuid.New()

	require.NoError(t, queue.PublishDatasetFetchTask(ctx, DatasetFetchPayload{RunId: runId}))
	require.NoError(t, queue.PublishPrepareInputsTask(ctx, PrepareInputsPayload{RunId: runId}))
	require.NoError(t, queue.PublishAnalysisTask(ctx, AnalysisTaskPayload{RunId: runId, TaskId: 7}))

	task := <-queue.Tasks()
	assert.Equal(t, DatasetFetchQueue, task.Type())
	var fetch DatasetFetchPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &fetch))
	assert.Equal(t, runId, fetch.RunId)
	require.NoError(t, task.Ack())

	task = <-queue.Tasks()
	assert.Equal(t, PrepareInputsQueue, task.Type())

	task = <-queue.Tasks()
	assert.Equal(t, AnalysisQueue, task.Type())
	var analysis AnalysisTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &analysis))
	assert.Equal(t, 7, analysis.TaskId)
}

func TestInMemoryQueueClose(t *testing.T) {
	queue := NewInMemoryQueue()
	tasks := queue.Tasks()
	queue.Close()

	_, ok := <-tasks
	assert.False(t, ok)
}
