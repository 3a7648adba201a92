package ingestqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls []StageTask
}

func (r *countingRunner) RunStage(_ context.Context, task StageTask) error {
	r.calls = append(r.calls, task)
	return nil
}

func TestFakeQueueRecordsEnqueuedTasks(t *testing.T) {
	q := NewFakeQueue()
	require.NoError(t, q.Enqueue(context.Background(), StageTask{IngestID: "doc-1", Stage: "parse_normalize"}))
	require.NoError(t, q.Enqueue(context.Background(), StageTask{IngestID: "doc-1", Stage: "pii_dq"}))

	tasks := q.Drain()
	require.Len(t, tasks, 2)
	require.Equal(t, "parse_normalize", tasks[0].Stage)
	require.Empty(t, q.Tasks)
}

func TestNewConsumerKeepsWorkerLimits(t *testing.T) {
	c := NewConsumer([]string{"localhost:9092"}, "group", "topic", &countingRunner{}, 2, 3)
	require.Equal(t, 3, c.maxTasksPerWorker)
	require.Equal(t, 2, c.workerCount)
}
