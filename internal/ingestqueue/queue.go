// Package ingestqueue is the ingestion stage queue: a Kafka-backed
// worker-pool reader loop where workers consume stage tasks, run them to
// completion, and only acknowledge (commit) once the stage's effects are
// durable ("task_acks_late" semantics).
package ingestqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// StageTask names one unit of work: run a named stage for an ingest_id.
// A task carries no payload beyond identity — every stage re-reads the
// manifest and state from the durable stores, so a redelivered task
// converges rather than double-applying effects.
type StageTask struct {
	IngestID string `json:"ingest_id"`
	TenantID string `json:"tenant_id"`
	Stage    string `json:"stage"`
}

// StageRunner executes one stage for one ingest_id. Implementations must
// tolerate being invoked twice for the same (IngestID, Stage) pair.
type StageRunner interface {
	RunStage(ctx context.Context, task StageTask) error
}

// Queue wraps a Kafka topic used as the ingestion stage broker.
type Queue struct {
	writer *kafka.Writer
	topic  string
}

// New builds a Queue whose producer writes to topic on brokers.
func New(brokers []string, topic string) *Queue {
	return &Queue{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

// Enqueue publishes a stage task keyed by ingest_id so that all stages for
// the same document land on the same partition and preserve strict
// per-document stage ordering.
func (q *Queue) Enqueue(ctx context.Context, task StageTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal stage task: %w", err)
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Topic: q.topic,
		Key:   []byte(task.IngestID),
		Value: payload,
	})
}

// Close closes the underlying producer.
func (q *Queue) Close() error { return q.writer.Close() }

// Consumer runs a fixed-size worker pool over a Kafka topic of StageTask
// messages with a late-commit reader loop. Ledger-guarded idempotency, not
// a separate DLQ topic, is what makes redelivery safe here.
type Consumer struct {
	brokers       []string
	groupID       string
	topic         string
	runner        StageRunner
	workerCount   int
	maxTasksPerWorker int
}

// NewConsumer builds a Consumer. maxTasksPerWorker bounds the number of
// tasks a single worker goroutine handles before it is recycled.
func NewConsumer(brokers []string, groupID, topic string, runner StageRunner, workerCount, maxTasksPerWorker int) *Consumer {
	if workerCount <= 0 {
		workerCount = 4
	}
	if maxTasksPerWorker <= 0 {
		maxTasksPerWorker = 500
	}
	return &Consumer{
		brokers:           brokers,
		groupID:           groupID,
		topic:             topic,
		runner:            runner,
		workerCount:       workerCount,
		maxTasksPerWorker: maxTasksPerWorker,
	}
}

// Run blocks, fanning fetched messages out to a fixed worker pool until ctx
// is canceled. Each message is committed only after RunStage returns nil
// (late-ack); a failing stage still commits, because the coordinator itself
// records the FAILED state durably — redelivery of an already-terminal
// ingest is a safe no-op (ledger check in the stage contract).
func (c *Consumer) Run(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		GroupID:  c.groupID,
		Topic:    c.topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	jobs := make(chan kafka.Message, c.workerCount*4)
	done := make(chan struct{})

	for i := 0; i < c.workerCount; i++ {
		go func(id int) {
			// A worker returns after maxTasksPerWorker tasks; a fresh one
			// takes its slot until ctx is canceled (jobs only closes then).
			exited := make(chan struct{}, 1)
			for {
				c.worker(ctx, id, reader, jobs, exited)
				<-exited
				if ctx.Err() != nil {
					break
				}
			}
			done <- struct{}{}
		}(i)
	}

	go func() {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				return
			}
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("ingestqueue: fetch failed")
				time.Sleep(500 * time.Millisecond)
				continue
			}
			select {
			case jobs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for i := 0; i < c.workerCount; i++ {
		<-done
	}
	return ctx.Err()
}

func (c *Consumer) worker(ctx context.Context, id int, reader *kafka.Reader, jobs <-chan kafka.Message, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	handled := 0
	for msg := range jobs {
		var task StageTask
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			log.Error().Err(err).Int("worker", id).Msg("ingestqueue: malformed stage task, dropping")
		} else if err := c.runner.RunStage(ctx, task); err != nil {
			log.Error().Err(err).Str("ingest_id", task.IngestID).Str("stage", task.Stage).Msg("ingestqueue: stage run returned error")
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Int("worker", id).Msg("ingestqueue: commit failed")
		}
		handled++
		if handled >= c.maxTasksPerWorker {
			log.Info().Int("worker", id).Int("handled", handled).Msg("ingestqueue: recycling worker")
			return
		}
	}
}
