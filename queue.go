/*
Copyright 2025 Sidefx Labs Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sidefx

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/sidefxlabs/sidefx/config"
	redis_db "github.com/sidefxlabs/sidefx/internal/redis-db"
	"github.com/sidefxlabs/sidefx/model"
)

var tracer = otel.Tracer("sidefx")

// Queue represents the command queue for dispatching side-effect commands
// to workers over the at-least-once Redis transport.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// Enqueue enqueues a command to the Redis queue. Commands carrying the same
// business key land on the same queue so their deliveries are processed
// serially by a single worker; deliveries of distinct keys fan out across
// queues.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - command *model.Command: The command to be enqueued.
//
// Returns:
// - error: An error if the command could not be enqueued.
func (q *Queue) Enqueue(ctx context.Context, command *model.Command) error {
	ctx, span := tracer.Start(ctx, "Adding Command To Redis Queue")
	defer span.End()

	payload, err := json.Marshal(command)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, q.getTask(command, payload), asynq.MaxRetry(command.MaxAttempts))
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued command: %s (run %s)", command.CommandID, command.RunID)

	return nil
}

// EnqueueDeadLetter parks an exhausted or permanently failed command on the
// dead-letter queue for operator attention. The task is never retried.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - dlq *model.DeadLetter: The dead-letter record to park.
//
// Returns:
// - error: An error if the record could not be enqueued.
func (q *Queue) EnqueueDeadLetter(ctx context.Context, dlq *model.DeadLetter) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(dlq)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(deadLetterTaskID(dlq)),
		asynq.Queue(cfg.Queue.DeadLetterQueue),
		asynq.MaxRetry(0),
	}
	task := asynq.NewTask(cfg.Queue.DeadLetterQueue, payload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Parked command on dead-letter queue: %s", dlq.RunID)
	return nil
}

// deadLetterTaskID keys a dead-letter record by run, step and business key.
// A run can park more than one step; keying by run alone would make the task
// ID deduplication swallow every parking after the first.
func deadLetterTaskID(dlq *model.DeadLetter) string {
	return fmt.Sprintf("dlq_%s:%s:%s", dlq.RunID, dlq.StepID, dlq.BusinessKey)
}

// ListDeadLetters returns the commands currently parked on the dead-letter
// queue, newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	tasks, err := q.Inspector.ListPendingTasks(cfg.Queue.DeadLetterQueue, asynq.PageSize(limit))
	if err != nil {
		return nil, err
	}
	letters := make([]model.DeadLetter, 0, len(tasks))
	for _, t := range tasks {
		var dlq model.DeadLetter
		if err := json.Unmarshal(t.Payload, &dlq); err != nil {
			log.Printf("Error unmarshaling dead-letter task %s: %v", t.ID, err)
			continue
		}
		letters = append(letters, dlq)
	}
	return letters, nil
}

// getTask generates a task for a command and assigns it to a specific queue
// based on the business key. Hashing the business key keeps every delivery of
// the same logical effect on the same queue so redeliveries are serialized,
// while distinct keys spread across the configured number of queues.
//
// Parameters:
// - command *model.Command: The command for which to generate the task.
// - payload []byte: The payload for the task, typically the serialized command.
//
// Returns:
// - *asynq.Task: The generated task ready to be enqueued.
func (q *Queue) getTask(command *model.Command, payload []byte) *asynq.Task {
	cnf, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config: %v", err)
		return q.getTaskWithDefaults(command, payload)
	}
	queueIndex := hashBusinessKey(command.BusinessKey) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.CommandQueue, queueIndex+1)

	taskOptions := []asynq.Option{asynq.TaskID(command.CommandID), asynq.Queue(queueName)}

	return asynq.NewTask(queueName, payload, taskOptions...)
}

// Fallback function for when config fetch fails
func (q *Queue) getTaskWithDefaults(command *model.Command, payload []byte) *asynq.Task {
	queueIndex := hashBusinessKey(command.BusinessKey) % 4
	queueName := fmt.Sprintf("sidefx:commands_%d", queueIndex+1)

	taskOptions := []asynq.Option{asynq.TaskID(command.CommandID), asynq.Queue(queueName)}
	return asynq.NewTask(queueName, payload, taskOptions...)
}

// hashBusinessKey hashes a business key to a non-negative integer using FNV-1a.
func hashBusinessKey(businessKey string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(businessKey))
	return int(hasher.Sum32())
}