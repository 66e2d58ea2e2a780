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
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sidefxlabs/sidefx/database"
	"github.com/sidefxlabs/sidefx/model"
)

const runTTL = 7 * 24 * time.Hour

// RunStore keeps run registrations and their append-only event logs in Redis.
// The event log is observability data: workers append to it on a best-effort
// basis and nothing in the execution protocol reads it back for correctness.
type RunStore struct {
	redis redis.UniversalClient
}

func NewRunStore(client redis.UniversalClient) *RunStore {
	return &RunStore{redis: client}
}

func runKey(runID string) string {
	return fmt.Sprintf("sidefx:run:%s", runID)
}

func eventsKey(runID string) string {
	return fmt.Sprintf("sidefx:events:%s", runID)
}

// CreateRun registers a run and appends its run.created event. Registering an
// already-known run overwrites the metadata in place; the event log is only
// ever appended to.
func (r *RunStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if err := r.redis.Set(ctx, runKey(run.RunID), data, runTTL).Err(); err != nil {
		return err
	}
	r.AppendEvent(ctx, &model.RunEvent{
		Type:        model.EventRunCreated,
		RunID:       run.RunID,
		StepID:      run.StepID,
		BusinessKey: run.BusinessKey,
	})
	return nil
}

// GetRun fetches a run registration. Returns redis.Nil if the run is unknown.
func (r *RunStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	data, err := r.redis.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// AppendEvent appends an event to the run's log. Failures are logged and
// swallowed; a lost event must never fail the worker protocol.
func (r *RunStore) AppendEvent(ctx context.Context, event *model.RunEvent) {
	if event.Ts.IsZero() {
		event.Ts = time.Now()
	}
	data, err := event.ToJSON()
	if err != nil {
		logrus.Errorf("failed to serialize run event for %s: %v", event.RunID, err)
		return
	}
	pipe := r.redis.TxPipeline()
	pipe.RPush(ctx, eventsKey(event.RunID), data)
	pipe.Expire(ctx, eventsKey(event.RunID), runTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.Errorf("failed to append run event for %s: %v", event.RunID, err)
	}
}

// QueueRun registers a run and enqueues its command onto the transport.
// Calling this twice with the same run ID is safe: the command's task ID is
// derived from the run, so the transport deduplicates the enqueue, and even
// a duplicate delivery converges to one effect through the ledger.
func (s *Sidefx) QueueRun(ctx context.Context, run *model.Run) (*model.Command, error) {
	ctx, span := tracer.Start(ctx, "Queuing Run")
	defer span.End()

	if run.RunID == "" {
		run.RunID = database.GenerateUUIDWithSuffix("run")
	}
	if run.StepID == "" {
		run.StepID = model.DefaultStepID
	}
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = model.DefaultMaxDeliveryAttempts
	}
	run.CreatedAt = time.Now()

	// error_before_ledger is shorthand for failing the first delivery before
	// anything durable happens.
	if run.FailMode == model.FailModeErrorBeforeLedger && run.FailBeforeEffectN == 0 {
		run.FailBeforeEffectN = 1
	}

	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	command := &model.Command{
		CommandID:         fmt.Sprintf("cmd_%s", run.RunID),
		RunID:             run.RunID,
		StepID:            run.StepID,
		BusinessKey:       run.BusinessKey,
		Amount:            run.Amount,
		MaxAttempts:       run.MaxAttempts,
		FailBeforeEffectN: run.FailBeforeEffectN,
		FailMode:          run.FailMode,
		CreatedAt:         run.CreatedAt,
		MetaData:          run.MetaData,
	}
	command.ApplyDefaults()

	if err := s.queue.Enqueue(ctx, command); err != nil {
		return nil, err
	}
	s.runs.AppendEvent(ctx, &model.RunEvent{
		Type:        model.EventCommandEnqueued,
		RunID:       run.RunID,
		StepID:      command.StepID,
		BusinessKey: command.BusinessKey,
	})
	return command, nil
}

// ListEvents returns the run's event log in append order.
func (r *RunStore) ListEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	entries, err := r.redis.LRange(ctx, eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]model.RunEvent, 0, len(entries))
	for _, entry := range entries {
		var event model.RunEvent
		if err := json.Unmarshal([]byte(entry), &event); err != nil {
			logrus.Warnf("skipping malformed run event for %s: %v", runID, err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}