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

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sidefxlabs/sidefx/internal/apierror"
	"github.com/sidefxlabs/sidefx/internal/notification"
	"github.com/sidefxlabs/sidefx/model"
)

// ProcessCommand is the asynq handler for command deliveries. The transport
// guarantees at-least-once delivery; this handler guarantees the external
// effect happens at most once. Returning nil acknowledges the delivery,
// returning an error schedules a redelivery.
func (s *Sidefx) ProcessCommand(ctx context.Context, t *asynq.Task) error {
	var command model.Command
	if err := json.Unmarshal(t.Payload(), &command); err != nil {
		logrus.Errorf("discarding undecodable command payload: %v", err)
		return nil
	}
	command.ApplyDefaults()

	retried, _ := asynq.GetRetryCount(ctx)
	return s.ExecuteCommand(ctx, &command, retried+1)
}

// ExecuteCommand runs one delivery of a command through the idempotency
// protocol: begin the ledger entry, perform the effect, complete the entry.
// deliveryAttempt counts from 1 across redeliveries of the same command.
func (s *Sidefx) ExecuteCommand(ctx context.Context, command *model.Command, deliveryAttempt int) error {
	ctx, span := tracer.Start(ctx, "Processing Command Delivery")
	defer span.End()

	effectID := command.EffectID()
	command.DeliveryAttempt = deliveryAttempt

	s.runs.AppendEvent(ctx, &model.RunEvent{
		Type:        model.EventStepStarted,
		RunID:       command.RunID,
		StepID:      command.StepID,
		EffectID:    effectID,
		BusinessKey: command.BusinessKey,
		Attempt:     deliveryAttempt,
	})

	// Fault injection: fail before anything durable happens. The redelivery
	// that follows must converge to exactly one effect.
	if command.FailBeforeEffectN > 0 && deliveryAttempt <= command.FailBeforeEffectN {
		err := apierror.NewAPIError(apierror.ErrTransient,
			fmt.Sprintf("injected failure before effect (delivery %d of %d)", deliveryAttempt, command.FailBeforeEffectN), nil)
		return s.handleFailure(ctx, command, deliveryAttempt, false, err)
	}

	begin, err := s.datasource.BeginEffect(ctx, &model.SideEffect{
		EffectID:    effectID,
		RunID:       command.RunID,
		StepID:      command.StepID,
		BusinessKey: command.BusinessKey,
		Payload:     command.Payload,
	})
	if err != nil {
		return s.handleFailure(ctx, command, deliveryAttempt, false, err)
	}

	switch begin.State {
	case model.BeginAlreadyDone:
		// A previous delivery finished the effect. Skip and acknowledge.
		s.runs.AppendEvent(ctx, &model.RunEvent{
			Type:        model.EventSideEffectSkipped,
			RunID:       command.RunID,
			StepID:      command.StepID,
			EffectID:    effectID,
			Attempt:     deliveryAttempt,
			ArtifactRef: begin.ArtifactRef,
		})
		s.finishRun(ctx, command, deliveryAttempt, begin.ArtifactRef)
		return nil
	case model.BeginAlreadyFailed:
		// The entry is terminally failed. Redelivering cannot change the
		// outcome and re-executing would break at-most-once; park and ack.
		return s.handleFailure(ctx, command, deliveryAttempt, false,
			apierror.NewAPIError(apierror.ErrPermanent,
				fmt.Sprintf("effect %s previously failed; a new run is required to retry it", effectID), nil))
	case model.BeginAlreadyInProgress:
		return s.resolveInProgress(ctx, command, deliveryAttempt)
	}

	return s.performEffect(ctx, command, deliveryAttempt)
}

// performEffect executes the registered side effect for the command and
// completes the ledger entry with the resulting artifact reference. The
// caller must hold the in_progress ledger entry.
func (s *Sidefx) performEffect(ctx context.Context, command *model.Command, deliveryAttempt int) error {
	effectID := command.EffectID()

	executor, err := s.executors.Lookup(command.StepID)
	if err != nil {
		return s.handleFailure(ctx, command, deliveryAttempt, true, err)
	}

	s.runs.AppendEvent(ctx, &model.RunEvent{
		Type:     model.EventSideEffectExecuting,
		RunID:    command.RunID,
		StepID:   command.StepID,
		EffectID: effectID,
		Attempt:  deliveryAttempt,
	})

	artifactRef, err := executor.Execute(ctx, command)
	if err != nil {
		return s.handleFailure(ctx, command, deliveryAttempt, true, err)
	}

	// Fault injection: the artifact exists but the worker dies before the
	// ledger completion and the ack. The redelivery lands on an in_progress
	// entry whose artifact is present and heals it.
	if command.FailMode == model.FailModeCrashAfterEffect {
		err := apierror.NewAPIError(apierror.ErrTransient,
			"injected crash after effect before acknowledgement", nil)
		s.runs.AppendEvent(ctx, &model.RunEvent{
			Type:     model.EventRetryConsidered,
			RunID:    command.RunID,
			StepID:   command.StepID,
			EffectID: effectID,
			Attempt:  deliveryAttempt,
			Reason:   err.Error(),
		})
		return err
	}

	return s.completeEffect(ctx, command, deliveryAttempt, artifactRef, model.EventSideEffectDone)
}

// resolveInProgress handles a delivery that found the ledger entry held by
// another (possibly dead) delivery. It waits briefly for the holder to
// finish, heals the entry when the artifact already exists, and otherwise
// takes the effect over on the assumption that the holder died before
// producing anything durable.
func (s *Sidefx) resolveInProgress(ctx context.Context, command *model.Command, deliveryAttempt int) error {
	effectID := command.EffectID()

	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
	), 3), ctx)

	var resolved *model.SideEffect
	err := backoff.Retry(func() error {
		effect, err := s.datasource.GetEffect(ctx, effectID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if effect.Status == model.StatusDone || effect.Status == model.StatusFailed {
			resolved = effect
			return nil
		}
		if s.artifactExists(command) {
			resolved = effect
			return nil
		}
		return fmt.Errorf("effect %s still in progress", effectID)
	}, retryPolicy)

	if err != nil {
		if _, lookupFailed := err.(apierror.APIError); lookupFailed {
			return s.handleFailure(ctx, command, deliveryAttempt, false, err)
		}
		// The holder produced nothing durable within the wait window. Treat
		// it as dead before the effect and take over.
		logrus.Infof("taking over in-progress effect %s on delivery %d", effectID, deliveryAttempt)
		return s.performEffect(ctx, command, deliveryAttempt)
	}

	if resolved.Status == model.StatusDone {
		s.runs.AppendEvent(ctx, &model.RunEvent{
			Type:        model.EventSideEffectSkipped,
			RunID:       command.RunID,
			StepID:      command.StepID,
			EffectID:    effectID,
			Attempt:     deliveryAttempt,
			ArtifactRef: resolved.ArtifactRef,
		})
		s.finishRun(ctx, command, deliveryAttempt, resolved.ArtifactRef)
		return nil
	}

	if resolved.Status == model.StatusFailed {
		// The entry went terminally failed while we were waiting, for example
		// when the recovery sweeper abandoned it. Never take over a failed
		// effect; park and ack.
		return s.handleFailure(ctx, command, deliveryAttempt, false,
			apierror.NewAPIError(apierror.ErrPermanent,
				fmt.Sprintf("effect %s previously failed; a new run is required to retry it", effectID), nil))
	}

	// Artifact present, ledger entry never completed: the previous delivery
	// died between the effect and the completion. Heal the entry.
	return s.completeEffect(ctx, command, deliveryAttempt, s.artifactRef(command), model.EventSideEffectHealed)
}

// completeEffect records the artifact on the ledger entry and acknowledges
// the delivery. eventType distinguishes a first completion from a healed one.
func (s *Sidefx) completeEffect(ctx context.Context, command *model.Command, deliveryAttempt int, artifactRef string, eventType string) error {
	effectID := command.EffectID()

	if err := s.datasource.CompleteEffect(ctx, effectID, artifactRef); err != nil {
		// A completion mismatch means two deliveries produced different
		// artifacts for one effect ID. That is a bug, not a retry candidate;
		// handleFailure parks it loudly instead of redelivering.
		return s.handleFailure(ctx, command, deliveryAttempt, false, err)
	}

	s.runs.AppendEvent(ctx, &model.RunEvent{
		Type:        eventType,
		RunID:       command.RunID,
		StepID:      command.StepID,
		EffectID:    effectID,
		Attempt:     deliveryAttempt,
		ArtifactRef: artifactRef,
	})
	s.finishRun(ctx, command, deliveryAttempt, artifactRef)
	return nil
}

// finishRun appends the step and run completion events.
func (s *Sidefx) finishRun(ctx context.Context, command *model.Command, deliveryAttempt int, artifactRef string) {
	s.runs.AppendEvent(ctx, &model.RunEvent{
		Type:        model.EventStepCompleted,
		RunID:       command.RunID,
		StepID:      command.StepID,
		EffectID:    command.EffectID(),
		Attempt:     deliveryAttempt,
		ArtifactRef: artifactRef,
	})
	s.runs.AppendEvent(ctx, &model.RunEvent{
		Type:  model.EventRunCompleted,
		RunID: command.RunID,
	})
}

// handleFailure classifies a delivery failure. Transient failures with
// remaining delivery budget are returned to the transport for redelivery.
// Permanent failures, completion mismatches and exhausted budgets park the
// command on the dead-letter queue, notify the operator and acknowledge the
// delivery so the transport stops retrying. ledgerHeld reports whether this
// delivery owns an in_progress ledger entry that should be marked failed.
func (s *Sidefx) handleFailure(ctx context.Context, command *model.Command, deliveryAttempt int, ledgerHeld bool, cause error) error {
	effectID := command.EffectID()

	s.runs.AppendEvent(ctx, &model.RunEvent{
		Type:     model.EventStepFailed,
		RunID:    command.RunID,
		StepID:   command.StepID,
		EffectID: effectID,
		Attempt:  deliveryAttempt,
		Error:    cause.Error(),
	})

	retriable := apierror.IsTransient(cause) && !apierror.IsCompletionMismatch(cause)
	if retriable && deliveryAttempt < command.MaxAttempts {
		s.runs.AppendEvent(ctx, &model.RunEvent{
			Type:     model.EventRetryConsidered,
			RunID:    command.RunID,
			StepID:   command.StepID,
			EffectID: effectID,
			Attempt:  deliveryAttempt,
			Reason:   cause.Error(),
		})
		return cause
	}

	if ledgerHeld {
		if err := s.datasource.MarkEffectFailed(ctx, effectID, cause.Error()); err != nil {
			logrus.Errorf("failed to mark effect %s failed: %v", effectID, err)
		}
	}

	dlq := &model.DeadLetter{
		RunID:       command.RunID,
		StepID:      command.StepID,
		BusinessKey: command.BusinessKey,
		Attempt:     deliveryAttempt,
		MaxAttempts: command.MaxAttempts,
		Error:       cause.Error(),
		Command:     command,
		Ts:          time.Now(),
	}
	if s.queue != nil {
		if err := s.queue.EnqueueDeadLetter(ctx, dlq); err != nil {
			logrus.Errorf("failed to park command %s on dead-letter queue: %v", command.CommandID, err)
		}
	}

	s.runs.AppendEvent(ctx, &model.RunEvent{
		Type:    model.EventRunDeadLettered,
		RunID:   command.RunID,
		StepID:  command.StepID,
		Attempt: deliveryAttempt,
		Error:   cause.Error(),
	})
	notification.NotifyError(fmt.Errorf("command %s dead-lettered after delivery %d: %w", command.CommandID, deliveryAttempt, cause))

	// Acknowledge: the command is parked, further redelivery cannot help.
	return nil
}

// artifactName returns the deterministic artifact file name the registered
// executor for a step would produce for a business key.
func (s *Sidefx) artifactName(stepID, businessKey string) string {
	if executor, err := s.executors.Lookup(stepID); err == nil {
		return executor.ArtifactName(businessKey)
	}
	return fmt.Sprintf("ticket_%s.json", businessKey)
}

// artifactRef returns the deterministic artifact reference the registered
// executor would produce for this command.
func (s *Sidefx) artifactRef(command *model.Command) string {
	return s.artifacts.Ref(command.RunID, s.artifactName(command.StepID, command.BusinessKey))
}

// artifactExists reports whether the command's artifact is already durable,
// which is how a redelivery tells a dead holder that finished the effect
// from one that never started it.
func (s *Sidefx) artifactExists(command *model.Command) bool {
	return s.artifacts.Exists(command.RunID, s.artifactName(command.StepID, command.BusinessKey))
}