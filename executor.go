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
	"fmt"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/sidefxlabs/sidefx/internal/apierror"
	"github.com/sidefxlabs/sidefx/internal/artifacts"
	"github.com/sidefxlabs/sidefx/internal/request"
	"github.com/sidefxlabs/sidefx/model"
)

// Executor performs the real-world side effect for a step. Execute must be
// safe to call again after a crash that lost the ledger completion: it either
// produces the artifact or observes that the artifact already exists and
// returns the same reference.
type Executor interface {
	// StepID names the step this executor handles.
	StepID() string
	// ArtifactName returns the deterministic artifact file name the executor
	// produces for a business key. Redeliveries and the recovery sweeper use
	// it to detect an effect that already happened.
	ArtifactName(businessKey string) string
	// Execute performs the effect and returns a durable reference to the
	// produced artifact. Errors are classified through apierror: transient
	// errors cause redelivery, permanent errors dead-letter the command.
	Execute(ctx context.Context, command *model.Command) (string, error)
}

// ExecutorRegistry maps step IDs to executors.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]Executor)}
}

// Register adds an executor to the registry, replacing any executor already
// registered for the same step.
func (r *ExecutorRegistry) Register(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.StepID()] = executor
}

// Lookup returns the executor for a step ID. A command naming a step with no
// registered executor is permanently failed; no amount of redelivery can make
// an unknown step succeed.
func (r *ExecutorRegistry) Lookup(stepID string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[stepID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrPermanent, fmt.Sprintf("no executor registered for step %s", stepID), nil)
	}
	return executor, nil
}

// TicketExecutor writes a ticket artifact to the artifact store. The write is
// create-only: executing twice for the same command yields the same artifact
// reference, never a second ticket.
type TicketExecutor struct {
	store *artifacts.Store
}

func NewTicketExecutor(store *artifacts.Store) *TicketExecutor {
	return &TicketExecutor{store: store}
}

func (e *TicketExecutor) StepID() string {
	return model.DefaultStepID
}

func (e *TicketExecutor) ArtifactName(businessKey string) string {
	return fmt.Sprintf("ticket_%s.json", businessKey)
}

func (e *TicketExecutor) Execute(ctx context.Context, command *model.Command) (string, error) {
	_, span := tracer.Start(ctx, "Executing Ticket Effect")
	defer span.End()

	body, err := command.ToJSON()
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrPermanent, "command payload is not serializable", err)
	}

	artifact, err := e.store.Create(command.RunID, e.ArtifactName(command.BusinessKey), body)
	if err != nil {
		// Disk errors typically clear on redelivery.
		return "", apierror.NewAPIError(apierror.ErrTransient, "failed to write ticket artifact", err)
	}
	return artifact.Ref, nil
}

// WebhookExecutor performs the effect by POSTing the command to an external
// endpoint, then records a receipt artifact holding the endpoint's response.
// The receipt write is create-only, so the artifact reference is stable across
// redeliveries even though the endpoint may have been called again.
type WebhookExecutor struct {
	stepID  string
	url     string
	headers map[string]string
	store   *artifacts.Store
}

func NewWebhookExecutor(url string, headers map[string]string, store *artifacts.Store) *WebhookExecutor {
	return &WebhookExecutor{stepID: "notify_webhook", url: url, headers: headers, store: store}
}

func (e *WebhookExecutor) StepID() string {
	return e.stepID
}

func (e *WebhookExecutor) ArtifactName(businessKey string) string {
	return fmt.Sprintf("receipt_%s.json", businessKey)
}

func (e *WebhookExecutor) Execute(ctx context.Context, command *model.Command) (string, error) {
	_, span := tracer.Start(ctx, "Executing Webhook Effect")
	defer span.End()

	body, err := request.ToJsonReq(command)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrPermanent, "failed to build webhook request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrPermanent, "failed to build webhook request", err)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrTransient, "webhook endpoint unreachable", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", apierror.NewAPIError(apierror.ErrTransient, fmt.Sprintf("webhook endpoint returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", apierror.NewAPIError(apierror.ErrPermanent, fmt.Sprintf("webhook endpoint rejected command with %d", resp.StatusCode), nil)
	}

	receipt, err := command.ToJSON()
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize webhook receipt")
	}
	artifact, err := e.store.Create(command.RunID, e.ArtifactName(command.BusinessKey), receipt)
	if err != nil {
		return "", apierror.NewAPIError(apierror.ErrTransient, "failed to write webhook receipt", err)
	}
	return artifact.Ref, nil
}