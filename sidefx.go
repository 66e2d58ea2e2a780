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
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sidefxlabs/sidefx/config"
	"github.com/sidefxlabs/sidefx/database"
	"github.com/sidefxlabs/sidefx/internal/artifacts"
	redis_db "github.com/sidefxlabs/sidefx/internal/redis-db"
)

// Sidefx is the main struct for the side-effect execution service. It wires
// the effect ledger, the command queue, the artifact store, the run event
// store and the registered executors together.
type Sidefx struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	artifacts  *artifacts.Store
	runs       *RunStore
	executors  *ExecutorRegistry
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewSidefx initializes a new Sidefx instance with the provided ledger
// datasource. It fetches the configuration and initializes the Redis client,
// the queue, the artifact store, the run store and the default executors.
//
// Parameters:
// - db database.IDataSource: The datasource for effect ledger operations.
//
// Returns:
// - *Sidefx: A pointer to the newly created Sidefx instance.
// - error: An error if any of the initialization steps fail.
func NewSidefx(db database.IDataSource) (*Sidefx, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	newQueue := NewQueue(configuration)
	artifactStore, err := artifacts.NewStore(configuration)
	if err != nil {
		return nil, err
	}
	runStore := NewRunStore(redisClient.Client())

	registry := NewExecutorRegistry()
	registry.Register(NewTicketExecutor(artifactStore))
	if configuration.Executor.Webhook.Url != "" {
		registry.Register(NewWebhookExecutor(configuration.Executor.Webhook.Url, configuration.Executor.Webhook.Headers, artifactStore))
	}

	newSidefx := &Sidefx{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		artifacts:  artifactStore,
		runs:       runStore,
		executors:  registry,
	}
	return newSidefx, nil
}

// Queue returns the queue used by this instance.
func (s *Sidefx) Queue() *Queue {
	return s.queue
}

// Artifacts returns the artifact store used by this instance.
func (s *Sidefx) Artifacts() *artifacts.Store {
	return s.artifacts
}

// Runs returns the run event store used by this instance.
func (s *Sidefx) Runs() *RunStore {
	return s.runs
}

// Ledger returns the effect ledger datasource used by this instance.
func (s *Sidefx) Ledger() database.IDataSource {
	return s.datasource
}
