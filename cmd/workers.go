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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidefxlabs/sidefx"
	"github.com/sidefxlabs/sidefx/config"
	redis_db "github.com/sidefxlabs/sidefx/internal/redis-db"
	"github.com/sidefxlabs/sidefx/model"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// processDeadLetter drains a parked command from the dead-letter queue into
// the logs. The record stays visible through the API and asynqmon until an
// operator inspects it; the handler only surfaces it loudly.
func (b *sidefxInstance) processDeadLetter(_ context.Context, t *asynq.Task) error {
	var dlq model.DeadLetter
	if err := json.Unmarshal(t.Payload(), &dlq); err != nil {
		logrus.Error(err)
		return err
	}

	logrus.Errorf(" [!] Dead-lettered command for run %s (business key %s) after delivery %d/%d: %s",
		dlq.RunID, dlq.BusinessKey, dlq.Attempt, dlq.MaxAttempts, dlq.Error)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.DeadLetterQueue] = 1

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.CommandQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *sidefxInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	// Every command queue shard runs the same idempotent handler.
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.CommandQueue, i)
		mux.HandleFunc(queueName, b.sidefx.ProcessCommand)
	}

	mux.HandleFunc(cfg.Queue.DeadLetterQueue, b.processDeadLetter)
}

// workerCommands defines the "workers" command to start worker processes.
// The workers consume the sharded command queues and the dead-letter queue,
// and run the stuck effect recovery sweeper in the background.
func workerCommands(b *sidefxInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start sidefx workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			// Sweep stuck ledger entries while the workers run.
			recovery := sidefx.NewStuckEffectRecoveryProcessor(b.sidefx)
			recovery.Start(ctx)
			defer recovery.Stop()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}