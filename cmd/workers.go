/*
Copyright 2026 Roster Authors.

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
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/rosterhq/roster/config"
	redis_db "github.com/rosterhq/roster/internal/redis-db"
)

// processSweep drains one batch of due retry records. Sweep tasks arrive two
// ways: a nudge enqueued when a propagation failure is saved, and the
// periodic scheduler entry that catches anything the nudges missed.
func (b *rosterInstance) processSweep(ctx context.Context, _ *asynq.Task) error {
	ctx, span := otel.Tracer("roster.retry.worker").Start(ctx, "Processing retry sweep")
	defer span.End()

	worker := b.roster.NewWorker()
	stats, err := worker.ProcessBatch(ctx)
	if err != nil {
		logrus.Errorf("retry sweep failed: %v", err)
		return err
	}

	if stats.Processed > 0 || stats.Skipped > 0 {
		log.Printf(" [*] Retry sweep: processed=%d successful=%d retried=%d dead=%d skipped=%d",
			stats.Processed, stats.Successful, stats.Retried, stats.PermanentFailures, stats.Skipped)
	}
	return nil
}

func initializeQueues(conf *config.Configuration) map[string]int {
	queues := make(map[string]int)
	queues[conf.Retry.SweepQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
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

// startScheduler registers the periodic sweep so due records are picked up
// even when no failure nudged the queue.
func startScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		nil,
	)

	interval := time.Duration(conf.Retry.SweepIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	task := asynq.NewTask(conf.Retry.SweepQueue, nil, asynq.Queue(conf.Retry.SweepQueue))
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", interval), task); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// workerCommands defines the "workers" command that runs the retry sweep
// worker and its periodic scheduler.
func workerCommands(b *rosterInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start roster retry workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues(conf)

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			mux.HandleFunc(conf.Retry.SweepQueue, b.processSweep)

			scheduler, err := startScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					log.Fatalf("could not run scheduler: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
