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

package roster

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rosterhq/roster/config"
	redis_db "github.com/rosterhq/roster/internal/redis-db"
)

// Queue schedules retry sweep tasks over Redis. When a propagation failure
// saves a retry record, a sweep task is enqueued at the record's due time so
// a worker picks it up promptly; the periodic scheduler entry is the safety
// net when the nudge is lost.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      *config.Configuration
}

// NewQueue initializes a new Queue instance from the configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, err
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		conf:      conf,
	}, nil
}

// SignalSweep enqueues a sweep task processed at processAt. Duplicate
// signals inside the same second collapse onto one task id.
func (q *Queue) SignalSweep(ctx context.Context, processAt time.Time) error {
	taskOptions := []asynq.Option{
		asynq.TaskID("sweep:" + processAt.UTC().Format(time.RFC3339)),
		asynq.Queue(q.conf.Retry.SweepQueue),
		asynq.ProcessAt(processAt),
	}
	task := asynq.NewTask(q.conf.Retry.SweepQueue, nil, taskOptions...)
	_, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		// A sweep is already scheduled for that second.
		return nil
	}
	if err != nil {
		log.Printf("failed to enqueue retry sweep: %v", err)
		return err
	}
	return nil
}

// Close releases the queue's Redis connections.
func (q *Queue) Close() error {
	return q.Client.Close()
}
