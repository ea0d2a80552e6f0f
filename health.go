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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/breaker"
	"github.com/rosterhq/roster/model"
)

// HealthSnapshot is a point-in-time view of the orchestrator's dependencies.
type HealthSnapshot struct {
	Healthy        bool                               `json:"healthy"`
	Providers      map[string]model.HealthCheckResult `json:"providers"`
	Breakers       map[string]breaker.Stats           `json:"breakers"`
	PendingRetries int                                `json:"pending_retries"`
	DeadLetters    int                                `json:"dead_letters"`
	CheckedAt      time.Time                          `json:"checked_at"`
}

// Health probes every registered directory provider and collects breaker and
// retry queue state. Healthy is true only when all providers respond healthy
// and no breaker is open. Probes run concurrently with a shared deadline.
func (r *Roster) Health(ctx context.Context) HealthSnapshot {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snapshot := HealthSnapshot{
		Providers: make(map[string]model.HealthCheckResult),
		Breakers:  r.breakers.Stats(),
		CheckedAt: time.Now().UTC(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, name := range r.registry.Names() {
		provider, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			result := provider.HealthCheck(ctx)
			mu.Lock()
			snapshot.Providers[name] = result
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	pending, err := r.retries.ActiveCount(ctx)
	if err != nil {
		logrus.Warnf("health: counting pending retries: %v", err)
	}
	snapshot.PendingRetries = pending

	letters, err := r.retries.DeadLetters(ctx)
	if err != nil {
		logrus.Warnf("health: listing dead letters: %v", err)
	}
	snapshot.DeadLetters = len(letters)

	snapshot.Healthy = true
	for _, result := range snapshot.Providers {
		if !result.Healthy {
			snapshot.Healthy = false
		}
	}
	for _, stats := range snapshot.Breakers {
		if stats.State == breaker.StateOpen {
			snapshot.Healthy = false
		}
	}
	return snapshot
}
