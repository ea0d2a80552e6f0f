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
	"time"

	"github.com/rosterhq/roster/audit"
	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/internal/breaker"
	"github.com/rosterhq/roster/providers"
	"github.com/rosterhq/roster/retry"
)

// Roster coordinates membership writes across one primary directory and any
// number of secondaries. Every collaborator is injected at construction;
// nothing here builds global state.
type Roster struct {
	conf     *config.Configuration
	registry *providers.Registry
	breakers *breaker.Registry
	retries  retry.Store
	trail    *audit.Trail
	queue    *Queue
}

// New wires an orchestrator from its collaborators. queue may be nil; retry
// sweeps then rely solely on the periodic schedule.
func New(conf *config.Configuration, registry *providers.Registry, breakers *breaker.Registry, retries retry.Store, trail *audit.Trail, queue *Queue) *Roster {
	return &Roster{
		conf:     conf,
		registry: registry,
		breakers: breakers,
		retries:  retries,
		trail:    trail,
		queue:    queue,
	}
}

// Registry exposes the provider registry, e.g. for health reporting.
func (r *Roster) Registry() *providers.Registry {
	return r.registry
}

// Breakers exposes the breaker registry for stats and administrative resets.
func (r *Roster) Breakers() *breaker.Registry {
	return r.breakers
}

// RetryStore exposes the retry store for workers and operational tooling.
func (r *Roster) RetryStore() retry.Store {
	return r.retries
}

// NewWorker builds a retry worker bound to this orchestrator's propagation
// processor and store.
func (r *Roster) NewWorker() *retry.Worker {
	return retry.NewWorker(
		r.retries,
		r.RetryProcessor(),
		r.conf.Retry.BatchSize,
		time.Duration(r.conf.Retry.LeaseSeconds)*time.Second,
	)
}
