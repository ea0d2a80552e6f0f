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

package retry

import (
	"context"
	"time"

	"github.com/rosterhq/roster/model"
)

// Store is the durable queue of pending retry work. Any implementation must
// make ClaimRecord atomic (compare-and-set) even under concurrent access
// from separate processes; the claim lease is the only guard against two
// workers processing the same record.
type Store interface {
	// Save assigns an id, zeroes the attempt counter and makes the record
	// due immediately (unless a retry-after hint set NextRetryAt ahead of
	// now). Returns the assigned id.
	Save(ctx context.Context, record *model.RetryRecord) (string, error)

	// FetchDue returns up to limit unclaimed records whose NextRetryAt has
	// passed. Records with a live claim are skipped; an expired claim makes
	// the record available again.
	FetchDue(ctx context.Context, limit int) ([]*model.RetryRecord, error)

	// ClaimRecord atomically takes a time-bounded exclusive claim on the
	// record for workerID. It reports false when another live claim exists.
	ClaimRecord(ctx context.Context, id, workerID string, lease time.Duration) (bool, error)

	// MarkSuccess removes the record and releases any claim.
	MarkSuccess(ctx context.Context, id string) error

	// MarkPermanentFailure moves the record to the dead-letter set stamped
	// with reason. Calling it on an already-removed record is a no-op.
	MarkPermanentFailure(ctx context.Context, id, reason string) error

	// IncrementAttempt bumps the attempt counter. An exhausted record is
	// dead-lettered; otherwise the next due time is pushed out with capped
	// exponential backoff and the claim is released.
	IncrementAttempt(ctx context.Context, id, lastError string) error

	// ActiveCount reports how many records are pending retry.
	ActiveCount(ctx context.Context) (int, error)

	// DeadLetters returns the terminal, human-reviewable records.
	DeadLetters(ctx context.Context) ([]*model.RetryRecord, error)
}

// Backoff computes capped exponential retry delays:
// delay(n) = min(base * 2^n, max).
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait after the n-th failed attempt (0-based). With
// base=10s and max=1000s, attempts 0..3 wait 10s, 20s, 40s, 80s.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := b.BaseDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}
