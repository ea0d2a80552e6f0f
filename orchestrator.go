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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/rosterhq/roster/audit"
	"github.com/rosterhq/roster/internal/breaker"
	"github.com/rosterhq/roster/model"
	"github.com/rosterhq/roster/providers"
)

var tracer = otel.Tracer("roster.orchestration")

const resourceTypeGroup = "group"

// resultError carries a non-success OperationResult through the circuit
// breaker so transient provider failures count against the breaker's
// failure threshold.
type resultError struct {
	result model.OperationResult
}

func (e *resultError) Error() string {
	return fmt.Sprintf("%s: %s", e.result.Status, e.result.Message)
}

// AddMember writes the member to the primary directory and fans the change
// out to every secondary. The response reflects the primary outcome plus a
// best-effort snapshot of secondary state; failed secondaries are queued for
// retry and never block the caller.
func (r *Roster) AddMember(ctx context.Context, change model.MembershipChange) (*model.OrchestrationResponse, error) {
	change.Action = model.ActionAddMember
	return r.orchestrate(ctx, change)
}

// RemoveMember is the removal counterpart of AddMember.
func (r *Roster) RemoveMember(ctx context.Context, change model.MembershipChange) (*model.OrchestrationResponse, error) {
	change.Action = model.ActionRemoveMember
	return r.orchestrate(ctx, change)
}

func (r *Roster) orchestrate(ctx context.Context, change model.MembershipChange) (*model.OrchestrationResponse, error) {
	ctx, span := tracer.Start(ctx, "Orchestrating membership change")
	defer span.End()

	if err := change.Validate(); err != nil {
		return nil, err
	}
	if change.CorrelationID == "" {
		change.CorrelationID = model.GenerateUUIDWithSuffix("req")
	}

	response := &model.OrchestrationResponse{
		CorrelationID: change.CorrelationID,
		Action:        change.Action,
		GroupID:       change.GroupID,
		MemberEmail:   change.MemberEmail,
		Propagation:   map[string]model.OperationResult{},
	}

	primary := r.registry.Primary()
	primaryName := primary.Capabilities().Name
	primaryResult := r.callThroughBreaker(ctx, primary, change)
	response.Primary = primaryResult
	response.Success = primaryResult.Success()

	if !primaryResult.Success() {
		// Propagating against an inconsistent primary state is never
		// correct: stop here, audit the failure, queue nothing.
		r.auditOutcome(ctx, change, primaryName, primaryResult)
		response.Message = fmt.Sprintf("primary write failed on %s: %s", primaryName, primaryResult.Message)
		return response, nil
	}

	// The primary audit entry lands before any further side effect is
	// dispatched. An audit failure here is fatal-to-the-request in the
	// sense that it is surfaced loudly, not silently accepted.
	if err := r.auditOutcome(ctx, change, primaryName, primaryResult); err != nil {
		response.Message = "primary write recorded, audit write failed"
	}

	r.fanOut(ctx, change, response)
	response.PartialFailures = len(response.FailedSecondaries()) > 0
	return response, nil
}

// fanOut propagates the change to every secondary concurrently through a
// bounded worker pool, joining before the response is assembled.
func (r *Roster) fanOut(ctx context.Context, change model.MembershipChange, response *model.OrchestrationResponse) {
	ctx, span := tracer.Start(ctx, "Propagating to secondaries")
	defer span.End()

	secondaries := r.registry.Secondaries()
	if len(secondaries) == 0 {
		return
	}

	maxConcurrency := r.conf.Fanout.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sem := make(chan struct{}, maxConcurrency)

	for _, secondary := range secondaries {
		wg.Add(1)
		go func(p providers.DirectoryProvider) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			name := p.Capabilities().Name
			result := r.callThroughBreaker(ctx, p, change)

			mu.Lock()
			response.Propagation[name] = result
			mu.Unlock()

			// Every propagation attempt is audited, success or not.
			r.auditOutcome(ctx, change, name, result)
			if result.Success() {
				return
			}
			r.enqueueRetry(ctx, change, name, result)
		}(secondary)
	}
	wg.Wait()
}

// enqueueRetry saves a retry record for a failed secondary and nudges the
// sweep queue so a worker picks it up promptly.
func (r *Roster) enqueueRetry(ctx context.Context, change model.MembershipChange, providerName string, result model.OperationResult) {
	record := model.NewPropagationRetry(change.Action, providerName, change.GroupID, change.MemberEmail, change.CorrelationID, r.conf.Retry.MaxAttempts)
	record.LastError = result.Message
	if result.RetryAfter > 0 {
		// Respect the provider's rate-limit hint for the first retry.
		record.NextRetryAt = time.Now().Add(result.RetryAfter)
	}

	id, err := r.retries.Save(ctx, record)
	if err != nil {
		logrus.Errorf("failed to queue retry for %s (correlation %s): %v", providerName, change.CorrelationID, err)
		return
	}
	logrus.Infof("queued propagation retry %s for %s (correlation %s)", id, providerName, change.CorrelationID)

	if r.queue != nil {
		if err := r.queue.SignalSweep(ctx, record.NextRetryAt); err != nil {
			logrus.Errorf("failed to signal retry sweep: %v", err)
		}
	}
}

// callThroughBreaker invokes one provider operation through that provider's
// circuit breaker. An open breaker becomes an immediate transient result
// without attempting the call. Transient provider results count as breaker
// failures; permanent and not-found results do not trip the breaker since
// the backend itself is healthy.
func (r *Roster) callThroughBreaker(ctx context.Context, p providers.DirectoryProvider, change model.MembershipChange) model.OperationResult {
	name := p.Capabilities().Name
	cb := r.breakers.Get(name)

	var result model.OperationResult
	err := cb.Call(ctx, func(ctx context.Context) error {
		result = invokeProvider(ctx, p, change)
		if result.Status == model.StatusTransientError {
			return &resultError{result: result}
		}
		return nil
	})
	if err == nil {
		return result
	}

	if breaker.IsOpen(err) {
		logrus.Warnf("circuit breaker for %s is open, skipping call (correlation %s)", name, change.CorrelationID)
		return model.OperationResult{
			Status:    model.StatusTransientError,
			Message:   err.Error(),
			ErrorCode: "CIRCUIT_OPEN",
		}
	}
	if re, ok := err.(*resultError); ok {
		return re.result
	}
	return model.TransientError(err.Error(), "PROVIDER_ERROR")
}

// invokeProvider dispatches the change to the right provider method with
// panic containment: no provider fault ever escapes as an unhandled crash.
func invokeProvider(ctx context.Context, p providers.DirectoryProvider, change model.MembershipChange) (result model.OperationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("provider %s panicked on %s: %v", p.Capabilities().Name, change.Action, rec)
			result = model.TransientError(fmt.Sprintf("provider panic: %v", rec), "PROVIDER_PANIC")
		}
	}()

	switch change.Action {
	case model.ActionAddMember:
		return p.AddMember(ctx, change.GroupID, change.MemberEmail)
	case model.ActionRemoveMember:
		return p.RemoveMember(ctx, change.GroupID, change.MemberEmail)
	default:
		// A provider reaching this path is a configuration error, not a
		// remote failure; it is reported distinctly and stays retryable in
		// case a deploy fixes the wiring.
		logrus.Errorf("operation %s not implemented for provider %s", change.Action, p.Capabilities().Name)
		return model.TransientError(fmt.Sprintf("operation %s not implemented for this provider", change.Action), "UNSUPPORTED_OPERATION")
	}
}

// auditOutcome writes one audit entry for a provider-level outcome and
// returns the store error, already logged, for callers that care.
func (r *Roster) auditOutcome(ctx context.Context, change model.MembershipChange, providerName string, result model.OperationResult) error {
	auditResult := model.AuditResultSuccess
	errorType := ""
	if !result.Success() {
		auditResult = model.AuditResultFailure
		errorType = string(result.Status)
	}

	entry := r.trail.CreateEntry(audit.EntryParams{
		CorrelationID: change.CorrelationID,
		Action:        change.Action,
		ResourceType:  resourceTypeGroup,
		ResourceID:    change.GroupID,
		UserEmail:     change.Requestor,
		MemberEmail:   change.MemberEmail,
		Provider:      providerName,
		Result:        auditResult,
		ErrorType:     errorType,
		ErrorMessage:  result.Message,
		Justification: change.Justification,
	})
	return r.trail.Write(ctx, entry)
}
