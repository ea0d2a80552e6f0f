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
	"strconv"

	"github.com/rosterhq/roster/audit"
	"github.com/rosterhq/roster/model"
	"github.com/rosterhq/roster/retry"
)

// RetryProcessor returns the processor the retry worker runs: it re-derives
// the target provider and member from the record payload and replays the
// propagation call through the same circuit breaker the orchestrator used.
func (r *Roster) RetryProcessor() retry.Processor {
	return retry.ProcessorFunc(func(ctx context.Context, record *model.RetryRecord) (retry.Outcome, error) {
		change := model.MembershipChange{
			Action:        record.Payload[model.PayloadAction],
			GroupID:       record.Payload[model.PayloadGroupID],
			MemberEmail:   record.Payload[model.PayloadMemberEmail],
			CorrelationID: record.Payload[model.PayloadCorrelationID],
		}
		providerName := record.Payload[model.PayloadProvider]

		provider, ok := r.registry.Get(providerName)
		if !ok {
			// The provider was removed from configuration; replaying is
			// impossible and will stay impossible.
			return retry.OutcomePermanent, fmt.Errorf("provider %s is no longer registered", providerName)
		}
		if change.GroupID == "" || change.MemberEmail == "" || change.Action == "" {
			return retry.OutcomePermanent, fmt.Errorf("retry record %s has an incomplete payload", record.ID)
		}

		result := r.callThroughBreaker(ctx, provider, change)

		switch {
		case result.Success():
			r.auditRetryOutcome(ctx, change, providerName, result, record)
			return retry.OutcomeSuccess, nil
		case result.Status == model.StatusTransientError:
			return retry.OutcomeRetry, fmt.Errorf("propagation to %s still failing: %s", providerName, result.Message)
		default:
			// PERMANENT_ERROR, UNAUTHORIZED and NOT_FOUND are terminal for
			// retry purposes.
			r.auditRetryOutcome(ctx, change, providerName, result, record)
			return retry.OutcomePermanent, fmt.Errorf("propagation to %s failed permanently: %s", providerName, result.Message)
		}
	})
}

// auditRetryOutcome records the terminal outcome of a retried propagation,
// linked to the original request by correlation id.
func (r *Roster) auditRetryOutcome(ctx context.Context, change model.MembershipChange, providerName string, result model.OperationResult, record *model.RetryRecord) {
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
		MemberEmail:   change.MemberEmail,
		Provider:      providerName,
		Result:        auditResult,
		ErrorType:     errorType,
		ErrorMessage:  result.Message,
		Metadata: map[string]interface{}{
			"retry_record": record.ID,
			"attempts":     strconv.Itoa(record.Attempts),
		},
	})
	_ = r.trail.Write(ctx, entry)
}
