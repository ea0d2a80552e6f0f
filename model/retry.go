package model

import "time"

// Payload keys carried on every propagation retry record. Enough information
// travels on the record to replay the call without consulting any other state.
const (
	PayloadGroupID       = "group_id"
	PayloadMemberEmail   = "member_email"
	PayloadProvider      = "provider"
	PayloadAction        = "action"
	PayloadCorrelationID = "correlation_id"
)

// RetryRecord is one pending retry unit of work. It is owned exclusively by
// the retry store; workers hold only a time-bounded claim on it.
type RetryRecord struct {
	ID            string            `json:"id"`
	OperationType string            `json:"operation_type"`
	Payload       map[string]string `json:"payload"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	NextRetryAt   time.Time         `json:"next_retry_at"`
	LastError     string            `json:"last_error,omitempty"`
}

// NewPropagationRetry builds the retry record for a failed secondary
// propagation. The operation type identifies both the action and the target
// provider, e.g. "group.propagate.add_member.okta".
func NewPropagationRetry(action, provider, groupID, memberEmail, correlationID string, maxAttempts int) *RetryRecord {
	return &RetryRecord{
		OperationType: "group.propagate." + action + "." + provider,
		Payload: map[string]string{
			PayloadGroupID:       groupID,
			PayloadMemberEmail:   memberEmail,
			PayloadProvider:      provider,
			PayloadAction:        action,
			PayloadCorrelationID: correlationID,
		},
		MaxAttempts: maxAttempts,
	}
}

// Exhausted reports whether the record has used up its attempt budget.
func (r *RetryRecord) Exhausted() bool {
	return r.Attempts >= r.MaxAttempts
}
