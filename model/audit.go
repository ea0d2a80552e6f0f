package model

import (
	"fmt"
	"time"
)

// Audit result values.
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
)

// AuditEntry is one immutable audit-worthy event: a primary write, a
// secondary propagation outcome, or a retry outcome. Entries are never
// updated in place; a correction is a new entry sharing the correlation id.
type AuditEntry struct {
	CorrelationID string            `json:"correlation_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Action        string            `json:"action"`
	ResourceType  string            `json:"resource_type"`
	ResourceID    string            `json:"resource_id"`
	UserEmail     string            `json:"user_email,omitempty"`
	MemberEmail   string            `json:"member_email,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	Result        string            `json:"result"`
	ErrorType     string            `json:"error_type,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Justification string            `json:"justification,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	TTL           time.Time         `json:"ttl,omitempty"`
}

// SortKey is the per-resource ordering key: timestamp#correlation_id. It
// keeps entries time-ordered within a resource while staying unique when two
// entries share a timestamp.
func (e *AuditEntry) SortKey() string {
	return fmt.Sprintf("%s#%s", e.Timestamp.UTC().Format(time.RFC3339Nano), e.CorrelationID)
}
