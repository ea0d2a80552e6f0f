package model

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Membership actions understood by the orchestrator.
const (
	ActionAddMember    = "add_member"
	ActionRemoveMember = "remove_member"
)

// MembershipChange is one requested mutation against the primary directory.
type MembershipChange struct {
	Action        string `json:"action"`
	GroupID       string `json:"group_id"`
	MemberEmail   string `json:"member_email"`
	Requestor     string `json:"requestor,omitempty"`
	Justification string `json:"justification,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Validate enforces the orchestrator's input contract. Justification is free
// text and only persisted for audit, so it carries no rule here.
func (c *MembershipChange) Validate() error {
	if c.Action != ActionAddMember && c.Action != ActionRemoveMember {
		return errors.New("action must be add_member or remove_member")
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.GroupID, validation.Required),
		validation.Field(&c.MemberEmail, validation.Required, is.EmailFormat),
	)
}

// OrchestrationResponse describes the outcome of one orchestrated write:
// the primary result plus a best-effort snapshot of every secondary's state
// at response time. Immutable once returned.
type OrchestrationResponse struct {
	CorrelationID   string                     `json:"correlation_id"`
	Action          string                     `json:"action"`
	GroupID         string                     `json:"group_id"`
	MemberEmail     string                     `json:"member_email"`
	Primary         OperationResult            `json:"primary"`
	Propagation     map[string]OperationResult `json:"propagation"`
	PartialFailures bool                       `json:"partial_failures"`
	Success         bool                       `json:"success"`
	Message         string                     `json:"message,omitempty"`
}

// FailedSecondaries lists the providers whose propagation did not succeed,
// in no particular order.
func (r *OrchestrationResponse) FailedSecondaries() []string {
	var failed []string
	for name, result := range r.Propagation {
		if !result.Success() {
			failed = append(failed, name)
		}
	}
	return failed
}

// NormalizeEmail lowercases and trims an email for comparison across
// directories that differ in case handling.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
