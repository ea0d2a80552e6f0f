package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status classifies the outcome of a provider call or orchestration step.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusTransientError Status = "TRANSIENT_ERROR"
	StatusPermanentError Status = "PERMANENT_ERROR"
	StatusUnauthorized   Status = "UNAUTHORIZED"
	StatusNotFound       Status = "NOT_FOUND"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a suffix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// OperationResult is the uniform outcome of any directory provider call.
// Expected failures travel as values through this type; errors are reserved
// for conditions the caller cannot classify (and are converted at the call
// boundary before they cross the orchestrator).
type OperationResult struct {
	Status     Status        `json:"status"`
	Data       interface{}   `json:"data,omitempty"`
	Message    string        `json:"message,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Retryable reports whether the result is eligible for the retry queue.
// Only transient failures qualify; permanent, unauthorized and not-found
// outcomes are terminal for propagation purposes.
func (r OperationResult) Retryable() bool {
	return r.Status == StatusTransientError
}

// Success reports whether the operation completed.
func (r OperationResult) Success() bool {
	return r.Status == StatusSuccess
}

// SuccessResult builds a successful OperationResult with an optional payload.
func SuccessResult(data interface{}, message string) OperationResult {
	return OperationResult{Status: StatusSuccess, Data: data, Message: message}
}

// TransientError builds a retry-eligible failure result.
func TransientError(message, code string) OperationResult {
	return OperationResult{Status: StatusTransientError, Message: message, ErrorCode: code}
}

// PermanentError builds a terminal failure result.
func PermanentError(message, code string) OperationResult {
	return OperationResult{Status: StatusPermanentError, Message: message, ErrorCode: code}
}

// HealthCheckResult reports a single provider's liveness.
type HealthCheckResult struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
}
