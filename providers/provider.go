package providers

import (
	"context"

	"github.com/rosterhq/roster/model"
)

// Capabilities describes what a concrete directory backend offers. Exactly
// one registered provider must report IsPrimary.
type Capabilities struct {
	Name      string `json:"name"`
	IsPrimary bool   `json:"is_primary"`
}

// DirectoryProvider is the contract every external identity backend
// implements. Each call returns a uniform OperationResult; implementations
// classify their own failures and never panic across this boundary.
type DirectoryProvider interface {
	Capabilities() Capabilities
	AddMember(ctx context.Context, groupID, memberEmail string) model.OperationResult
	RemoveMember(ctx context.Context, groupID, memberEmail string) model.OperationResult
	GetGroupMembers(ctx context.Context, groupID string) model.OperationResult
	ListGroups(ctx context.Context) model.OperationResult
	HealthCheck(ctx context.Context) model.HealthCheckResult
}
