package providers

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rosterhq/roster/model"
)

// MemoryProvider is a fully functional in-process directory backend: groups
// map to member sets. It doubles as the reference implementation for local
// runs and the standard test double. FailNext and FailureRate inject
// transient failures; Delay simulates network latency.
type MemoryProvider struct {
	name    string
	primary bool

	Delay       time.Duration
	FailureRate float64

	mu       sync.RWMutex
	groups   map[string]map[string]bool
	failNext []model.OperationResult
}

// NewMemoryProvider creates an empty in-memory directory.
func NewMemoryProvider(name string, primary bool) *MemoryProvider {
	return &MemoryProvider{
		name:    name,
		primary: primary,
		groups:  make(map[string]map[string]bool),
	}
}

func (m *MemoryProvider) Capabilities() Capabilities {
	return Capabilities{Name: m.name, IsPrimary: m.primary}
}

// FailNext queues a canned result returned by the next mutating call instead
// of touching state. Calls consume queued results in order.
func (m *MemoryProvider) FailNext(results ...model.OperationResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, results...)
}

// SeedGroup creates a group with the given members, replacing any existing
// membership.
func (m *MemoryProvider) SeedGroup(groupID string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(members))
	for _, email := range members {
		set[model.NormalizeEmail(email)] = true
	}
	m.groups[groupID] = set
}

func (m *MemoryProvider) injectedFailure() (model.OperationResult, bool) {
	if len(m.failNext) > 0 {
		res := m.failNext[0]
		m.failNext = m.failNext[1:]
		return res, true
	}
	if m.FailureRate > 0 && rand.Float64() < m.FailureRate {
		return model.TransientError("injected failure", "SIMULATED"), true
	}
	return model.OperationResult{}, false
}

func (m *MemoryProvider) simulateLatency() {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
}

func (m *MemoryProvider) AddMember(_ context.Context, groupID, memberEmail string) model.OperationResult {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, failed := m.injectedFailure(); failed {
		return res
	}

	group, ok := m.groups[groupID]
	if !ok {
		return model.OperationResult{
			Status:    model.StatusNotFound,
			Message:   fmt.Sprintf("group %s not found", groupID),
			ErrorCode: "GROUP_NOT_FOUND",
		}
	}

	email := model.NormalizeEmail(memberEmail)
	if group[email] {
		return model.PermanentError(fmt.Sprintf("%s is already a member of %s", email, groupID), "ALREADY_MEMBER")
	}
	group[email] = true
	return model.SuccessResult(map[string]string{"group_id": groupID, "member_email": email}, "member added")
}

func (m *MemoryProvider) RemoveMember(_ context.Context, groupID, memberEmail string) model.OperationResult {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, failed := m.injectedFailure(); failed {
		return res
	}

	group, ok := m.groups[groupID]
	if !ok {
		return model.OperationResult{
			Status:    model.StatusNotFound,
			Message:   fmt.Sprintf("group %s not found", groupID),
			ErrorCode: "GROUP_NOT_FOUND",
		}
	}

	email := model.NormalizeEmail(memberEmail)
	if !group[email] {
		return model.OperationResult{
			Status:    model.StatusNotFound,
			Message:   fmt.Sprintf("%s is not a member of %s", email, groupID),
			ErrorCode: "NOT_A_MEMBER",
		}
	}
	delete(group, email)
	return model.SuccessResult(map[string]string{"group_id": groupID, "member_email": email}, "member removed")
}

func (m *MemoryProvider) GetGroupMembers(_ context.Context, groupID string) model.OperationResult {
	m.simulateLatency()
	m.mu.RLock()
	defer m.mu.RUnlock()

	group, ok := m.groups[groupID]
	if !ok {
		return model.OperationResult{
			Status:    model.StatusNotFound,
			Message:   fmt.Sprintf("group %s not found", groupID),
			ErrorCode: "GROUP_NOT_FOUND",
		}
	}
	members := make([]string, 0, len(group))
	for email := range group {
		members = append(members, email)
	}
	return model.SuccessResult(members, "")
}

func (m *MemoryProvider) ListGroups(_ context.Context) model.OperationResult {
	m.simulateLatency()
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make([]string, 0, len(m.groups))
	for id := range m.groups {
		groups = append(groups, id)
	}
	return model.SuccessResult(groups, "")
}

func (m *MemoryProvider) HealthCheck(_ context.Context) model.HealthCheckResult {
	return model.HealthCheckResult{Healthy: true, Status: "ok"}
}

// HasMember reports current membership. Test helper.
func (m *MemoryProvider) HasMember(groupID, memberEmail string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[groupID][model.NormalizeEmail(memberEmail)]
}
