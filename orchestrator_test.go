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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterhq/roster/audit"
	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/internal/breaker"
	"github.com/rosterhq/roster/model"
	"github.com/rosterhq/roster/providers"
	"github.com/rosterhq/roster/retry"
)

type testEnv struct {
	roster      *Roster
	primary     *providers.MemoryProvider
	secondaries map[string]*providers.MemoryProvider
	retries     *retry.MemoryStore
	auditStore  *audit.MemoryStore
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		Retry: config.RetryConfig{
			BaseDelaySeconds: 10,
			MaxDelaySeconds:  1000,
			MaxAttempts:      3,
			BatchSize:        50,
			LeaseSeconds:     60,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			TimeoutSeconds:   60,
			HalfOpenMaxCalls: 1,
		},
		Fanout: config.FanoutConfig{MaxConcurrency: 4},
	}
}

func newTestEnv(t *testing.T, conf *config.Configuration, backoff retry.Backoff, secondaryNames ...string) *testEnv {
	t.Helper()

	primary := providers.NewMemoryProvider("ldap", true)
	provs := []providers.DirectoryProvider{primary}
	secondaries := make(map[string]*providers.MemoryProvider, len(secondaryNames))
	for _, name := range secondaryNames {
		p := providers.NewMemoryProvider(name, false)
		secondaries[name] = p
		provs = append(provs, p)
	}

	registry, err := providers.NewRegistry(provs...)
	require.NoError(t, err)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: conf.Breaker.FailureThreshold,
		Timeout:          time.Duration(conf.Breaker.TimeoutSeconds) * time.Second,
		HalfOpenMaxCalls: conf.Breaker.HalfOpenMaxCalls,
	})

	retries := retry.NewMemoryStore(backoff)
	auditStore := audit.NewMemoryStore()
	trail := audit.NewTrail(auditStore, nil, 30*24*time.Hour)

	return &testEnv{
		roster:      New(conf, registry, breakers, retries, trail, nil),
		primary:     primary,
		secondaries: secondaries,
		retries:     retries,
		auditStore:  auditStore,
	}
}

func defaultBackoff() retry.Backoff {
	return retry.Backoff{BaseDelay: 10 * time.Second, MaxDelay: 1000 * time.Second}
}

func TestAddMember_AllProvidersSucceed(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta", "google")
	env.primary.SeedGroup("eng-team")
	env.secondaries["okta"].SeedGroup("eng-team")
	env.secondaries["google"].SeedGroup("eng-team")

	resp, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
		Requestor:   "admin@example.com",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.False(t, resp.PartialFailures)
	assert.Equal(t, model.StatusSuccess, resp.Primary.Status)
	require.Len(t, resp.Propagation, 2)
	for name, result := range resp.Propagation {
		assert.Equal(t, model.StatusSuccess, result.Status, name)
	}

	assert.True(t, env.primary.HasMember("eng-team", "alice@example.com"))
	assert.True(t, env.secondaries["okta"].HasMember("eng-team", "alice@example.com"))
	assert.True(t, env.secondaries["google"].HasMember("eng-team", "alice@example.com"))

	pending, err := env.retries.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestAddMember_SecondaryFailureQueuesRetry(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta", "google")
	env.primary.SeedGroup("eng-team")
	env.secondaries["okta"].SeedGroup("eng-team")
	env.secondaries["google"].SeedGroup("eng-team")
	env.secondaries["google"].FailNext(model.TransientError("rate limited", "RATE_LIMITED"))

	resp, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
		Requestor:   "admin@example.com",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.True(t, resp.PartialFailures)
	assert.Equal(t, model.StatusSuccess, resp.Propagation["okta"].Status)
	assert.Equal(t, model.StatusTransientError, resp.Propagation["google"].Status)
	assert.Equal(t, []string{"google"}, resp.FailedSecondaries())

	pending, err := env.retries.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	due, err := env.retries.FetchDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "group.propagate.add_member.google", due[0].OperationType)
	assert.Equal(t, resp.CorrelationID, due[0].Payload[model.PayloadCorrelationID])
	assert.Equal(t, "rate limited", due[0].LastError)

	// Primary success, okta success and google failure: three entries total.
	entries, err := env.auditStore.ByCorrelation(context.Background(), resp.CorrelationID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	byProvider := map[string]*model.AuditEntry{}
	for _, e := range entries {
		byProvider[e.Provider] = e
	}
	assert.Equal(t, model.AuditResultSuccess, byProvider["ldap"].Result)
	assert.Equal(t, model.AuditResultSuccess, byProvider["okta"].Result)
	assert.Equal(t, model.AuditResultFailure, byProvider["google"].Result)
	assert.Equal(t, string(model.StatusTransientError), byProvider["google"].ErrorType)
}

func TestAddMember_PrimaryFailureStopsPropagation(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta")
	env.primary.SeedGroup("eng-team", "alice@example.com")
	env.secondaries["okta"].SeedGroup("eng-team")

	resp, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
		Requestor:   "admin@example.com",
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, model.StatusPermanentError, resp.Primary.Status)
	assert.Equal(t, "ALREADY_MEMBER", resp.Primary.ErrorCode)
	assert.Empty(t, resp.Propagation)
	assert.Contains(t, resp.Message, "primary write failed")

	// Nothing was propagated and nothing queued.
	assert.False(t, env.secondaries["okta"].HasMember("eng-team", "alice@example.com"))
	pending, err := env.retries.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)

	entries, err := env.auditStore.ByCorrelation(context.Background(), resp.CorrelationID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ldap", entries[0].Provider)
	assert.Equal(t, model.AuditResultFailure, entries[0].Result)
}

func TestRemoveMember_PropagatesToSecondaries(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta")
	env.primary.SeedGroup("eng-team", "alice@example.com")
	env.secondaries["okta"].SeedGroup("eng-team", "alice@example.com")

	resp, err := env.roster.RemoveMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
		Requestor:   "admin@example.com",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, model.ActionRemoveMember, resp.Action)
	assert.False(t, env.primary.HasMember("eng-team", "alice@example.com"))
	assert.False(t, env.secondaries["okta"].HasMember("eng-team", "alice@example.com"))
}

func TestAddMember_ValidationError(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta")

	_, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		MemberEmail: "alice@example.com",
	})
	require.Error(t, err)

	_, err = env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "not-an-email",
	})
	require.Error(t, err)
}

func TestOrchestrate_CorrelationIDThreadsThrough(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta")
	env.primary.SeedGroup("eng-team")
	env.secondaries["okta"].SeedGroup("eng-team")
	env.secondaries["okta"].FailNext(model.TransientError("timeout", "TIMEOUT"))

	resp, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:       "eng-team",
		MemberEmail:   "alice@example.com",
		CorrelationID: "req_fixed",
	})
	require.NoError(t, err)
	assert.Equal(t, "req_fixed", resp.CorrelationID)

	entries, err := env.auditStore.ByCorrelation(context.Background(), "req_fixed")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	due, err := env.retries.FetchDue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "req_fixed", due[0].Payload[model.PayloadCorrelationID])
}

func TestOrchestrate_GeneratesCorrelationID(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff())
	env.primary.SeedGroup("eng-team")

	resp, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.CorrelationID, "req_")
}

func TestAddMember_RetryAfterHintDelaysFirstRetry(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta")
	env.primary.SeedGroup("eng-team")
	env.secondaries["okta"].FailNext(model.OperationResult{
		Status:     model.StatusTransientError,
		Message:    "throttled",
		ErrorCode:  "RATE_LIMITED",
		RetryAfter: 5 * time.Minute,
	})

	_, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
	})
	require.NoError(t, err)

	// Not due yet: the provider asked for a five minute pause.
	due, err := env.retries.FetchDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	pending, err := env.retries.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestOrchestrate_OpenBreakerSkipsProvider(t *testing.T) {
	conf := testConfig()
	conf.Breaker.FailureThreshold = 1
	env := newTestEnv(t, conf, defaultBackoff(), "okta")
	env.primary.SeedGroup("eng-team")
	env.secondaries["okta"].SeedGroup("eng-team")
	env.secondaries["okta"].FailNext(model.TransientError("down", "CONN_REFUSED"))

	// First change trips okta's breaker.
	_, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, env.roster.Breakers().Get("okta").GetStats().State)

	// Second change is rejected at the breaker, still queued for retry.
	resp, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "bob@example.com",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, model.StatusTransientError, resp.Propagation["okta"].Status)
	assert.Equal(t, "CIRCUIT_OPEN", resp.Propagation["okta"].ErrorCode)
	assert.False(t, env.secondaries["okta"].HasMember("eng-team", "bob@example.com"))

	pending, err := env.retries.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

type panicProvider struct {
	name string
}

func (p *panicProvider) Capabilities() providers.Capabilities {
	return providers.Capabilities{Name: p.name}
}

func (p *panicProvider) AddMember(ctx context.Context, groupID, memberEmail string) model.OperationResult {
	panic("nil map write in sdk response handler")
}

func (p *panicProvider) RemoveMember(ctx context.Context, groupID, memberEmail string) model.OperationResult {
	panic("nil map write in sdk response handler")
}

func (p *panicProvider) GetGroupMembers(ctx context.Context, groupID string) model.OperationResult {
	panic("nil map write in sdk response handler")
}

func (p *panicProvider) ListGroups(ctx context.Context) model.OperationResult {
	panic("nil map write in sdk response handler")
}

func (p *panicProvider) HealthCheck(ctx context.Context) model.HealthCheckResult {
	return model.HealthCheckResult{Healthy: false, Status: "panicking"}
}

func TestOrchestrate_ProviderPanicContained(t *testing.T) {
	conf := testConfig()
	primary := providers.NewMemoryProvider("ldap", true)
	primary.SeedGroup("eng-team")
	registry, err := providers.NewRegistry(primary, &panicProvider{name: "flaky"})
	require.NoError(t, err)

	retries := retry.NewMemoryStore(defaultBackoff())
	auditStore := audit.NewMemoryStore()
	r := New(conf, registry, breaker.NewRegistry(breaker.Config{FailureThreshold: 5}), retries, audit.NewTrail(auditStore, nil, 0), nil)

	resp, err := r.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, model.StatusTransientError, resp.Propagation["flaky"].Status)
	assert.Equal(t, "PROVIDER_PANIC", resp.Propagation["flaky"].ErrorCode)

	pending, err := retries.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestRetryProcessor_ReplaySucceeds(t *testing.T) {
	quick := retry.Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	env := newTestEnv(t, testConfig(), quick, "okta")
	env.primary.SeedGroup("eng-team")
	env.secondaries["okta"].SeedGroup("eng-team")
	env.secondaries["okta"].FailNext(model.TransientError("timeout", "TIMEOUT"))

	resp, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
	})
	require.NoError(t, err)
	require.True(t, resp.PartialFailures)
	assert.False(t, env.secondaries["okta"].HasMember("eng-team", "alice@example.com"))

	worker := env.roster.NewWorker()
	stats, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)

	assert.True(t, env.secondaries["okta"].HasMember("eng-team", "alice@example.com"))
	pending, err := env.retries.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)

	// The replay success lands in the same correlation trail as the
	// original request.
	entries, err := env.auditStore.ByCorrelation(context.Background(), resp.CorrelationID)
	require.NoError(t, err)
	var replayed *model.AuditEntry
	for _, e := range entries {
		if e.Provider == "okta" && e.Result == model.AuditResultSuccess {
			replayed = e
		}
	}
	require.NotNil(t, replayed)
	assert.NotEmpty(t, replayed.Metadata["retry_record"])
}

func TestRetryProcessor_FailsAgainThenSucceeds(t *testing.T) {
	quick := retry.Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	env := newTestEnv(t, testConfig(), quick, "okta")
	env.primary.SeedGroup("eng-team")
	env.secondaries["okta"].SeedGroup("eng-team")
	env.secondaries["okta"].FailNext(
		model.TransientError("timeout", "TIMEOUT"),
		model.TransientError("timeout", "TIMEOUT"),
	)

	_, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
	})
	require.NoError(t, err)

	worker := env.roster.NewWorker()

	stats, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	time.Sleep(5 * time.Millisecond)

	stats, err = worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)
	assert.True(t, env.secondaries["okta"].HasMember("eng-team", "alice@example.com"))
}

func TestRetryProcessor_PermanentFailureDeadLetters(t *testing.T) {
	quick := retry.Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	env := newTestEnv(t, testConfig(), quick, "okta")
	env.primary.SeedGroup("eng-team")
	// okta never learned about the group: replay hits GROUP_NOT_FOUND.
	env.secondaries["okta"].FailNext(model.TransientError("timeout", "TIMEOUT"))

	resp, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
	})
	require.NoError(t, err)
	require.True(t, resp.PartialFailures)

	worker := env.roster.NewWorker()
	stats, err := worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PermanentFailures)

	letters, err := env.retries.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "group.propagate.add_member.okta", letters[0].OperationType)
}

func TestRetryProcessor_UnknownProviderIsPermanent(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta")

	record := model.NewPropagationRetry(model.ActionAddMember, "decommissioned", "eng-team", "alice@example.com", "req_x", 3)
	outcome, err := env.roster.RetryProcessor().Process(context.Background(), record)
	require.Error(t, err)
	assert.Equal(t, retry.OutcomePermanent, outcome)
}

func TestRetryProcessor_IncompletePayloadIsPermanent(t *testing.T) {
	env := newTestEnv(t, testConfig(), defaultBackoff(), "okta")

	record := model.NewPropagationRetry(model.ActionAddMember, "okta", "", "alice@example.com", "req_x", 3)
	outcome, err := env.roster.RetryProcessor().Process(context.Background(), record)
	require.Error(t, err)
	assert.Equal(t, retry.OutcomePermanent, outcome)
}

func TestHealth_ReportsProvidersAndBreakers(t *testing.T) {
	conf := testConfig()
	conf.Breaker.FailureThreshold = 1
	env := newTestEnv(t, conf, defaultBackoff(), "okta")
	env.primary.SeedGroup("eng-team")

	snapshot := env.roster.Health(context.Background())
	assert.True(t, snapshot.Healthy)
	assert.Len(t, snapshot.Providers, 2)
	assert.Zero(t, snapshot.PendingRetries)

	env.secondaries["okta"].FailNext(model.TransientError("down", "CONN_REFUSED"))
	_, err := env.roster.AddMember(context.Background(), model.MembershipChange{
		GroupID:     "eng-team",
		MemberEmail: "alice@example.com",
	})
	require.NoError(t, err)

	snapshot = env.roster.Health(context.Background())
	assert.False(t, snapshot.Healthy)
	assert.Equal(t, breaker.StateOpen, snapshot.Breakers["okta"].State)
	assert.Equal(t, 1, snapshot.PendingRetries)
}
