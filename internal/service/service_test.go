package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperpolymath/indieweb2-bastion/internal/adapter/outbound/memory"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/executor"
)

// testPolicy is the governance policy used by most service tests:
// rotate_keys needs two maintainers and a 24h timelock, mutate_dns is
// single-approval with a 1h timelock and a payload condition.
const testPolicy = `
version: "test-1"
capabilities:
  maintainer: "file:///tmp/maintainer.json"
  trusted_contributor: "file:///tmp/contributor.json"
  default_consent: "file:///tmp/consent.json"
mutations:
  - name: rotate_keys
    approvals: 2
    timelock_hours: 24
  - name: mutate_dns
    approvals: 1
    timelock_hours: 1
    condition: 'payload.zone != ""'
roles:
  - name: maintainer
    members: ["identity:alice", "identity:jonathan"]
    privileges: [rotate_keys, mutate_dns]
consent_bindings:
  - name: mutate_dns
    manifest_ref: "file:///tmp/dns-consent.json"
    required: true
    defaults:
      telemetry: "on"
      indexing: "on"
constraints:
  require_mtls: true
  log_all_mutations: true
  max_rate_rpm: 30
`

// testPolicyLowRate is a reduced policy with max_rate_rpm = 2, only the
// mutate_dns mutation (no condition) and no rotate_keys, for rate limiter
// and policy-change scenarios.
const testPolicyLowRate = `
version: "test-rate"
capabilities:
  maintainer: "file:///tmp/maintainer.json"
  trusted_contributor: "file:///tmp/contributor.json"
  default_consent: "file:///tmp/consent.json"
mutations:
  - name: mutate_dns
    approvals: 1
    timelock_hours: 1
roles:
  - name: maintainer
    members: ["identity:alice", "identity:jonathan"]
    privileges: [mutate_dns]
constraints:
  max_rate_rpm: 2
`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 22, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []executor.Request
	// fn decides the outcome of each call. Defaults to success.
	fn func(req executor.Request) (executor.Result, error)
	// gate, when non-nil, blocks Execute until closed.
	gate chan struct{}
}

func (e *fakeExecutor) Execute(_ context.Context, req executor.Request) (executor.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	fn := e.fn
	gate := e.gate
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fn != nil {
		return fn(req)
	}
	return executor.Result{Detail: "done"}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixture struct {
	clock     *fakeClock
	sink      *memory.AuditSink
	log       *AuditLog
	policies  *PolicyService
	store     *memory.ProposalStore
	limiter   *memory.RateLimiter
	exec      *fakeExecutor
	consents  *memory.ConsentStore
	admission *AdmissionService
	proposals *ProposalService
	path      string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writePolicy(t *testing.T, path, doc string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("write policy document: %v", err)
	}
}

func newFixture(t *testing.T, policyDoc string, opts ...ProposalServiceOption) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()
	clock := newFakeClock()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, policyDoc)

	sink := memory.NewAuditSink(4096)
	log := NewAuditLog(logger, sink)
	log.SetClock(clock.Now)

	policies, err := NewPolicyService(ctx, path, log, logger)
	if err != nil {
		t.Fatalf("NewPolicyService() error: %v", err)
	}
	if policies.Snapshot().Development {
		t.Fatal("fixture policy failed to load")
	}

	store := memory.NewProposalStore()
	limiter := memory.NewRateLimiter(nil)
	limiter.SetClock(clock.Now)
	consents := memory.NewConsentStore()
	exec := &fakeExecutor{}

	admission := NewAdmissionService(policies, limiter, store, consents, log, logger)
	admission.SetClock(clock.Now)

	opts = append(opts, WithClock(clock.Now))
	proposals := NewProposalService(store, policies, exec, log, logger, opts...)
	t.Cleanup(proposals.Stop)

	return &fixture{
		clock:     clock,
		sink:      sink,
		log:       log,
		policies:  policies,
		store:     store,
		limiter:   limiter,
		exec:      exec,
		consents:  consents,
		admission: admission,
		proposals: proposals,
		path:      path,
	}
}

// auditKinds returns the kinds of all audit records for a subject, oldest
// first.
func (f *fixture) auditKinds(subject string) []string {
	recent := f.sink.Recent(4096)
	var kinds []string
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Subject == subject {
			kinds = append(kinds, string(recent[i].Kind))
		}
	}
	return kinds
}
