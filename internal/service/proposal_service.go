package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/audit"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/executor"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/gate"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/identity"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/policy"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/proposal"
)

// executeTimeout bounds a single executor invocation.
const executeTimeout = 30 * time.Second

// ProposalService drives the proposal state machine: approvals, the
// single-shot execute transition, crash recovery, and TTL expiry.
type ProposalService struct {
	store    proposal.Store
	policies *PolicyService
	exec     executor.Executor
	log      *AuditLog
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// ttl expires non-terminal proposals after ProposedAt + ttl.
	// Zero disables expiry.
	ttl time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ProposalServiceOption configures the service.
type ProposalServiceOption func(*ProposalService)

// WithProposalTTL enables the EXPIRED transition after the given duration.
func WithProposalTTL(ttl time.Duration) ProposalServiceOption {
	return func(s *ProposalService) { s.ttl = ttl }
}

// WithClock replaces the service clock. For tests.
func WithClock(now func() time.Time) ProposalServiceOption {
	return func(s *ProposalService) { s.now = now }
}

// NewProposalService wires the state machine over the store and executor.
func NewProposalService(store proposal.Store, policies *PolicyService, exec executor.Executor, log *AuditLog, logger *slog.Logger, opts ...ProposalServiceOption) *ProposalService {
	s := &ProposalService{
		store:    store,
		policies: policies,
		exec:     exec,
		log:      log,
		logger:   logger,
		tracer:   otel.Tracer("bastion-gate/proposal"),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the proposal, or a NOT_FOUND denial.
func (s *ProposalService) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, proposal.ErrNotFound) {
		return nil, gate.Deny(gate.KindNotFound, "proposal %s not found", id)
	}
	return p, err
}

// List returns proposals matching the filter.
func (s *ProposalService) List(ctx context.Context, f proposal.Filter) ([]*proposal.Proposal, error) {
	return s.store.List(ctx, f)
}

// Approve adds the caller to the proposal's approval set. A repeat
// approval from the same identity is a no-op. The status is re-evaluated
// under the proposal's exclusive lock.
func (s *ProposalService) Approve(ctx context.Context, id string, principal identity.Principal) (*proposal.Proposal, error) {
	ctx, span := s.tracer.Start(ctx, "gate.approve",
		trace.WithAttributes(attribute.String("proposal_id", id)))
	defer span.End()

	if !principal.Valid() {
		return nil, gate.Deny(gate.KindUnauthenticated, "no verified identity")
	}
	actor := string(principal)

	var grew bool
	p, err := s.store.Mutate(ctx, id, func(p *proposal.Proposal) error {
		if p.Status.Terminal() {
			return gate.Deny(gate.KindAlreadyTerminal,
				"proposal %s is already %s", id, p.Status)
		}
		if p.Status == proposal.StatusExecuting {
			return gate.Deny(gate.KindInProgress, "proposal %s is executing", id)
		}
		if !s.policies.HasPrivilege(actor, policy.Privilege(p.MutationName)) {
			return gate.Deny(gate.KindForbidden,
				"identity lacks the %s privilege", p.MutationName)
		}
		grew = p.AddApproval(actor)
		p.Status = p.EvaluateStatus(s.now().UTC())
		return nil
	})
	if errors.Is(err, proposal.ErrNotFound) {
		return nil, gate.Deny(gate.KindNotFound, "proposal %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.log.Append(ctx, audit.KindApprove, actor, p.ID,
		fmt.Sprintf("approvals=%d/%d", len(p.Approvals), p.RequiredApprovals)); err != nil {
		return nil, fmt.Errorf("audit approve: %w", err)
	}

	s.logger.Info("proposal approval recorded",
		"proposal_id", p.ID,
		"approver", actor,
		"new", grew,
		"approvals", len(p.Approvals),
		"required", p.RequiredApprovals,
		"status", p.Status,
	)
	return p, nil
}

// Execute performs the single-shot transition to EXECUTING and drives the
// external executor. Exactly one of two racing execute calls wins the
// transition; the loser is denied. A crash after the EXECUTING pre-record
// is recovered at boot with the same idempotency key.
func (s *ProposalService) Execute(ctx context.Context, id string, principal identity.Principal) (*proposal.Proposal, error) {
	ctx, span := s.tracer.Start(ctx, "gate.execute",
		trace.WithAttributes(attribute.String("proposal_id", id)))
	defer span.End()

	if !principal.Valid() {
		return nil, gate.Deny(gate.KindUnauthenticated, "no verified identity")
	}

	snapshot := s.policies.Snapshot()
	now := s.now().UTC()

	// Claim the EXECUTING pre-record. This persists before the executor
	// is invoked so a crash cannot double-execute.
	p, err := s.store.Mutate(ctx, id, func(p *proposal.Proposal) error {
		if p.Status.Terminal() {
			return gate.Deny(gate.KindAlreadyTerminal,
				"proposal %s is already %s", id, p.Status)
		}
		if p.Status == proposal.StatusExecuting {
			return gate.Deny(gate.KindInProgress, "proposal %s is executing", id)
		}
		if _, ok := snapshot.Mutation(p.MutationName); !ok {
			return gate.Deny(gate.KindPolicyChanged,
				"mutation %s is no longer recognized by the active policy; resubmit",
				p.MutationName)
		}
		if !p.Approved() {
			return gate.Deny(gate.KindForbidden,
				"proposal %s has %d of %d required approvals",
				id, len(p.Approvals), p.RequiredApprovals)
		}
		if !p.TimelockElapsed(now) {
			return gate.Deny(gate.KindTimelockActive,
				"timelock holds until %s", p.TimelockUntil.Format(time.RFC3339))
		}
		p.Status = proposal.StatusExecuting
		return nil
	})
	if errors.Is(err, proposal.ErrNotFound) {
		return nil, gate.Deny(gate.KindNotFound, "proposal %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	return s.invokeExecutor(ctx, p, string(principal))
}

// invokeExecutor runs the executor for a proposal already in EXECUTING and
// records the outcome. Shared by Execute and Recover.
func (s *ProposalService) invokeExecutor(ctx context.Context, p *proposal.Proposal, actor string) (*proposal.Proposal, error) {
	execCtx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()

	result, execErr := s.exec.Execute(execCtx, executor.Request{
		ProposalID: p.ID,
		Mutation:   p.MutationName,
		Payload:    p.Payload,
	})

	var (
		outcome  proposal.Outcome
		next     proposal.Status
		denyKind gate.Kind
	)
	switch {
	case execErr == nil:
		next = proposal.StatusExecuted
		outcome = proposal.Outcome{OK: true, Detail: result.Detail}
	case executor.IsFatal(execErr):
		next = proposal.StatusRejected
		outcome = proposal.Outcome{Detail: execErr.Error()}
		denyKind = gate.KindInternal
	default:
		// Retriable and unclassified failures both return the proposal
		// to APPROVED; the executor call is idempotent and retriable.
		next = proposal.StatusApproved
		outcome = proposal.Outcome{Detail: execErr.Error(), Retriable: true}
		denyKind = gate.KindInternal
	}

	updated, err := s.store.Mutate(ctx, p.ID, func(p *proposal.Proposal) error {
		p.Status = next
		o := outcome
		p.Outcome = &o
		return nil
	})
	if err != nil {
		// The proposal stays EXECUTING; recovery re-invokes the executor
		// with the same idempotency key.
		return nil, fmt.Errorf("record execution outcome for %s: %w", p.ID, err)
	}

	detail := fmt.Sprintf("mutation=%s outcome=%s", updated.MutationName, next)
	if !outcome.OK {
		detail += " error=" + outcome.Detail
	}
	if _, err := s.log.Append(ctx, audit.KindExecute, actor, updated.ID, detail); err != nil {
		return nil, fmt.Errorf("audit execute: %w", err)
	}

	if execErr != nil {
		s.logger.Warn("execution failed",
			"proposal_id", updated.ID,
			"status", updated.Status,
			"error", execErr,
		)
		return updated, gate.Deny(denyKind, "executor failed: %s", outcome.Detail)
	}

	s.logger.Info("proposal executed", "proposal_id", updated.ID)
	return updated, nil
}

// Recover re-drives proposals stranded in EXECUTING by a crash. The
// executor's idempotency under (proposal_id, payload) makes the re-invoke
// safe. Called once at startup.
func (s *ProposalService) Recover(ctx context.Context) error {
	stranded, err := s.store.List(ctx, proposal.Filter{Status: proposal.StatusExecuting})
	if err != nil {
		return fmt.Errorf("list executing proposals: %w", err)
	}
	for _, p := range stranded {
		s.logger.Warn("recovering interrupted execution", "proposal_id", p.ID)
		if _, err := s.invokeExecutor(ctx, p, "system"); err != nil {
			s.logger.Error("recovery execution failed",
				"proposal_id", p.ID, "error", err)
		}
	}
	return nil
}

// ExpireStale transitions non-terminal proposals past their TTL to
// EXPIRED. No-op when TTL is disabled.
func (s *ProposalService) ExpireStale(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	now := s.now().UTC()
	cutoff := now.Add(-s.ttl)

	all, err := s.store.List(ctx, proposal.Filter{})
	if err != nil {
		s.logger.Error("expiry scan failed", "error", err)
		return
	}
	for _, p := range all {
		if p.Status.Terminal() || p.Status == proposal.StatusExecuting {
			continue
		}
		if p.ProposedAt.After(cutoff) {
			continue
		}
		expired, err := s.store.Mutate(ctx, p.ID, func(p *proposal.Proposal) error {
			if p.Status.Terminal() || p.Status == proposal.StatusExecuting {
				return gate.Deny(gate.KindAlreadyTerminal, "raced to terminal")
			}
			p.Status = proposal.StatusExpired
			return nil
		})
		if err != nil {
			continue
		}
		if _, err := s.log.Append(ctx, audit.KindDeny, "system", expired.ID,
			"mutation="+expired.MutationName+" reason=expired"); err != nil {
			s.logger.Error("audit expiry", "error", err)
		}
		s.logger.Info("proposal expired", "proposal_id", expired.ID)
	}
}

// StartJanitor runs ExpireStale on the given interval until ctx is
// cancelled or Stop is called. No-op when TTL is disabled.
func (s *ProposalService) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.ExpireStale(ctx)
			}
		}
	}()
}

// Stop terminates the janitor and waits for it to exit. Safe to call
// multiple times.
func (s *ProposalService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
