package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/audit"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/consent"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/gate"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/identity"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/policy"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/proposal"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/ratelimit"
)

// AdmissionService runs every inbound mutation through the admission
// pipeline: identity presence, rate limit, policy lookup, privilege check,
// condition check, consent check, proposal creation. The first deny reason
// in that order is returned; denials are single-cause.
type AdmissionService struct {
	policies  *PolicyService
	limiter   ratelimit.Limiter
	proposals proposal.Store
	consents  consent.Store
	log       *AuditLog
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewAdmissionService wires the admission pipeline.
func NewAdmissionService(policies *PolicyService, limiter ratelimit.Limiter, proposals proposal.Store, consents consent.Store, log *AuditLog, logger *slog.Logger) *AdmissionService {
	return &AdmissionService{
		policies:  policies,
		limiter:   limiter,
		proposals: proposals,
		consents:  consents,
		log:       log,
		logger:    logger,
		tracer:    otel.Tracer("bastion-gate/admission"),
		now:       time.Now,
	}
}

// SetClock replaces the service clock. For tests.
func (s *AdmissionService) SetClock(now func() time.Time) { s.now = now }

// Admit decides whether the proposed mutation may enter governance. On
// success a new proposal is persisted, audited, and returned. On denial a
// DENY audit record is appended (proposal creation denials only; an
// unauthenticated request has no actor worth recording).
func (s *AdmissionService) Admit(ctx context.Context, principal identity.Principal, mutationName string, payload map[string]any) (*proposal.Proposal, error) {
	ctx, span := s.tracer.Start(ctx, "gate.admit",
		trace.WithAttributes(attribute.String("mutation", mutationName)))
	defer span.End()

	// One snapshot for the whole request.
	snapshot := s.policies.Snapshot()
	actor := string(principal)

	// 1. Identity presence.
	if !principal.Valid() {
		return nil, gate.Deny(gate.KindUnauthenticated, "no verified identity")
	}

	// 2. Rate limit. Evict, check, and append atomically per identity;
	// a denial consumes no slot.
	res, err := s.limiter.Allow(ctx, actor, snapshot.Constraints.MaxRateRPM)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !res.Allowed {
		s.auditDeny(ctx, actor, mutationName, gate.KindRateLimited,
			fmt.Sprintf("retry_after=%s", res.RetryAfter.Round(time.Second)))
		return nil, gate.Deny(gate.KindRateLimited,
			"rate limit of %d/min exceeded", snapshot.Constraints.MaxRateRPM)
	}

	// 3. Policy lookup.
	mutation, ok := snapshot.Mutation(mutationName)
	if !ok {
		s.auditDeny(ctx, actor, mutationName, gate.KindUnknownMutation, "")
		return nil, gate.Deny(gate.KindUnknownMutation,
			"mutation %q is not gated by the active policy", mutationName)
	}

	// 4. Privilege check: the privilege required by a mutation is its name.
	if !snapshot.HasPrivilege(actor, policy.Privilege(mutationName)) {
		s.auditDeny(ctx, actor, mutationName, gate.KindForbidden, "missing privilege")
		return nil, gate.Deny(gate.KindForbidden,
			"identity lacks the %s privilege", mutationName)
	}

	// 5. Admission condition, if the mutation declares one.
	pass, err := s.policies.CheckCondition(ctx, snapshot, mutationName, payload, actor)
	if err != nil {
		s.logger.Error("condition evaluation failed",
			"mutation", mutationName, "error", err)
		return nil, fmt.Errorf("evaluate condition: %w", err)
	}
	if !pass {
		s.auditDeny(ctx, actor, mutationName, gate.KindForbidden, "condition false")
		return nil, gate.Deny(gate.KindForbidden,
			"payload does not satisfy the admission condition for %s", mutationName)
	}

	// 6. Consent check against the binding matching the mutation category.
	if binding, ok := snapshot.Binding(mutationName); ok {
		if err := s.checkConsent(ctx, actor, binding); err != nil {
			s.auditDeny(ctx, actor, mutationName, gate.KindConsentDenied, "")
			return nil, err
		}
	}

	// 7. Proposal creation.
	now := s.now().UTC()
	p := &proposal.Proposal{
		ID:                "p-" + uuid.New().String(),
		MutationName:      mutationName,
		Payload:           payload,
		Proposer:          actor,
		ProposedAt:        now,
		TimelockUntil:     now.Add(time.Duration(mutation.TimelockHours) * time.Hour),
		Approvals:         []string{actor},
		RequiredApprovals: mutation.Approvals,
	}
	p.Status = p.EvaluateStatus(now)

	if err := s.proposals.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("persist proposal: %w", err)
	}

	detail := "mutation=" + mutationName
	if snapshot.Constraints.LogAllMutations {
		detail += " payload_keys=" + payloadKeys(payload)
	}
	if _, err := s.log.Append(ctx, audit.KindPropose, actor, p.ID, detail); err != nil {
		return nil, fmt.Errorf("audit propose: %w", err)
	}

	span.SetAttributes(attribute.String("proposal_id", p.ID))
	s.logger.Info("proposal admitted",
		"proposal_id", p.ID,
		"mutation", mutationName,
		"proposer", actor,
		"required_approvals", p.RequiredApprovals,
		"timelock_until", p.TimelockUntil,
	)
	return p, nil
}

// checkConsent consults the consent store for the binding. An explicit
// refusal denies; a missing record falls back to the binding's defaults,
// which govern telemetry and indexing side effects rather than admission.
func (s *AdmissionService) checkConsent(ctx context.Context, actor string, binding policy.ConsentBinding) error {
	rec, err := s.consents.Get(ctx, actor, binding.Name)
	if errors.Is(err, consent.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consent lookup: %w", err)
	}
	if !rec.Allowed {
		return gate.Deny(gate.KindConsentDenied,
			"identity has refused consent for %s", binding.Name)
	}
	return nil
}

// payloadKeys lists payload keys sorted, never values: the audit log is
// durable and payloads may carry secrets.
func payloadKeys(payload map[string]any) string {
	if len(payload) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (s *AdmissionService) auditDeny(ctx context.Context, actor, mutationName string, kind gate.Kind, extra string) {
	detail := fmt.Sprintf("mutation=%s reason=%s", mutationName, kind)
	if extra != "" {
		detail += " " + extra
	}
	if _, err := s.log.Append(ctx, audit.KindDeny, actor, "-", detail); err != nil {
		s.logger.Error("audit deny", "error", err)
	}
}
