package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	celeval "github.com/hyperpolymath/indieweb2-bastion/internal/adapter/outbound/cel"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/audit"
	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/policy"
)

// CompiledPolicy pairs an immutable policy snapshot with its pre-compiled
// mutation condition programs. Both are replaced together on reload so a
// request never sees a policy and conditions from different loads.
type CompiledPolicy struct {
	*policy.Policy
	// Conditions maps mutation name to its compiled condition program.
	// Mutations without a condition have no entry.
	Conditions map[string]cel.Program
}

// PolicyService loads, validates, and publishes the active policy
// snapshot. Load failures keep the prior snapshot active; if no snapshot
// was ever installed, the permissive development snapshot takes its place.
type PolicyService struct {
	path      string
	evaluator *celeval.Evaluator
	holder    *policy.Holder[CompiledPolicy]
	log       *AuditLog
	logger    *slog.Logger
	mu        sync.Mutex // serializes Reload
}

// NewPolicyService creates the service and performs the initial load from
// path. An empty path or an invalid document installs the development
// snapshot and logs a warning; the gate still starts.
func NewPolicyService(ctx context.Context, path string, log *AuditLog, logger *slog.Logger) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create condition evaluator: %w", err)
	}

	s := &PolicyService{
		path:      path,
		evaluator: evaluator,
		log:       log,
		logger:    logger,
	}

	dev := &CompiledPolicy{Policy: policy.Development()}
	s.holder = policy.NewHolder(dev)

	if path == "" {
		logger.Warn("no policy document configured, running with the development snapshot")
		return s, nil
	}
	if err := s.Reload(ctx); err != nil {
		logger.Warn("policy load failed, running with the development snapshot",
			"path", path, "error", err)
	}
	return s, nil
}

// Snapshot returns the active compiled policy.
func (s *PolicyService) Snapshot() *CompiledPolicy {
	return s.holder.Load()
}

// HasPrivilege reports whether the identity holds the privilege under the
// active snapshot.
func (s *PolicyService) HasPrivilege(identity string, priv policy.Privilege) bool {
	return s.Snapshot().HasPrivilege(identity, priv)
}

// Reload loads the policy document from disk, validates it, and publishes
// a new snapshot on success. On failure the prior snapshot stays active
// and the aggregated issues are returned. A POLICY_REJECT audit record is
// appended for any failure, a POLICY_LOAD record on success.
func (s *PolicyService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		s.auditReject(ctx, fmt.Sprintf("open: %v", err))
		return fmt.Errorf("open policy document: %w", err)
	}
	defer func() { _ = f.Close() }()

	p, err := policy.Decode(f)
	if err != nil {
		s.auditReject(ctx, fmt.Sprintf("decode: %v", err))
		return err
	}

	issues := policy.Validate(p, policy.ValidateOptions{
		Condition: s.evaluator.ValidateExpression,
	})
	if len(issues) > 0 {
		msgs := make([]string, 0, len(issues))
		for _, issue := range issues {
			msgs = append(msgs, issue.Message)
		}
		joined := strings.Join(msgs, "; ")
		s.auditReject(ctx, joined)
		s.logger.Error("policy rejected", "version", p.Version, "issues", len(issues))
		return fmt.Errorf("policy validation failed: %s", joined)
	}

	compiled, err := s.compile(p)
	if err != nil {
		// Conditions already passed ValidateExpression, so a compile
		// failure here is an evaluator bug, not an operator error.
		s.auditReject(ctx, fmt.Sprintf("compile: %v", err))
		return err
	}

	s.holder.Replace(compiled)

	if _, err := s.log.Append(ctx, audit.KindPolicyLoad, "system", p.Version,
		fmt.Sprintf("mutations=%d roles=%d routes=%d", len(p.Mutations), len(p.Roles), len(p.Routes))); err != nil {
		s.logger.Error("audit policy load", "error", err)
	}
	s.logger.Info("policy loaded",
		"version", p.Version,
		"mutations", len(p.Mutations),
		"roles", len(p.Roles),
		"max_rate_rpm", p.Constraints.MaxRateRPM,
	)
	return nil
}

func (s *PolicyService) compile(p *policy.Policy) (*CompiledPolicy, error) {
	conditions := make(map[string]cel.Program)
	for _, m := range p.Mutations {
		if m.Condition == "" {
			continue
		}
		prg, err := s.evaluator.Compile(m.Condition)
		if err != nil {
			return nil, fmt.Errorf("compile condition for %s: %w", m.Name, err)
		}
		conditions[m.Name] = prg
	}
	return &CompiledPolicy{Policy: p, Conditions: conditions}, nil
}

// CheckCondition evaluates the mutation's admission condition against the
// payload. Mutations without a condition always pass.
func (s *PolicyService) CheckCondition(ctx context.Context, snapshot *CompiledPolicy, mutationName string, payload map[string]any, proposer string) (bool, error) {
	prg, ok := snapshot.Conditions[mutationName]
	if !ok {
		return true, nil
	}
	return s.evaluator.Evaluate(ctx, prg, payload, proposer, mutationName)
}

func (s *PolicyService) auditReject(ctx context.Context, detail string) {
	if _, err := s.log.Append(ctx, audit.KindPolicyReject, "system", s.path, detail); err != nil {
		s.logger.Error("audit policy reject", "error", err)
	}
}
