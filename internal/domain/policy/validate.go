package policy

import (
	"fmt"
)

// StubRef is the placeholder capability reference rejected at load time.
const StubRef = "stub"

// Issue is a single validation finding. Load succeeds only when the issue
// list is empty.
type Issue struct {
	// Check names the validator that produced the issue (stable identifier).
	Check string
	// Message is the operator-facing description.
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Check, i.Message)
}

// ConditionValidator checks that a mutation condition expression compiles.
// Injected by the caller so the domain package stays free of the
// expression engine.
type ConditionValidator func(expr string) error

// ValidateOptions tune the validator.
type ValidateOptions struct {
	// Condition validates mutation condition expressions. Nil skips the check.
	Condition ConditionValidator
}

// Validate runs every check independently and unions the issues, ordered
// only for report stability. There is no short-circuit: operators see the
// full picture in one load attempt.
func Validate(p *Policy, opts ValidateOptions) []Issue {
	var issues []Issue
	issues = append(issues, checkBasics(p)...)
	issues = append(issues, checkRoutes(p)...)
	issues = append(issues, checkCapabilities(p)...)
	issues = append(issues, checkMutations(p, opts.Condition)...)
	issues = append(issues, checkRoles(p)...)
	issues = append(issues, checkParadoxExclusion(p)...)
	issues = append(issues, checkConsentBindings(p)...)
	issues = append(issues, checkCrypto(p)...)
	return issues
}

func checkBasics(p *Policy) []Issue {
	var issues []Issue
	if p.Version == "" {
		issues = append(issues, Issue{"version", "version must be non-empty"})
	}
	if p.Constraints.MaxRateRPM <= 0 {
		issues = append(issues, Issue{"constraints", "constraints.max_rate_rpm must be > 0"})
	}
	return issues
}

func checkRoutes(p *Policy) []Issue {
	var issues []Issue
	for _, rt := range p.Routes {
		switch rt.Plane {
		case PlaneControl, PlaneData:
		default:
			issues = append(issues, Issue{"routes",
				fmt.Sprintf("route %s has unknown plane %q", rt.Path, rt.Plane)})
		}
		for _, g := range rt.Guards {
			if _, ok := KnownGuards[g]; !ok {
				issues = append(issues, Issue{"routes",
					fmt.Sprintf("route %s references unknown guard %q", rt.Path, g)})
			}
		}
		if rt.Plane == PlaneControl && !rt.HasGuard(GuardMTLS) {
			issues = append(issues, Issue{"routes",
				fmt.Sprintf("control-plane route %s must carry the mtls guard", rt.Path)})
		}
		if !rt.HasGuard(GuardPolicyGate) {
			issues = append(issues, Issue{"routes",
				fmt.Sprintf("route %s must carry the policy-gate guard", rt.Path)})
		}
	}
	return issues
}

func checkCapabilities(p *Policy) []Issue {
	var issues []Issue
	caps := []struct {
		name string
		ref  string
	}{
		{"maintainer", p.Capabilities.Maintainer},
		{"trusted_contributor", p.Capabilities.TrustedContributor},
		{"default_consent", p.Capabilities.DefaultConsent},
	}
	for _, c := range caps {
		if c.ref == "" || c.ref == StubRef {
			issues = append(issues, Issue{"capabilities",
				fmt.Sprintf("capabilities.%s must reference a real capability file, not %q", c.name, c.ref)})
		}
	}
	return issues
}

func checkMutations(p *Policy, validateCondition ConditionValidator) []Issue {
	var issues []Issue
	maintainers := 0
	hasMaintainerRole := false
	if role, ok := p.Role(RoleMaintainer); ok {
		hasMaintainerRole = true
		maintainers = len(role.Members)
	}

	seen := make(map[string]struct{}, len(p.Mutations))
	for _, m := range p.Mutations {
		if _, dup := seen[m.Name]; dup {
			issues = append(issues, Issue{"mutations",
				fmt.Sprintf("duplicate mutation name %q", m.Name)})
		}
		seen[m.Name] = struct{}{}

		if m.Approvals < 1 {
			issues = append(issues, Issue{"mutations",
				fmt.Sprintf("mutation %s: approvals must be >= 1", m.Name)})
		}
		if m.TimelockHours < 1 {
			issues = append(issues, Issue{"mutations",
				fmt.Sprintf("mutation %s: timelock_hours must be >= 1", m.Name)})
		}
		if hasMaintainerRole && m.Approvals > maintainers {
			issues = append(issues, Issue{"mutations",
				fmt.Sprintf("mutation %s: approvals (%d) exceeds maintainer count (%d)",
					m.Name, m.Approvals, maintainers)})
		}
		if m.Condition != "" && validateCondition != nil {
			if err := validateCondition(m.Condition); err != nil {
				issues = append(issues, Issue{"mutations",
					fmt.Sprintf("mutation %s: invalid condition: %v", m.Name, err)})
			}
		}
	}
	return issues
}

func checkRoles(p *Policy) []Issue {
	var issues []Issue
	seen := make(map[string]struct{}, len(p.Roles))
	for _, r := range p.Roles {
		if _, dup := seen[r.Name]; dup {
			issues = append(issues, Issue{"roles",
				fmt.Sprintf("duplicate role name %q", r.Name)})
		}
		seen[r.Name] = struct{}{}

		for _, priv := range r.Privileges {
			if _, ok := KnownPrivileges[priv]; !ok {
				issues = append(issues, Issue{"roles",
					fmt.Sprintf("role %s references unknown privilege %q", r.Name, priv)})
			}
		}
	}
	return issues
}

func checkParadoxExclusion(p *Policy) []Issue {
	role, ok := p.Role(RoleTrustedContributor)
	if !ok {
		return nil
	}
	for _, priv := range role.Privileges {
		if priv == PrivilegeRotateKeys {
			return []Issue{{"roles", "trusted_contributor must not have rotate_keys"}}
		}
	}
	return nil
}

func checkConsentBindings(p *Policy) []Issue {
	var issues []Issue
	for _, b := range p.ConsentBindings {
		if b.Required && b.ManifestRef == "" {
			issues = append(issues, Issue{"consent_bindings",
				fmt.Sprintf("binding %s: required bindings need a manifest_ref", b.Name)})
		}
		for _, d := range []struct{ field, value string }{
			{"telemetry", b.Defaults.Telemetry},
			{"indexing", b.Defaults.Indexing},
		} {
			if d.value != "on" && d.value != "off" {
				issues = append(issues, Issue{"consent_bindings",
					fmt.Sprintf("binding %s: defaults.%s must be on or off, got %q",
						b.Name, d.field, d.value)})
			}
		}
	}
	return issues
}

func checkCrypto(p *Policy) []Issue {
	if p.Crypto == nil {
		return nil
	}

	var issues []Issue
	terminated := make(map[string]struct{}, len(p.Crypto.Terminated))
	for _, t := range p.Crypto.Terminated {
		if t.Status != StatusTerminated {
			issues = append(issues, Issue{"crypto",
				fmt.Sprintf("crypto.terminated entry %s must carry status %q, got %q",
					t.Name, StatusTerminated, t.Status)})
		}
		terminated[t.Name] = struct{}{}
	}

	for _, slot := range p.Crypto.Slots() {
		a := slot.Algorithm
		switch a.Status {
		case StatusRequired, StatusDeprecated:
		case StatusTerminated:
			issues = append(issues, Issue{"crypto",
				fmt.Sprintf("crypto.%s: active slot has status terminated", slot.Name)})
		default:
			issues = append(issues, Issue{"crypto",
				fmt.Sprintf("crypto.%s: unknown status %q", slot.Name, a.Status)})
		}
		if _, dead := terminated[a.Name]; dead {
			issues = append(issues, Issue{"crypto",
				fmt.Sprintf("crypto.%s uses terminated algorithm: %s", slot.Name, a.Name)})
		}
	}
	return issues
}
