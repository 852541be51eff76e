package policy

import (
	"strings"
	"testing"
)

// validPolicy returns a policy that passes every check. Tests mutate it to
// trigger specific issues.
func validPolicy() *Policy {
	return &Policy{
		Version: "2026.1",
		Capabilities: Capabilities{
			Maintainer:         "file:///etc/bastion/maintainer.json",
			TrustedContributor: "file:///etc/bastion/contributor.json",
			DefaultConsent:     "file:///etc/bastion/consent.json",
		},
		Mutations: []Mutation{
			{Name: "rotate_keys", Approvals: 2, TimelockHours: 24},
			{Name: "mutate_dns", Approvals: 1, TimelockHours: 1},
		},
		Roles: []Role{
			{
				Name:       RoleMaintainer,
				Members:    []string{"identity:alice", "identity:jonathan"},
				Privileges: []Privilege{PrivilegeRotateKeys, PrivilegeMutateDNS},
			},
			{
				Name:       RoleTrustedContributor,
				Members:    []string{"identity:carol"},
				Privileges: []Privilege{PrivilegeMutateDNS},
			},
		},
		Routes: []Route{
			{Path: "/admin", Plane: PlaneControl, Methods: []string{"POST"},
				Guards: []Guard{GuardMTLS, GuardPolicyGate}},
			{Path: "/resolve", Plane: PlaneData, Methods: []string{"GET"},
				Guards: []Guard{GuardPolicyGate, GuardRateLimit}},
		},
		ConsentBindings: []ConsentBinding{
			{Name: "mutate_dns", ManifestRef: "file:///etc/bastion/dns-consent.json",
				Required: true, Defaults: ConsentDefaults{Telemetry: "off", Indexing: "on"}},
		},
		Constraints: Constraints{RequireMTLS: true, LogAllMutations: true, MaxRateRPM: 30},
		Crypto: &CryptoPolicy{
			PQSignatures: &Algorithm{Name: "ML-DSA-87", Standard: "FIPS 204", Status: StatusRequired},
			Symmetric:    &Algorithm{Name: "AES-256-GCM", Standard: "FIPS 197", Status: StatusRequired},
			Terminated: []Algorithm{
				{Name: "Ed25519", Standard: "RFC 8032", Status: StatusTerminated},
				{Name: "SHA-1", Standard: "FIPS 180-1", Status: StatusTerminated},
			},
		},
	}
}

func validate(p *Policy) []Issue {
	return Validate(p, ValidateOptions{})
}

func hasIssue(issues []Issue, fragment string) bool {
	for _, i := range issues {
		if strings.Contains(i.Message, fragment) {
			return true
		}
	}
	return false
}

func TestValidate_ValidPolicy(t *testing.T) {
	t.Parallel()

	issues := validate(validPolicy())
	if len(issues) != 0 {
		t.Fatalf("valid policy produced issues: %v", issues)
	}
}

func TestValidate_EmptyVersion(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Version = ""
	if !hasIssue(validate(p), "version must be non-empty") {
		t.Error("expected version issue")
	}
}

func TestValidate_ZeroRateLimit(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Constraints.MaxRateRPM = 0
	if !hasIssue(validate(p), "max_rate_rpm must be > 0") {
		t.Error("expected rate limit issue")
	}
}

func TestValidate_ControlRouteWithoutMTLS(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Routes[0].Guards = []Guard{GuardPolicyGate}
	if !hasIssue(validate(p), "must carry the mtls guard") {
		t.Error("expected mtls guard issue")
	}
}

func TestValidate_RouteWithoutPolicyGate(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Routes[1].Guards = []Guard{GuardRateLimit}
	if !hasIssue(validate(p), "must carry the policy-gate guard") {
		t.Error("expected policy-gate guard issue")
	}
}

func TestValidate_StubCapability(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Capabilities.DefaultConsent = "stub"
	if !hasIssue(validate(p), "capabilities.default_consent") {
		t.Error("expected stub capability issue")
	}
}

func TestValidate_ApprovalsExceedMaintainers(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Mutations[0].Approvals = 3
	issues := validate(p)
	if !hasIssue(issues, "exceeds maintainer count") {
		t.Errorf("expected approvals issue, got %v", issues)
	}
}

func TestValidate_EmptyMaintainerRole(t *testing.T) {
	t.Parallel()

	// A maintainer role with no members cannot satisfy any approvals > 0.
	p := validPolicy()
	p.Roles[0].Members = nil
	issues := validate(p)
	if !hasIssue(issues, "exceeds maintainer count") {
		t.Errorf("expected approvals issue for empty maintainer role, got %v", issues)
	}
}

func TestValidate_UnknownPrivilege(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Roles[0].Privileges = append(p.Roles[0].Privileges, Privilege("launch_missiles"))
	if !hasIssue(validate(p), `unknown privilege "launch_missiles"`) {
		t.Error("expected unknown privilege issue")
	}
}

func TestValidate_ParadoxExclusion(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Roles[1].Privileges = append(p.Roles[1].Privileges, PrivilegeRotateKeys)
	issues := validate(p)
	found := false
	for _, i := range issues {
		if i.Message == "trusted_contributor must not have rotate_keys" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected paradox exclusion issue, got %v", issues)
	}
}

func TestValidate_RequiredBindingWithoutManifest(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.ConsentBindings[0].ManifestRef = ""
	if !hasIssue(validate(p), "required bindings need a manifest_ref") {
		t.Error("expected manifest_ref issue")
	}
}

func TestValidate_BadConsentDefault(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.ConsentBindings[0].Defaults.Telemetry = "maybe"
	if !hasIssue(validate(p), "defaults.telemetry must be on or off") {
		t.Error("expected consent default issue")
	}
}

func TestValidate_TerminatedAlgorithmInActiveSlot(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Crypto.PQSignatures = &Algorithm{Name: "Ed25519", Standard: "RFC 8032", Status: StatusRequired}
	issues := validate(p)
	found := false
	for _, i := range issues {
		if i.Message == "crypto.pq_signatures uses terminated algorithm: Ed25519" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected terminated algorithm issue, got %v", issues)
	}
}

func TestValidate_ActiveSlotWithTerminatedStatus(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Crypto.Symmetric.Status = StatusTerminated
	if !hasIssue(validate(p), "active slot has status terminated") {
		t.Error("expected terminated status issue")
	}
}

func TestValidate_TerminatedListEntryWithWrongStatus(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Crypto.Terminated[0].Status = StatusDeprecated
	if !hasIssue(validate(p), `must carry status "terminated"`) {
		t.Error("expected terminated list status issue")
	}
}

func TestValidate_DuplicateNames(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Mutations = append(p.Mutations, Mutation{Name: "rotate_keys", Approvals: 1, TimelockHours: 1})
	p.Roles = append(p.Roles, Role{Name: RoleMaintainer})
	issues := validate(p)
	if !hasIssue(issues, `duplicate mutation name "rotate_keys"`) {
		t.Error("expected duplicate mutation issue")
	}
	if !hasIssue(issues, `duplicate role name "maintainer"`) {
		t.Error("expected duplicate role issue")
	}
}

func TestValidate_AggregatesAllIssues(t *testing.T) {
	t.Parallel()

	// Break several independent things; every one must be reported.
	p := validPolicy()
	p.Version = ""
	p.Constraints.MaxRateRPM = -1
	p.Capabilities.Maintainer = "stub"
	p.Mutations[1].TimelockHours = 0

	issues := validate(p)
	if len(issues) < 4 {
		t.Errorf("expected at least 4 issues, got %d: %v", len(issues), issues)
	}
}

func TestValidate_ConditionValidatorIsConsulted(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	p.Mutations[0].Condition = "this is not CEL"

	issues := Validate(p, ValidateOptions{
		Condition: func(expr string) error {
			return errFake
		},
	})
	if !hasIssue(issues, "invalid condition") {
		t.Error("expected condition issue")
	}
}

var errFake = &fakeError{}

type fakeError struct{}

func (*fakeError) Error() string { return "parse error" }

func TestDevelopment_Snapshot(t *testing.T) {
	t.Parallel()

	p := Development()
	if !p.Development {
		t.Error("development snapshot must be marked")
	}
	if p.Constraints.RequireMTLS {
		t.Error("development snapshot must not require mTLS")
	}
	if p.Constraints.MaxRateRPM <= 0 {
		t.Error("development snapshot keeps rate limiting on")
	}
	if len(p.Mutations) != 0 || len(p.Roles) != 0 {
		t.Error("development snapshot admits nothing")
	}
}

func TestPolicy_PrivilegesOf(t *testing.T) {
	t.Parallel()

	p := validPolicy()
	privs := p.PrivilegesOf("identity:alice")
	if _, ok := privs[PrivilegeRotateKeys]; !ok {
		t.Error("alice should hold rotate_keys via maintainer")
	}
	if len(p.PrivilegesOf("identity:bob")) != 0 {
		t.Error("bob is in no role and should hold nothing")
	}
	if !p.HasPrivilege("identity:carol", PrivilegeMutateDNS) {
		t.Error("carol should hold mutate_dns via trusted_contributor")
	}
	if p.HasPrivilege("identity:carol", PrivilegeRotateKeys) {
		t.Error("carol must not hold rotate_keys")
	}
}
