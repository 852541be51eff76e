// Package policy contains the domain model for the governance policy:
// roles, privileges, gated mutations, routes, consent bindings, and the
// crypto algorithm registry. A loaded policy is immutable; reload produces
// a fresh value published atomically.
package policy

// Privilege is a named capability a role grants its members.
type Privilege string

// Known privileges. Unknown privilege names in a policy document are
// validation errors, not silent passes.
const (
	PrivilegeMutateDNS    Privilege = "mutate_dns"
	PrivilegeRotateKeys   Privilege = "rotate_keys"
	PrivilegeManagePolicy Privilege = "manage_policy"
	PrivilegeViewAudit    Privilege = "view_audit"
)

// KnownPrivileges is the closed set of privileges a role may hold.
var KnownPrivileges = map[Privilege]struct{}{
	PrivilegeMutateDNS:    {},
	PrivilegeRotateKeys:   {},
	PrivilegeManagePolicy: {},
	PrivilegeViewAudit:    {},
}

// Guard is a named route protection.
type Guard string

// Known guards.
const (
	GuardMTLS       Guard = "mtls"
	GuardPolicyGate Guard = "policy-gate"
	GuardRateLimit  Guard = "rate-limit"
	GuardConsent    Guard = "consent"
)

// KnownGuards is the closed set of guards a route may reference.
var KnownGuards = map[Guard]struct{}{
	GuardMTLS:       {},
	GuardPolicyGate: {},
	GuardRateLimit:  {},
	GuardConsent:    {},
}

// Plane classifies a route as control-plane or data-plane.
type Plane string

const (
	PlaneControl Plane = "control"
	PlaneData    Plane = "data"
)

// AlgorithmStatus is the lifecycle state of a crypto algorithm.
type AlgorithmStatus string

const (
	StatusRequired   AlgorithmStatus = "required"
	StatusDeprecated AlgorithmStatus = "deprecated"
	StatusTerminated AlgorithmStatus = "terminated"
)

// RoleMaintainer and RoleTrustedContributor are role names with special
// validation rules: mutation approval counts are bounded by the maintainer
// membership, and trusted_contributor may never hold rotate_keys.
const (
	RoleMaintainer         = "maintainer"
	RoleTrustedContributor = "trusted_contributor"
)

// Capabilities are the three external capability references every policy
// must carry. The literal "stub" marks an unconfigured reference and is
// rejected at load.
type Capabilities struct {
	Maintainer         string
	TrustedContributor string
	DefaultConsent     string
}

// Mutation describes a gated state-changing operation.
type Mutation struct {
	Name          string
	Description   string
	Approvals     int
	TimelockHours int
	// Condition is an optional CEL expression over the proposal payload.
	// A false condition at admission denies the proposal.
	Condition string
}

// Role is a named set of identities sharing a privilege set.
type Role struct {
	Name       string
	Members    []string
	Privileges []Privilege
}

// HasMember reports whether the identity belongs to this role.
func (r Role) HasMember(identity string) bool {
	for _, m := range r.Members {
		if m == identity {
			return true
		}
	}
	return false
}

// Route describes an API route and its mandatory guards.
type Route struct {
	Path    string
	Plane   Plane
	Methods []string
	Guards  []Guard
}

// HasGuard reports whether the route carries the given guard.
func (r Route) HasGuard(g Guard) bool {
	for _, have := range r.Guards {
		if have == g {
			return true
		}
	}
	return false
}

// ConsentDefaults are applied when an identity has no consent record.
type ConsentDefaults struct {
	Telemetry string
	Indexing  string
}

// ConsentBinding ties a mutation category to a consent manifest.
type ConsentBinding struct {
	Name        string
	ManifestRef string
	Required    bool
	Defaults    ConsentDefaults
}

// Constraints are gate-wide admission constraints.
type Constraints struct {
	RequireMTLS     bool
	LogAllMutations bool
	MaxRateRPM      int
}

// Algorithm describes one entry in the crypto registry.
type Algorithm struct {
	Name     string
	Standard string
	Status   AlgorithmStatus
}

// CryptoPolicy pins an algorithm to each of the ten crypto slots and lists
// terminated algorithms whose names must not appear in any active slot.
type CryptoPolicy struct {
	PasswordHashing *Algorithm
	GeneralHashing  *Algorithm
	PQSignatures    *Algorithm
	PQKeyExchange   *Algorithm
	ClassicalSigs   *Algorithm
	Symmetric       *Algorithm
	KeyDerivation   *Algorithm
	RNG             *Algorithm
	DatabaseHashing *Algorithm
	FallbackSig     *Algorithm
	Terminated      []Algorithm
}

// Slots returns the active slots as (slot name, algorithm) pairs, in a
// stable order for report stability. Nil slots are skipped.
func (c *CryptoPolicy) Slots() []Slot {
	if c == nil {
		return nil
	}
	all := []Slot{
		{"password_hashing", c.PasswordHashing},
		{"general_hashing", c.GeneralHashing},
		{"pq_signatures", c.PQSignatures},
		{"pq_key_exchange", c.PQKeyExchange},
		{"classical_sigs", c.ClassicalSigs},
		{"symmetric", c.Symmetric},
		{"key_derivation", c.KeyDerivation},
		{"rng", c.RNG},
		{"database_hashing", c.DatabaseHashing},
		{"fallback_sig", c.FallbackSig},
	}
	slots := make([]Slot, 0, len(all))
	for _, s := range all {
		if s.Algorithm != nil {
			slots = append(slots, s)
		}
	}
	return slots
}

// Slot pairs a crypto slot name with its active algorithm.
type Slot struct {
	Name      string
	Algorithm *Algorithm
}

// Policy is an immutable snapshot of the governance policy in force.
type Policy struct {
	Version         string
	Capabilities    Capabilities
	Mutations       []Mutation
	Roles           []Role
	Routes          []Route
	ConsentBindings []ConsentBinding
	Constraints     Constraints
	Crypto          *CryptoPolicy

	// Development marks the permissive fallback snapshot installed when no
	// valid policy document is available.
	Development bool
}

// Mutation returns the gated mutation with the given name, if any.
func (p *Policy) Mutation(name string) (Mutation, bool) {
	for _, m := range p.Mutations {
		if m.Name == name {
			return m, true
		}
	}
	return Mutation{}, false
}

// Role returns the role with the given name, if any.
func (p *Policy) Role(name string) (Role, bool) {
	for _, r := range p.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

// Binding returns the consent binding with the given name, if any.
func (p *Policy) Binding(name string) (ConsentBinding, bool) {
	for _, b := range p.ConsentBindings {
		if b.Name == name {
			return b, true
		}
	}
	return ConsentBinding{}, false
}

// PrivilegesOf returns the union of privileges over all roles containing
// the identity.
func (p *Policy) PrivilegesOf(identity string) map[Privilege]struct{} {
	privs := make(map[Privilege]struct{})
	for _, r := range p.Roles {
		if !r.HasMember(identity) {
			continue
		}
		for _, pr := range r.Privileges {
			privs[pr] = struct{}{}
		}
	}
	return privs
}

// HasPrivilege reports whether the identity holds the privilege through
// any of its roles.
func (p *Policy) HasPrivilege(identity string, priv Privilege) bool {
	_, ok := p.PrivilegesOf(identity)[priv]
	return ok
}

// Development returns the permissive snapshot used when no valid policy
// document is available: mTLS is not required and no mutations or roles
// are defined, so nothing can be admitted, but rate limiting and the
// policy-gate guard remain in force.
func Development() *Policy {
	return &Policy{
		Version: "development",
		Capabilities: Capabilities{
			Maintainer:         "builtin:development",
			TrustedContributor: "builtin:development",
			DefaultConsent:     "builtin:development",
		},
		Constraints: Constraints{
			RequireMTLS:     false,
			LogAllMutations: true,
			MaxRateRPM:      60,
		},
		Development: true,
	}
}
