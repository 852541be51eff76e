package policy

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document mirrors the on-disk YAML shape of a policy. Decoding is strict:
// unknown fields are errors so a typoed key cannot silently weaken a guard.
type Document struct {
	Version      string `yaml:"version"`
	Capabilities struct {
		Maintainer         string `yaml:"maintainer"`
		TrustedContributor string `yaml:"trusted_contributor"`
		DefaultConsent     string `yaml:"default_consent"`
	} `yaml:"capabilities"`
	Mutations []struct {
		Name          string `yaml:"name"`
		Description   string `yaml:"description"`
		Approvals     int    `yaml:"approvals"`
		TimelockHours int    `yaml:"timelock_hours"`
		Condition     string `yaml:"condition"`
	} `yaml:"mutations"`
	Roles []struct {
		Name       string   `yaml:"name"`
		Members    []string `yaml:"members"`
		Privileges []string `yaml:"privileges"`
	} `yaml:"roles"`
	Routes []struct {
		Path    string   `yaml:"path"`
		Plane   string   `yaml:"plane"`
		Methods []string `yaml:"methods"`
		Guards  []string `yaml:"guards"`
	} `yaml:"routes"`
	ConsentBindings []struct {
		Name        string `yaml:"name"`
		ManifestRef string `yaml:"manifest_ref"`
		Required    bool   `yaml:"required"`
		Defaults    struct {
			Telemetry string `yaml:"telemetry"`
			Indexing  string `yaml:"indexing"`
		} `yaml:"defaults"`
	} `yaml:"consent_bindings"`
	Constraints struct {
		RequireMTLS     bool `yaml:"require_mtls"`
		LogAllMutations bool `yaml:"log_all_mutations"`
		MaxRateRPM      int  `yaml:"max_rate_rpm"`
	} `yaml:"constraints"`
	Crypto *cryptoDoc `yaml:"crypto"`
}

type algorithmDoc struct {
	Name     string `yaml:"name"`
	Standard string `yaml:"standard"`
	Status   string `yaml:"status"`
}

type cryptoDoc struct {
	PasswordHashing *algorithmDoc  `yaml:"password_hashing"`
	GeneralHashing  *algorithmDoc  `yaml:"general_hashing"`
	PQSignatures    *algorithmDoc  `yaml:"pq_signatures"`
	PQKeyExchange   *algorithmDoc  `yaml:"pq_key_exchange"`
	ClassicalSigs   *algorithmDoc  `yaml:"classical_sigs"`
	Symmetric       *algorithmDoc  `yaml:"symmetric"`
	KeyDerivation   *algorithmDoc  `yaml:"key_derivation"`
	RNG             *algorithmDoc  `yaml:"rng"`
	DatabaseHashing *algorithmDoc  `yaml:"database_hashing"`
	FallbackSig     *algorithmDoc  `yaml:"fallback_sig"`
	Terminated      []algorithmDoc `yaml:"terminated"`
}

// Decode parses a YAML policy document into the typed model. Shape errors
// (wrong types, unknown keys) are returned here; semantic checks are the
// validator's job so operators see all of them at once.
func Decode(r io.Reader) (*Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	return fromDocument(&doc), nil
}

func fromDocument(doc *Document) *Policy {
	p := &Policy{
		Version: doc.Version,
		Capabilities: Capabilities{
			Maintainer:         doc.Capabilities.Maintainer,
			TrustedContributor: doc.Capabilities.TrustedContributor,
			DefaultConsent:     doc.Capabilities.DefaultConsent,
		},
		Constraints: Constraints{
			RequireMTLS:     doc.Constraints.RequireMTLS,
			LogAllMutations: doc.Constraints.LogAllMutations,
			MaxRateRPM:      doc.Constraints.MaxRateRPM,
		},
	}

	for _, m := range doc.Mutations {
		p.Mutations = append(p.Mutations, Mutation{
			Name:          m.Name,
			Description:   m.Description,
			Approvals:     m.Approvals,
			TimelockHours: m.TimelockHours,
			Condition:     m.Condition,
		})
	}
	for _, r := range doc.Roles {
		role := Role{Name: r.Name, Members: r.Members}
		for _, priv := range r.Privileges {
			role.Privileges = append(role.Privileges, Privilege(priv))
		}
		p.Roles = append(p.Roles, role)
	}
	for _, rt := range doc.Routes {
		route := Route{Path: rt.Path, Plane: Plane(rt.Plane), Methods: rt.Methods}
		for _, g := range rt.Guards {
			route.Guards = append(route.Guards, Guard(g))
		}
		p.Routes = append(p.Routes, route)
	}
	for _, b := range doc.ConsentBindings {
		p.ConsentBindings = append(p.ConsentBindings, ConsentBinding{
			Name:        b.Name,
			ManifestRef: b.ManifestRef,
			Required:    b.Required,
			Defaults: ConsentDefaults{
				Telemetry: b.Defaults.Telemetry,
				Indexing:  b.Defaults.Indexing,
			},
		})
	}
	if doc.Crypto != nil {
		p.Crypto = &CryptoPolicy{
			PasswordHashing: algo(doc.Crypto.PasswordHashing),
			GeneralHashing:  algo(doc.Crypto.GeneralHashing),
			PQSignatures:    algo(doc.Crypto.PQSignatures),
			PQKeyExchange:   algo(doc.Crypto.PQKeyExchange),
			ClassicalSigs:   algo(doc.Crypto.ClassicalSigs),
			Symmetric:       algo(doc.Crypto.Symmetric),
			KeyDerivation:   algo(doc.Crypto.KeyDerivation),
			RNG:             algo(doc.Crypto.RNG),
			DatabaseHashing: algo(doc.Crypto.DatabaseHashing),
			FallbackSig:     algo(doc.Crypto.FallbackSig),
		}
		for _, t := range doc.Crypto.Terminated {
			p.Crypto.Terminated = append(p.Crypto.Terminated, Algorithm{
				Name:     t.Name,
				Standard: t.Standard,
				Status:   AlgorithmStatus(t.Status),
			})
		}
	}
	return p
}

func algo(d *algorithmDoc) *Algorithm {
	if d == nil {
		return nil
	}
	return &Algorithm{Name: d.Name, Standard: d.Standard, Status: AlgorithmStatus(d.Status)}
}

// Encode writes the policy back out as YAML. Decode(Encode(p)) == p for
// valid policies.
func Encode(w io.Writer, p *Policy) error {
	doc := toDocument(p)
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode policy document: %w", err)
	}
	return nil
}

func toDocument(p *Policy) *Document {
	var doc Document
	doc.Version = p.Version
	doc.Capabilities.Maintainer = p.Capabilities.Maintainer
	doc.Capabilities.TrustedContributor = p.Capabilities.TrustedContributor
	doc.Capabilities.DefaultConsent = p.Capabilities.DefaultConsent
	doc.Constraints.RequireMTLS = p.Constraints.RequireMTLS
	doc.Constraints.LogAllMutations = p.Constraints.LogAllMutations
	doc.Constraints.MaxRateRPM = p.Constraints.MaxRateRPM

	for _, m := range p.Mutations {
		doc.Mutations = append(doc.Mutations, struct {
			Name          string `yaml:"name"`
			Description   string `yaml:"description"`
			Approvals     int    `yaml:"approvals"`
			TimelockHours int    `yaml:"timelock_hours"`
			Condition     string `yaml:"condition"`
		}{m.Name, m.Description, m.Approvals, m.TimelockHours, m.Condition})
	}
	for _, r := range p.Roles {
		privs := make([]string, 0, len(r.Privileges))
		for _, priv := range r.Privileges {
			privs = append(privs, string(priv))
		}
		doc.Roles = append(doc.Roles, struct {
			Name       string   `yaml:"name"`
			Members    []string `yaml:"members"`
			Privileges []string `yaml:"privileges"`
		}{r.Name, r.Members, privs})
	}
	for _, rt := range p.Routes {
		guards := make([]string, 0, len(rt.Guards))
		for _, g := range rt.Guards {
			guards = append(guards, string(g))
		}
		doc.Routes = append(doc.Routes, struct {
			Path    string   `yaml:"path"`
			Plane   string   `yaml:"plane"`
			Methods []string `yaml:"methods"`
			Guards  []string `yaml:"guards"`
		}{rt.Path, string(rt.Plane), rt.Methods, guards})
	}
	for _, b := range p.ConsentBindings {
		entry := struct {
			Name        string `yaml:"name"`
			ManifestRef string `yaml:"manifest_ref"`
			Required    bool   `yaml:"required"`
			Defaults    struct {
				Telemetry string `yaml:"telemetry"`
				Indexing  string `yaml:"indexing"`
			} `yaml:"defaults"`
		}{Name: b.Name, ManifestRef: b.ManifestRef, Required: b.Required}
		entry.Defaults.Telemetry = b.Defaults.Telemetry
		entry.Defaults.Indexing = b.Defaults.Indexing
		doc.ConsentBindings = append(doc.ConsentBindings, entry)
	}
	if p.Crypto != nil {
		crypto := &cryptoDoc{
			PasswordHashing: algoDoc(p.Crypto.PasswordHashing),
			GeneralHashing:  algoDoc(p.Crypto.GeneralHashing),
			PQSignatures:    algoDoc(p.Crypto.PQSignatures),
			PQKeyExchange:   algoDoc(p.Crypto.PQKeyExchange),
			ClassicalSigs:   algoDoc(p.Crypto.ClassicalSigs),
			Symmetric:       algoDoc(p.Crypto.Symmetric),
			KeyDerivation:   algoDoc(p.Crypto.KeyDerivation),
			RNG:             algoDoc(p.Crypto.RNG),
			DatabaseHashing: algoDoc(p.Crypto.DatabaseHashing),
			FallbackSig:     algoDoc(p.Crypto.FallbackSig),
		}
		for _, t := range p.Crypto.Terminated {
			crypto.Terminated = append(crypto.Terminated, algorithmDoc{
				Name:     t.Name,
				Standard: t.Standard,
				Status:   string(t.Status),
			})
		}
		doc.Crypto = crypto
	}
	return &doc
}

func algoDoc(a *Algorithm) *algorithmDoc {
	if a == nil {
		return nil
	}
	return &algorithmDoc{Name: a.Name, Standard: a.Standard, Status: string(a.Status)}
}
