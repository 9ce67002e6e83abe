package core

import (
	"encoding/json"

	"github.com/tapprotocol/tap/pkg/errs"
)

// PolicyTag discriminates the TAIP-7 policy tagged union, per spec.md §3.5.
type PolicyTag string

const (
	PolicyRequireAuthorization PolicyTag = "RequireAuthorization"
	PolicyRequirePresentation  PolicyTag = "RequirePresentation"
	PolicyRequireProofOfControl PolicyTag = "RequireProofOfControl"
)

// Policy is a TAIP-7 policy. Exactly one of the typed fields corresponding
// to Tag is populated.
type Policy struct {
	Tag PolicyTag `json:"@type"`

	// RequireAuthorization fields.
	FromDIDs []DID  `json:"from_dids,omitempty"`
	FromRole string `json:"from_role,omitempty"`
	FromAgent DID   `json:"from_agent,omitempty"`
	Purpose  string `json:"purpose,omitempty"`

	// RequirePresentation fields.
	Context               []string        `json:"context,omitempty"`
	From                  DID             `json:"from,omitempty"`
	AboutParty            string          `json:"about_party,omitempty"`
	AboutAgent            DID             `json:"about_agent,omitempty"`
	Credentials           []string        `json:"credentials,omitempty"`
	PresentationDefinition json.RawMessage `json:"presentation_definition,omitempty"`

	// RequireProofOfControl fields (exactly one of AddressID/Nonce).
	AddressID string `json:"address_id,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// Validate checks the tag-specific required-field rules of spec.md §3.5.
func (p Policy) Validate() error {
	const op = "core.Policy.Validate"
	switch p.Tag {
	case PolicyRequireAuthorization:
		return nil
	case PolicyRequirePresentation:
		return nil
	case PolicyRequireProofOfControl:
		if p.AddressID == "" && p.Nonce == "" {
			return errs.New(errs.Validation, op, "RequireProofOfControl requires address_id or nonce")
		}
		if p.AddressID != "" && p.Nonce != "" {
			return errs.New(errs.Validation, op, "RequireProofOfControl allows exactly one of address_id, nonce")
		}
		return nil
	default:
		return errs.New(errs.Validation, op, "unknown policy tag: "+string(p.Tag))
	}
}

// TargetsIVMS101 reports whether a RequirePresentation policy targets an
// IVMS-101 travel-rule context, used by the TravelRuleAuto processor
// (spec.md §4.9).
func (p Policy) TargetsIVMS101() bool {
	if p.Tag != PolicyRequirePresentation {
		return false
	}
	for _, c := range p.Context {
		if c == "https://intervasp.org/ivms101" {
			return true
		}
	}
	return false
}

// PolicySet is an ordered list of policies, merged by UpdatePolicies
// (spec.md §4.7: "merge policies (replacing by tag)").
type PolicySet []Policy

// Merge replaces entries in s sharing a tag with an entry in updates, and
// appends any tag in updates not already present.
func (s PolicySet) Merge(updates PolicySet) PolicySet {
	out := make(PolicySet, 0, len(s)+len(updates))
	seen := make(map[PolicyTag]bool, len(updates))
	replaced := make(map[PolicyTag]bool)
	for _, u := range updates {
		seen[u.Tag] = true
	}
	for _, existing := range s {
		if seen[existing.Tag] && !replaced[existing.Tag] {
			for _, u := range updates {
				if u.Tag == existing.Tag {
					out = append(out, u)
				}
			}
			replaced[existing.Tag] = true
			continue
		}
		if !seen[existing.Tag] {
			out = append(out, existing)
		}
	}
	for _, u := range updates {
		if !replaced[u.Tag] {
			out = append(out, u)
			replaced[u.Tag] = true
		}
	}
	return out
}

// RequiredRoles returns the distinct from_role values named by
// RequireAuthorization policies in s — used to raise the required-agent
// set (spec.md §4.7's UpdatePolicies effect).
func (s PolicySet) RequiredRoles() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range s {
		if p.Tag == PolicyRequireAuthorization && p.FromRole != "" && !seen[p.FromRole] {
			seen[p.FromRole] = true
			out = append(out, p.FromRole)
		}
	}
	return out
}
