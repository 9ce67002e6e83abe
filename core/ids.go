// Package core implements the TAP typed message layer: identifiers,
// participants, the transactional/control body union, policies, CAIP/PayTo
// recognition, schema validation and out-of-band invitations.
package core

import (
	"regexp"

	"github.com/tapprotocol/tap/pkg/errs"
)

// DID is a decentralized identifier of the form did:<method>:<method-specific>.
// Equality is byte-exact, per spec.md §3.1.
type DID string

var didPattern = regexp.MustCompile(`^did:[a-z0-9]{1,32}:.+$`)

// Valid reports whether d is a syntactically valid DID.
func (d DID) Valid() bool {
	return d != "" && didPattern.MatchString(string(d))
}

// Empty reports whether d is the zero DID.
func (d DID) Empty() bool { return d == "" }

func (d DID) String() string { return string(d) }

// ValidateDID returns a Validation error if d is not a syntactically valid DID.
func ValidateDID(op string, d DID) error {
	if !d.Valid() {
		return errs.New(errs.Validation, op, "invalid DID: "+string(d))
	}
	return nil
}

// ValidateDIDs validates a sequence of DIDs, all of which must be valid.
func ValidateDIDs(op string, ds []DID) error {
	for _, d := range ds {
		if err := ValidateDID(op, d); err != nil {
			return err
		}
	}
	return nil
}

// ThreadID names a conversation; defaults to the id of the first message in
// the thread when a message omits thid.
type ThreadID string

// TransactionID equals the thid of the initiating message for transactional
// bodies (Transfer / Payment / Escrow / Connect).
type TransactionID string
