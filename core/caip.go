package core

import (
	"regexp"
	"strings"

	"github.com/tapprotocol/tap/pkg/errs"
)

// AssetIDPattern is the CAIP-19 recognition regex from spec.md §6.2.
var AssetIDPattern = regexp.MustCompile(`^[-a-z0-9]{3,8}:[-a-zA-Z0-9]{1,64}/[-a-z0-9]{3,8}:[-a-zA-Z0-9]{1,64}$`)

// ValidAssetID reports whether s is a syntactically valid CAIP-19 asset id.
func ValidAssetID(s string) bool { return AssetIDPattern.MatchString(s) }

// SettlementAddressKind discriminates the settlement-address sum type.
// spec.md §9 requires explicit typing at the API boundary rather than the
// source's implicit normalization.
type SettlementAddressKind int

const (
	KindUnknown SettlementAddressKind = iota
	KindCAIP10
	KindPayTo
)

// SettlementAddress is a typed settlement/asset identifier: either a
// CAIP-10 <chain>:<addr> pair or an RFC-8905 payto:// URI, per spec.md §3.4
// and §6.2. It is produced only by ParseSettlementAddress.
type SettlementAddress struct {
	Kind SettlementAddressKind
	Raw  string
}

func (a SettlementAddress) String() string { return a.Raw }

// ParseSettlementAddress auto-detects CAIP-10 vs. PayTo by prefix, per
// spec.md §6.2: starts with "payto://" -> PayTo; else contains ":" with
// non-empty halves -> CAIP-10; else rejected.
func ParseSettlementAddress(s string) (SettlementAddress, error) {
	const op = "core.ParseSettlementAddress"
	if strings.HasPrefix(s, "payto://") {
		return SettlementAddress{Kind: KindPayTo, Raw: s}, nil
	}
	if idx := strings.Index(s, ":"); idx > 0 && idx < len(s)-1 {
		return SettlementAddress{Kind: KindCAIP10, Raw: s}, nil
	}
	return SettlementAddress{}, errs.New(errs.Validation, op, "not a CAIP-10 or PayTo settlement address: "+s)
}
