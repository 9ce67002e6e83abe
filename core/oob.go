package core

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tapprotocol/tap/pkg/errs"
)

// OOBType is the constant type header of an out-of-band invitation,
// per spec.md §4.6 (TAIP-2).
const OOBType = "https://didcomm.org/out-of-band/2.0/invitation"

// Known goal codes in the tap.* namespace, per spec.md §4.6.
const (
	GoalPayment  = "tap.payment"
	GoalConnect  = "tap.connect"
	GoalTransfer = "tap.transfer"
)

// DIDCommV2Accept is the required entry in an OOB invitation's accept list.
const DIDCommV2Accept = "didcomm/v2"

// OOBBody is the body of an out-of-band invitation.
type OOBBody struct {
	GoalCode string         `json:"goal_code,omitempty"`
	Goal     string         `json:"goal,omitempty"`
	Accept   []string       `json:"accept"`
	Extra    map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the named fields.
func (b OOBBody) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	for k, v := range b.Extra {
		m[k] = v
	}
	if b.GoalCode != "" {
		m["goal_code"] = b.GoalCode
	}
	if b.Goal != "" {
		m["goal"] = b.Goal
	}
	m["accept"] = b.Accept
	return json.Marshal(m)
}

// UnmarshalJSON extracts named fields and keeps the rest in Extra.
func (b *OOBBody) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["goal_code"].(string); ok {
		b.GoalCode = v
		delete(m, "goal_code")
	}
	if v, ok := m["goal"].(string); ok {
		b.Goal = v
		delete(m, "goal")
	}
	if v, ok := m["accept"].([]any); ok {
		for _, a := range v {
			if s, ok := a.(string); ok {
				b.Accept = append(b.Accept, s)
			}
		}
		delete(m, "accept")
	}
	b.Extra = m
	return nil
}

// Invitation is an out-of-band invitation, per spec.md §4.6.
type Invitation struct {
	Type        string       `json:"type"`
	ID          string       `json:"id"`
	From        DID          `json:"from"`
	Body        OOBBody      `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// NewInvitation constructs an invitation with a fresh id and the required
// type/accept headers.
func NewInvitation(from DID, goalCode, goal string, extra map[string]any) *Invitation {
	return &Invitation{
		Type: OOBType,
		ID:   uuid.NewString(),
		From: from,
		Body: OOBBody{
			GoalCode: goalCode,
			Goal:     goal,
			Accept:   []string{DIDCommV2Accept},
			Extra:    extra,
		},
	}
}

// knownTapGoalCodes are the tap.* namespace codes accepted by Validate.
var knownTapGoalCodes = map[string]bool{
	GoalPayment:  true,
	GoalConnect:  true,
	GoalTransfer: true,
}

// Validate enforces the OOB invitation rules of spec.md §4.6: type matches
// the constant, accept contains didcomm/v2, and tap.* goal codes are one of
// the known set.
func (inv *Invitation) Validate() error {
	const op = "core.Invitation.Validate"
	if inv.Type != OOBType {
		return errs.New(errs.Validation, op, "invalid OOB type: "+inv.Type)
	}
	hasV2 := false
	for _, a := range inv.Body.Accept {
		if a == DIDCommV2Accept {
			hasV2 = true
		}
	}
	if !hasV2 {
		return errs.New(errs.Validation, op, "accept must contain didcomm/v2")
	}
	if inv.Body.GoalCode != "" && strings.Contains(inv.Body.GoalCode, ".") {
		ns := inv.Body.GoalCode[:strings.Index(inv.Body.GoalCode, ".")]
		if ns == "tap" && !knownTapGoalCodes[inv.Body.GoalCode] {
			return errs.New(errs.Validation, op, "unknown tap.* goal code: "+inv.Body.GoalCode)
		}
	}
	return nil
}

// ToURL encodes inv as an OOB URL: <base>?_oob=<base64url-no-pad(JSON)>,
// per spec.md §4.6/§6.1.
func ToURL(inv *Invitation, base string) (string, error) {
	const op = "core.ToURL"
	raw, err := json.Marshal(inv)
	if err != nil {
		return "", errs.Wrap(errs.Serialization, op, "marshal invitation", err)
	}
	enc := base64.RawURLEncoding.EncodeToString(raw)
	u, err := url.Parse(base)
	if err != nil {
		return "", errs.Wrap(errs.Validation, op, "invalid base url", err)
	}
	q := u.Query()
	q.Set("_oob", enc)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ToShortURL encodes an OOB short-link variant: <base>?_oobid=<id>,
// assuming a side-channel lookup for id, per spec.md §4.6.
func ToShortURL(id, base string) (string, error) {
	const op = "core.ToShortURL"
	u, err := url.Parse(base)
	if err != nil {
		return "", errs.Wrap(errs.Validation, op, "invalid base url", err)
	}
	q := u.Query()
	q.Set("_oobid", id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FromURL is the exact inverse of ToURL: it recovers the invitation encoded
// in a URL's _oob query parameter.
func FromURL(raw string) (*Invitation, error) {
	const op = "core.FromURL"
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, op, "invalid url", err)
	}
	enc := u.Query().Get("_oob")
	if enc == "" {
		return nil, errs.New(errs.Validation, op, "missing _oob query parameter")
	}
	data, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "base64url decode", err)
	}
	var inv Invitation
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "unmarshal invitation", err)
	}
	return &inv, nil
}

// ShortLinkID extracts the _oobid query parameter from a short-link URL.
func ShortLinkID(raw string) (string, error) {
	const op = "core.ShortLinkID"
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrap(errs.Validation, op, "invalid url", err)
	}
	id := u.Query().Get("_oobid")
	if id == "" {
		return "", errs.New(errs.Validation, op, "missing _oobid query parameter")
	}
	return id, nil
}

// NewPaymentLink builds an OOB invitation wrapping a signed-JWS Payment
// attachment, per spec.md §4.6: goal_code = tap.payment, one attachment
// with media_type application/didcomm-signed+json.
func NewPaymentLink(from DID, signedPaymentJWS []byte) *Invitation {
	inv := NewInvitation(from, GoalPayment, "", nil)
	inv.Attachments = []Attachment{{
		MediaType: SignedJWSMediaType,
		Data:      AttachmentData{JSON: signedPaymentJWS},
	}}
	return inv
}
