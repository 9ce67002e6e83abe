package core

import (
	"github.com/tapprotocol/tap/pkg/errs"
)

// PlainTyp is the constant typ header for a DIDComm plain message.
const PlainTyp = "application/didcomm-plain+json"

// MsTimestampThreshold distinguishes millisecond from second timestamps,
// per spec.md §3.2: values >= 10^10 are milliseconds.
const MsTimestampThreshold = 10_000_000_000

// PlainMessage is the envelope's cleartext form, per spec.md §3.2.
type PlainMessage struct {
	ID           string                 `json:"id"`
	Typ          string                 `json:"typ"`
	Type         string                 `json:"type"`
	From         DID                    `json:"from"`
	To           []DID                  `json:"to,omitempty"`
	Body         map[string]any         `json:"body"`
	Thid         string                 `json:"thid,omitempty"`
	Pthid        string                 `json:"pthid,omitempty"`
	CreatedTime  *int64                 `json:"created_time,omitempty"`
	ExpiresTime  *int64                 `json:"expires_time,omitempty"`
	Attachments  []Attachment           `json:"attachments,omitempty"`
	FromPrior    string                 `json:"from_prior,omitempty"`
	ExtraHeaders map[string]any         `json:"extra_headers,omitempty"`
}

// Validate enforces the plain-message invariant of spec.md §3.2: id, typ,
// type, from non-empty; every `to` entry is a syntactically valid DID.
func (m *PlainMessage) Validate() error {
	const op = "core.PlainMessage.Validate"
	if m.ID == "" {
		return errs.New(errs.Validation, op, "id must be non-empty")
	}
	if m.Typ == "" {
		return errs.New(errs.Validation, op, "typ must be non-empty")
	}
	if m.Type == "" {
		return errs.New(errs.Validation, op, "type must be non-empty")
	}
	if err := ValidateDID(op, m.From); err != nil {
		return err
	}
	return ValidateDIDs(op, m.To)
}

// ThreadOrID returns m.Thid if set, otherwise m.ID — the id a first message
// in a thread implicitly uses as its own thread id (spec.md §3.1).
func (m *PlainMessage) ThreadOrID() string {
	if m.Thid != "" {
		return m.Thid
	}
	return m.ID
}

// NormalizeTimestamp converts a raw timestamp field to seconds-since-epoch,
// interpreting values >= MsTimestampThreshold as milliseconds, per
// spec.md §3.2 and testable property 11.
func NormalizeTimestamp(raw int64) int64 {
	if raw >= MsTimestampThreshold {
		return raw / 1000
	}
	return raw
}

// Reply constructs a reply PlainMessage per spec.md §4.5: thid equals the
// triggering message's thid if set, else its id; pthid is copied through.
func Reply(trigger *PlainMessage, id string, from DID, to []DID, typ string, body map[string]any) *PlainMessage {
	return &PlainMessage{
		ID:    id,
		Typ:   PlainTyp,
		Type:  typ,
		From:  from,
		To:    to,
		Body:  body,
		Thid:  trigger.ThreadOrID(),
		Pthid: trigger.Pthid,
	}
}
