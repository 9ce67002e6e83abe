package core

import (
	"encoding/json"
	"fmt"

	"github.com/tapprotocol/tap/pkg/errs"
	"github.com/xeipuuv/gojsonschema"
)

// bodySchemas holds a minimal JSON Schema (draft-4, as gojsonschema expects)
// per body type, enforcing the required-field shape of spec.md §3.4 at the
// wire level before the stronger Go-level Validate() methods run the
// cross-field invariants JSON Schema cannot express (e.g. "exactly one of
// asset/currency").
var bodySchemas = map[string]string{
	Transfer{}.MessageType(): `{
		"type": "object",
		"required": ["transaction_id", "asset", "originator", "amount", "agents"]
	}`,
	Payment{}.MessageType(): `{
		"type": "object",
		"required": ["transaction_id", "amount", "merchant", "agents"]
	}`,
	Escrow{}.MessageType(): `{
		"type": "object",
		"required": ["amount", "originator", "beneficiary", "expiry", "agents"]
	}`,
	Authorize{}.MessageType(): `{"type": "object", "required": ["transaction_id"]}`,
	Reject{}.MessageType():    `{"type": "object", "required": ["transaction_id"]}`,
	Cancel{}.MessageType():    `{"type": "object", "required": ["transaction_id", "by"]}`,
	Settle{}.MessageType():    `{"type": "object", "required": ["transaction_id", "settlement_id"]}`,
	Revert{}.MessageType():    `{"type": "object", "required": ["transaction_id", "settlement_address", "reason"]}`,
	UpdateParty{}.MessageType():    `{"type": "object", "required": ["transaction_id", "party_type", "party"]}`,
	UpdatePolicies{}.MessageType(): `{"type": "object", "required": ["transaction_id", "policies"]}`,
	AddAgents{}.MessageType():      `{"type": "object", "required": ["transaction_id", "agents"]}`,
	ReplaceAgent{}.MessageType():   `{"type": "object", "required": ["transaction_id", "original", "replacement"]}`,
	RemoveAgent{}.MessageType():    `{"type": "object", "required": ["transaction_id", "agent"]}`,
	Connect{}.MessageType():        `{"type": "object", "required": ["transaction_id", "agent_id", "for"]}`,
	TrustPing{}.MessageType():      `{"type": "object"}`,
	TrustPingResponse{}.MessageType(): `{"type": "object"}`,
	BasicMessage{}.MessageType():   `{"type": "object", "required": ["content"]}`,
}

var compiledSchemas = map[string]*gojsonschema.Schema{}

func schemaFor(messageType string) (*gojsonschema.Schema, bool) {
	if s, ok := compiledSchemas[messageType]; ok {
		return s, true
	}
	raw, ok := bodySchemas[messageType]
	if !ok {
		return nil, false
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		// A malformed built-in schema is a programmer error, not a runtime
		// validation failure; surface clearly rather than silently skipping.
		panic(fmt.Sprintf("tap/core: invalid built-in schema for %s: %v", messageType, err))
	}
	compiledSchemas[messageType] = schema
	return schema, true
}

// ValidateBodyMap runs JSON-Schema-level validation (required fields) for
// the body map of a plain message whose `type` header is messageType. It is
// the first stage of validation per spec.md §4.5/§4.9; unknown message
// types (RawBody) are not schema-checked here.
func ValidateBodyMap(messageType string, body map[string]any) error {
	const op = "core.ValidateBodyMap"
	schema, ok := schemaFor(messageType)
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(body))
	if err != nil {
		return errs.Wrap(errs.Serialization, op, "schema validation error", err)
	}
	if !result.Valid() {
		msgs := ""
		for i, e := range result.Errors() {
			if i > 0 {
				msgs += "; "
			}
			msgs += e.String()
		}
		return errs.New(errs.Validation, op, "schema violation: "+msgs)
	}
	return nil
}

// ValidateBody runs both schema-level and Go-level validation for a decoded
// body, per spec.md §4.5's validate(body) capability.
func ValidateBody(b Body) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return errs.Wrap(errs.Serialization, "core.ValidateBody", "marshal body", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return errs.Wrap(errs.Serialization, "core.ValidateBody", "unmarshal body to map", err)
	}
	if err := ValidateBodyMap(b.MessageType(), m); err != nil {
		return err
	}
	return b.Validate()
}

// DecodeBody decodes a plain message's body into the concrete Body type
// named by its `type` header, returning a RawBody for unrecognized types.
func DecodeBody(m *PlainMessage) (Body, error) {
	const op = "core.DecodeBody"
	newBody := func() (Body, bool) {
		switch m.Type {
		case Transfer{}.MessageType():
			return &Transfer{}, true
		case Payment{}.MessageType():
			return &Payment{}, true
		case Escrow{}.MessageType():
			return &Escrow{}, true
		case Authorize{}.MessageType():
			return &Authorize{}, true
		case Reject{}.MessageType():
			return &Reject{}, true
		case Cancel{}.MessageType():
			return &Cancel{}, true
		case Settle{}.MessageType():
			return &Settle{}, true
		case Revert{}.MessageType():
			return &Revert{}, true
		case UpdateParty{}.MessageType():
			return &UpdateParty{}, true
		case UpdatePolicies{}.MessageType():
			return &UpdatePolicies{}, true
		case AddAgents{}.MessageType():
			return &AddAgents{}, true
		case ReplaceAgent{}.MessageType():
			return &ReplaceAgent{}, true
		case RemoveAgent{}.MessageType():
			return &RemoveAgent{}, true
		case Connect{}.MessageType():
			return &Connect{}, true
		case TrustPing{}.MessageType():
			return &TrustPing{}, true
		case TrustPingResponse{}.MessageType():
			return &TrustPingResponse{}, true
		case BasicMessage{}.MessageType():
			return &BasicMessage{}, true
		default:
			return nil, false
		}
	}

	b, ok := newBody()
	if !ok {
		return RawBody{Type: m.Type, Raw: m.Body}, nil
	}
	raw, err := json.Marshal(m.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "marshal body map", err)
	}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, errs.Wrap(errs.Serialization, op, "unmarshal body", err)
	}
	// Return the dereferenced value so callers get a Body with value
	// semantics matching ToPlainMessage's expectations.
	switch v := b.(type) {
	case *Transfer:
		return *v, nil
	case *Payment:
		return *v, nil
	case *Escrow:
		return *v, nil
	case *Authorize:
		return *v, nil
	case *Reject:
		return *v, nil
	case *Cancel:
		return *v, nil
	case *Settle:
		return *v, nil
	case *Revert:
		return *v, nil
	case *UpdateParty:
		return *v, nil
	case *UpdatePolicies:
		return *v, nil
	case *AddAgents:
		return *v, nil
	case *ReplaceAgent:
		return *v, nil
	case *RemoveAgent:
		return *v, nil
	case *Connect:
		return *v, nil
	case *TrustPing:
		return *v, nil
	case *TrustPingResponse:
		return *v, nil
	case *BasicMessage:
		return *v, nil
	default:
		return b, nil
	}
}
