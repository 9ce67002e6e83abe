package core

import "encoding/json"

// AttachmentData is the variant payload of a DIDComm-standard attachment,
// per spec.md §3.6: exactly one of Json, Base64, or Links should be set.
type AttachmentData struct {
	JSON   json.RawMessage `json:"json,omitempty"`
	JWS    json.RawMessage `json:"jws,omitempty"`
	Base64 string          `json:"base64,omitempty"`
	Links  []string        `json:"links,omitempty"`
}

// Attachment is a DIDComm-standard attachment, per spec.md §3.6.
type Attachment struct {
	ID         string         `json:"id,omitempty"`
	Description string        `json:"description,omitempty"`
	MediaType  string         `json:"media_type,omitempty"`
	Format     string         `json:"format,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	LastmodTime *int64        `json:"lastmod_time,omitempty"`
	ByteCount  *int64         `json:"byte_count,omitempty"`
	Data       AttachmentData `json:"data"`
}

// SignedJWSMediaType is the media type of a signed-JWS attachment, used by
// payment links per spec.md §4.6.
const SignedJWSMediaType = "application/didcomm-signed+json"
