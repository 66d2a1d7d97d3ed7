package session

import "github.com/custodia-mesh/custodia/internal/envelope"

// Payload kinds for direct responses.
const (
	KindBinary = "binary"
	KindText   = "text"
)

// Payload is an outbound direct response. The kind selects the wire
// content type: binary payloads are sealed agent wire messages, text
// payloads are plain structured JSON.
type Payload struct {
	kind string
	data []byte
}

// NewBinaryPayload wraps sealed message bytes as a binary response.
func NewBinaryPayload(data []byte) *Payload {
	return &Payload{kind: KindBinary, data: data}
}

// NewTextPayload wraps a JSON string as a text response.
func NewTextPayload(s string) *Payload {
	return &Payload{kind: KindText, data: []byte(s)}
}

// Kind returns the payload kind, KindBinary or KindText.
func (p *Payload) Kind() string {
	return p.kind
}

// IsText reports whether the payload is structured text.
func (p *Payload) IsText() bool {
	return p.kind == KindText
}

// Bytes returns the payload body.
func (p *Payload) Bytes() []byte {
	return p.data
}

// ContentType returns the HTTP content type for the payload kind.
func (p *Payload) ContentType() string {
	if p.kind == KindText {
		return envelope.ContentTypeJSON
	}
	return envelope.ContentTypeWire
}
