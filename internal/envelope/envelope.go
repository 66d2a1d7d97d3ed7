// Package envelope implements the agent wire message envelope.
// Messages are sealed per-recipient using X25519 key agreement and
// ChaCha20-Poly1305, with a JSON outer structure carrying a base64
// protected header that lists the recipient key IDs.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/custodia-mesh/custodia/internal/identity"
)

// Content types for inbound and outbound message bodies.
const (
	// ContentTypeWire is the binary agent wire format.
	ContentTypeWire = "application/ssi-agent-wire"

	// ContentTypeJSON is the structured-text format.
	ContentTypeJSON = "application/json"
)

// ReturnRouteAll requests that responses be returned on the inbound
// connection that carried the request.
const ReturnRouteAll = "all"

// ParseError indicates inbound bytes that could not be decoded or
// authenticated. It maps to a client-facing bad request, not a server fault.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("message parse error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("message parse error: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is a message parse failure.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Receipt carries delivery metadata extracted while unpacking a message.
type Receipt struct {
	// RecipientKey is the key the message was unpacked with.
	RecipientKey identity.Key

	// RecipientKIDs are all recipient key IDs named in the envelope.
	RecipientKIDs []string

	// ThreadID is the message thread, when present.
	ThreadID string

	// DirectResponseRequested is true when the sender asked for the reply
	// on the same connection (~transport.return_route == "all").
	DirectResponseRequested bool
}

// Message is a fully unpacked inbound message.
type Message struct {
	Payload []byte
	Type    string
	Receipt Receipt
}

// rawEnvelope is the outer JSON structure of a sealed message.
type rawEnvelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// protectedHeader is the base64-decoded protected header.
type protectedHeader struct {
	Enc        string         `json:"enc"`
	Typ        string         `json:"typ"`
	Alg        string         `json:"alg"`
	Recipients []rawRecipient `json:"recipients"`
}

type rawRecipient struct {
	EncryptedKey string    `json:"encrypted_key"`
	Header       kidHeader `json:"header"`
}

type kidHeader struct {
	KID    string `json:"kid"`
	IV     string `json:"iv"`
	Sender string `json:"sender"`
}

// innerMessage is the decrypted payload structure.
type innerMessage struct {
	Type      string          `json:"@type"`
	ID        string          `json:"@id"`
	Thread    *threadBlock    `json:"~thread,omitempty"`
	Transport *transportBlock `json:"~transport,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

type threadBlock struct {
	ThreadID string `json:"thid"`
}

type transportBlock struct {
	ReturnRoute string `json:"return_route"`
}

// RecipientKIDs peeks at a sealed envelope and returns the recipient key
// IDs from its protected header without decrypting the payload. Tenant
// resolution uses this before any cryptographic unpacking occurs.
func RecipientKIDs(raw []byte) ([]string, error) {
	_, hdr, err := decodeOuter(raw)
	if err != nil {
		return nil, err
	}

	kids := make([]string, 0, len(hdr.Recipients))
	for _, r := range hdr.Recipients {
		if r.Header.KID == "" {
			return nil, &ParseError{Reason: "recipient with empty kid"}
		}
		kids = append(kids, r.Header.KID)
	}
	return kids, nil
}

func decodeOuter(raw []byte) (*rawEnvelope, *protectedHeader, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, &ParseError{Reason: "invalid envelope JSON", Err: err}
	}
	if env.Protected == "" {
		return nil, nil, &ParseError{Reason: "missing protected header"}
	}

	hdrBytes, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		// Tolerate padded encoding from older senders
		hdrBytes, err = base64.URLEncoding.DecodeString(env.Protected)
		if err != nil {
			return nil, nil, &ParseError{Reason: "invalid protected header encoding", Err: err}
		}
	}

	var hdr protectedHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, nil, &ParseError{Reason: "invalid protected header JSON", Err: err}
	}
	if len(hdr.Recipients) == 0 {
		return nil, nil, &ParseError{Reason: "no recipients in envelope"}
	}

	return &env, &hdr, nil
}

// Codec unpacks sealed inbound messages and packs outbound ones.
type Codec interface {
	// Unpack authenticates and decrypts raw bytes using the supplied
	// recipient keypairs. Fails with *ParseError when the bytes cannot
	// be decoded or no keypair matches a recipient.
	Unpack(raw []byte, keys []*identity.Keypair) (*Message, error)
}

// SealedCodec is the default Codec implementation.
type SealedCodec struct {
	// MaxRecipients bounds the recipient list; 0 means no bound.
	MaxRecipients int
}

// NewCodec creates a SealedCodec.
func NewCodec(maxRecipients int) *SealedCodec {
	return &SealedCodec{MaxRecipients: maxRecipients}
}

// Unpack implements Codec.
func (c *SealedCodec) Unpack(raw []byte, keys []*identity.Keypair) (*Message, error) {
	env, hdr, err := decodeOuter(raw)
	if err != nil {
		return nil, err
	}

	if c.MaxRecipients > 0 && len(hdr.Recipients) > c.MaxRecipients {
		return nil, &ParseError{Reason: fmt.Sprintf("too many recipients: %d", len(hdr.Recipients))}
	}

	kids := make([]string, 0, len(hdr.Recipients))
	for _, r := range hdr.Recipients {
		kids = append(kids, r.Header.KID)
	}

	// Find a recipient entry we hold a key for.
	var matched *rawRecipient
	var matchedKey *identity.Keypair
	for i := range hdr.Recipients {
		kid := hdr.Recipients[i].Header.KID
		for _, kp := range keys {
			if kp != nil && kp.PublicKey.String() == kid {
				matched = &hdr.Recipients[i]
				matchedKey = kp
				break
			}
		}
		if matched != nil {
			break
		}
	}
	if matched == nil {
		return nil, &ParseError{Reason: "no recipient key available for envelope"}
	}

	plaintext, err := openSealed(env, matched, matchedKey)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Payload: plaintext,
		Receipt: Receipt{
			RecipientKey:  matchedKey.PublicKey,
			RecipientKIDs: kids,
		},
	}

	// The inner payload is JSON carrying routing decorations. A payload
	// that is not JSON is passed through opaque with no decorations.
	var inner innerMessage
	if err := json.Unmarshal(plaintext, &inner); err == nil {
		msg.Type = inner.Type
		if inner.Thread != nil {
			msg.Receipt.ThreadID = inner.Thread.ThreadID
		}
		if inner.Transport != nil && inner.Transport.ReturnRoute == ReturnRouteAll {
			msg.Receipt.DirectResponseRequested = true
		}
	}

	return msg, nil
}
