// Package envelope defines the wire format exchanged between ai2ai nodes
// and the codec that canonicalizes, signs, verifies, encrypts and decrypts it.
package envelope

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kinds of envelope defined by the protocol.
type Type string

const (
	TypePing        Type = "ping"
	TypeMessage     Type = "message"
	TypeRequest     Type = "request"
	TypeResponse    Type = "response"
	TypeConfirm     Type = "confirm"
	TypeReject      Type = "reject"
	TypeReceipt     Type = "receipt"
	TypeKeyRotation Type = "key_rotation"
	TypeInform      Type = "inform"
)

// CurrentProtoVersion is the version this node emits on outbound envelopes.
const CurrentProtoVersion = "1.0"

// AcceptedProtoVersions lists proto versions accepted inbound. v0.1 predates
// nonce/expiresAt and is kept for back-compat; see spec §9 Open Questions.
var AcceptedProtoVersions = []string{"1.0", "0.1"}

// ReceiptStatus enumerates the status values carried by type=receipt payloads.
type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "sent"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Party identifies one side of an envelope.
type Party struct {
	Agent string `json:"agent"`
	Human string `json:"human,omitempty"`
}

// Envelope is the single JSON document exchanged between nodes.
type Envelope struct {
	ProtoVersion          string          `json:"protoVersion"`
	ID                    uuid.UUID       `json:"id"`
	Nonce                 string          `json:"nonce"`
	Timestamp             time.Time       `json:"timestamp"`
	ExpiresAt             *time.Time      `json:"expiresAt,omitempty"`
	From                  Party           `json:"from"`
	To                    Party           `json:"to"`
	Conversation          uuid.UUID       `json:"conversation"`
	Type                  Type            `json:"type"`
	Intent                *string         `json:"intent"`
	Payload               json.RawMessage `json:"payload"`
	RequiresHumanApproval bool            `json:"requiresHumanApproval"`
	Signature             string          `json:"signature,omitempty"`
}

// EncryptedPayload replaces the plaintext payload when encryption applies.
// All binary fields are base64 (standard, with padding).
type EncryptedPayload struct {
	Encrypted    bool   `json:"_encrypted"`
	EphemeralPub string `json:"ephemeralPub"`
	Nonce        string `json:"nonce"`
	Ciphertext   string `json:"ciphertext"`
	Tag          string `json:"tag"`
}

// ReceiptPayload is the shape of a type=receipt envelope's payload.
type ReceiptPayload struct {
	MessageID string        `json:"messageId"`
	Status    ReceiptStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// KeyRotationPayload is the shape of a type=key_rotation envelope's payload
// (§4.1): both keys base64-encoded Ed25519 public keys.
type KeyRotationPayload struct {
	NewPublicKey      string `json:"newPublicKey"`
	PreviousPublicKey string `json:"previousPublicKey"`
}

var (
	ErrInvalidEnvelope   = errors.New("invalid_envelope")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrDecryptionFailed  = errors.New("decryption_failed")
	ErrUnsupportedVerion = errors.New("unsupported_proto_version")
)

// IsEncryptedPayload reports whether raw carries the encrypted payload variant.
func IsEncryptedPayload(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var probe struct {
		Encrypted bool `json:"_encrypted"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Encrypted
}

// DecodeEncryptedPayload parses raw as the encrypted payload variant.
func DecodeEncryptedPayload(raw json.RawMessage) (*EncryptedPayload, error) {
	var ep EncryptedPayload
	if err := json.Unmarshal(raw, &ep); err != nil {
		return nil, ErrInvalidEnvelope
	}
	if ep.EphemeralPub == "" || ep.Nonce == "" || ep.Ciphertext == "" || ep.Tag == "" {
		return nil, ErrInvalidEnvelope
	}
	return &ep, nil
}

// AcceptsVersion reports whether v is in the accepted inbound allowlist.
func AcceptsVersion(v string) bool {
	for _, ok := range AcceptedProtoVersions {
		if ok == v {
			return true
		}
	}
	return false
}

// ValidateShape checks the required fields for the strict v1.0 shape
// (§4.4 filter 5, §9 Open Questions: inbound accepts 0.1 too, which relaxes
// the nonce requirement; expiresAt is optional in both versions).
func ValidateShape(e *Envelope) error {
	if e == nil {
		return ErrInvalidEnvelope
	}
	if !AcceptsVersion(e.ProtoVersion) {
		return ErrUnsupportedVerion
	}
	if e.ID == uuid.Nil {
		return ErrInvalidEnvelope
	}
	if e.From.Agent == "" || e.To.Agent == "" {
		return ErrInvalidEnvelope
	}
	if e.Conversation == uuid.Nil {
		return ErrInvalidEnvelope
	}
	if e.Type == "" {
		return ErrInvalidEnvelope
	}
	if e.Timestamp.IsZero() {
		return ErrInvalidEnvelope
	}
	if e.ProtoVersion == CurrentProtoVersion && e.Nonce == "" {
		return ErrInvalidEnvelope
	}
	switch e.Type {
	case TypePing, TypeReceipt:
		// intent must be nil per §3, but tolerate a stray empty string
	default:
		if e.Intent == nil || *e.Intent == "" {
			return ErrInvalidEnvelope
		}
	}
	return nil
}

// RequiresApproval reports whether the sender set requires_human_approval on
// the envelope. It does not look at sender keys; the first-contact rule for
// senders with no known key is applied by the ingress approval gate.
func RequiresApproval(e *Envelope) bool {
	return e.RequiresHumanApproval
}
