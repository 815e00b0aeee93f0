package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
)

// hkdfInfoLabel is the HKDF info parameter fixed by §4.2.
const hkdfInfoLabel = "ai2ai-payload-encryption"

// signedBytes builds the canonical byte string that gets signed: the JSON
// encoding of {id, timestamp, from, to, conversation, type, intent, payload}
// with keys in lexicographic order and no whitespace. Go's encoding/json
// sorts map[string]any keys alphabetically at every nesting level, so
// building the subset as nested maps (rather than marshaling the Envelope
// struct, whose field order follows declaration order) gives deterministic
// output without hand-rolled sorting.
func signedBytes(e *Envelope) ([]byte, error) {
	var payload interface{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: payload not valid JSON", ErrInvalidEnvelope)
		}
	}

	subset := map[string]interface{}{
		"id": e.ID.String(),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"from": map[string]interface{}{
			"agent": e.From.Agent,
			"human": e.From.Human,
		},
		"to": map[string]interface{}{
			"agent": e.To.Agent,
		},
		"conversation": e.Conversation.String(),
		"type":         string(e.Type),
		"intent":       e.Intent,
		"payload":      payload,
	}

	return json.Marshal(subset)
}

// Sign computes the Ed25519 signature over the envelope's canonical bytes
// and stores it, base64 standard encoding, on e.Signature. If the payload
// carries the encrypted variant, the signature covers the ciphertext
// envelope (sign-over-final-payload, per §9 Open Questions).
func Sign(e *Envelope, priv ed25519.PrivateKey) error {
	data, err := signedBytes(e)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, data)
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks e.Signature against every candidate public key (current key
// plus any archived keys still within their rotation grace period) and
// succeeds if any one verifies. Returns ErrInvalidSignature if none do.
func Verify(e *Envelope, candidates []ed25519.PublicKey) error {
	if e.Signature == "" || len(candidates) == 0 {
		return ErrInvalidSignature
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return ErrInvalidSignature
	}
	data, err := signedBytes(e)
	if err != nil {
		return err
	}
	for _, pub := range candidates {
		if len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, data, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// EncryptPayload implements §4.2's encryption scheme: ephemeral X25519
// keypair, ECDH with the recipient's X25519 public key, HKDF-SHA256 with
// info label "ai2ai-payload-encryption" and empty salt to derive a 32-byte
// key, then AES-256-GCM with a random 96-bit nonce over the UTF-8 JSON
// payload. Go's cipher.AEAD.Seal appends the 128-bit tag to the ciphertext;
// it is split off here so the wire format can carry ciphertext and tag as
// separate base64 fields, per §3/§6.
func EncryptPayload(plaintext []byte, recipientXPub [32]byte) (*EncryptedPayload, error) {
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientXPub[:])
	if err != nil {
		return nil, err
	}

	key, err := derivePayloadKey(shared)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagSize := gcm.Overhead()
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &EncryptedPayload{
		Encrypted:    true,
		EphemeralPub: base64.StdEncoding.EncodeToString(ephPub),
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		Tag:          base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// DecryptPayload is the dual of EncryptPayload. Any AEAD verification
// failure — wrong key, tampered ciphertext, wrong tag — is a hard reject.
func DecryptPayload(ep *EncryptedPayload, ownXPriv [32]byte) ([]byte, error) {
	ephPub, err := base64.StdEncoding.DecodeString(ep.EphemeralPub)
	if err != nil || len(ephPub) != 32 {
		return nil, ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(ep.Nonce)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ep.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	tag, err := base64.StdEncoding.DecodeString(ep.Tag)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	shared, err := curve25519.X25519(ownXPriv[:], ephPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	key, err := derivePayloadKey(shared)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func derivePayloadKey(sharedSecret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfoLabel))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
