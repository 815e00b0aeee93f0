// Package keystore persists a node's long-lived Ed25519 signing key and
// X25519 key-agreement key, and tracks key rotation history.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/curve25519"
)

const (
	agentPubFile  = "agent.pub"
	agentKeyFile  = "agent.key"
	xPubFile      = "x25519.pub.der"
	xKeyFile      = "x25519.key.der"
	rotationFile  = "rotation-meta.json"
	maxPrevious   = 3
	defaultRotate = 30 * 24 * time.Hour
)

// KeyStore owns a node's identity material on disk.
type KeyStore struct {
	dir string

	edPub  ed25519.PublicKey
	edPriv ed25519.PrivateKey

	xPub  [32]byte
	xPriv [32]byte

	meta rotationMeta
}

type rotationMeta struct {
	LastRotationAt time.Time `json:"lastRotationAt"`
	PreviousKeys   []string  `json:"previousKeys"` // hex-encoded ed25519 public keys, most recent first
}

// Open loads keys from dir, generating and persisting a fresh keypair on
// first use. dir must be a directory the node's data dir owns exclusively.
func Open(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}

	ks := &KeyStore{dir: dir}

	if _, err := os.Stat(filepath.Join(dir, agentKeyFile)); err == nil {
		if err := ks.load(); err != nil {
			return nil, err
		}
		return ks, nil
	}

	if err := ks.generate(); err != nil {
		return nil, err
	}
	if err := ks.persist(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	ks.edPub, ks.edPriv = pub, priv

	if _, err := rand.Read(ks.xPriv[:]); err != nil {
		return err
	}
	xpub, err := curve25519.X25519(ks.xPriv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	copy(ks.xPub[:], xpub)

	ks.meta = rotationMeta{LastRotationAt: time.Now().UTC()}
	return nil
}

func (ks *KeyStore) persist() error {
	edPubPEM := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PUBLIC KEY", Bytes: ks.edPub})
	edKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: ks.edPriv})

	if err := writeFileAtomic(filepath.Join(ks.dir, agentPubFile), edPubPEM, 0o644); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(ks.dir, agentKeyFile), edKeyPEM, 0o600); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(ks.dir, xPubFile), ks.xPub[:], 0o644); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(ks.dir, xKeyFile), ks.xPriv[:], 0o600); err != nil {
		return err
	}

	metaJSON, err := json.MarshalIndent(ks.meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(ks.dir, rotationFile), metaJSON, 0o600)
}

func (ks *KeyStore) load() error {
	edKeyPEM, err := os.ReadFile(filepath.Join(ks.dir, agentKeyFile))
	if err != nil {
		return err
	}
	block, _ := pem.Decode(edKeyPEM)
	if block == nil {
		return fmt.Errorf("keystore: malformed agent.key")
	}
	ks.edPriv = ed25519.PrivateKey(block.Bytes)
	ks.edPub = ks.edPriv.Public().(ed25519.PublicKey)

	xPriv, err := os.ReadFile(filepath.Join(ks.dir, xKeyFile))
	if err != nil {
		return err
	}
	if len(xPriv) != 32 {
		return fmt.Errorf("keystore: malformed x25519.key.der")
	}
	copy(ks.xPriv[:], xPriv)

	xPub, err := curve25519.X25519(ks.xPriv[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	copy(ks.xPub[:], xPub)

	metaJSON, err := os.ReadFile(filepath.Join(ks.dir, rotationFile))
	if err == nil {
		_ = json.Unmarshal(metaJSON, &ks.meta)
	}
	return nil
}

// SigningKeys returns the current Ed25519 keypair.
func (ks *KeyStore) SigningKeys() (ed25519.PublicKey, ed25519.PrivateKey) {
	return ks.edPub, ks.edPriv
}

// AgreementKeys returns the current X25519 keypair.
func (ks *KeyStore) AgreementKeys() (pub, priv [32]byte) {
	return ks.xPub, ks.xPriv
}

// Fingerprint returns the SHA-256 fingerprint of the current Ed25519 public
// key, formatted as 8 colon-separated 4-hex groups of the first 32 hex chars.
func (ks *KeyStore) Fingerprint() string {
	return Fingerprint(ks.edPub)
}

// Fingerprint computes the fingerprint for an arbitrary Ed25519 public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	hexStr := hex.EncodeToString(sum[:])[:32]
	groups := make([]string, 0, 8)
	for i := 0; i < 32; i += 4 {
		groups = append(groups, hexStr[i:i+4])
	}
	out := groups[0]
	for _, g := range groups[1:] {
		out += ":" + g
	}
	return out
}

// PreviousPublicKeys returns archived Ed25519 public keys still accepted
// for signature verification, most recent first.
func (ks *KeyStore) PreviousPublicKeys() []ed25519.PublicKey {
	out := make([]ed25519.PublicKey, 0, len(ks.meta.PreviousKeys))
	for _, hexKey := range ks.meta.PreviousKeys {
		b, err := hex.DecodeString(hexKey)
		if err != nil || len(b) != ed25519.PublicKeySize {
			continue
		}
		out = append(out, ed25519.PublicKey(b))
	}
	return out
}

// VerificationCandidates returns the current key followed by all archived
// keys — the exact set §4.1 requires a verifier to accept against.
func (ks *KeyStore) VerificationCandidates() []ed25519.PublicKey {
	return append([]ed25519.PublicKey{ks.edPub}, ks.PreviousPublicKeys()...)
}

// NeedsRotation is a pure predicate over (now - lastRotationAt) > interval.
func (ks *KeyStore) NeedsRotation(interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		interval = defaultRotate
	}
	return now.Sub(ks.meta.LastRotationAt) > interval
}

// RotationResult describes the outcome of a key rotation.
type RotationResult struct {
	NewPub      ed25519.PublicKey
	PreviousPub ed25519.PublicKey
}

// Rotate archives the current Ed25519 public key (retaining the last
// maxPrevious), generates a fresh Ed25519 keypair, and persists both. The
// X25519 agreement key is left untouched — rotation only concerns the
// signing identity per §4.1.
func (ks *KeyStore) Rotate() (*RotationResult, error) {
	previous := ks.edPub

	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	archived := append([]string{hex.EncodeToString(previous)}, ks.meta.PreviousKeys...)
	if len(archived) > maxPrevious {
		archived = archived[:maxPrevious]
	}

	ks.edPub, ks.edPriv = newPub, newPriv
	ks.meta = rotationMeta{
		LastRotationAt: time.Now().UTC(),
		PreviousKeys:   archived,
	}

	if err := ks.persist(); err != nil {
		return nil, err
	}

	return &RotationResult{NewPub: newPub, PreviousPub: previous}, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
