package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	tagManifestPrivate = "MANIFEST PRIVATE KEY"
	tagManifestPublic  = "MANIFEST PUBLIC KEY"
)

// KeyID is a unique identifier for a Key (first 8 bytes of SHA-256 of public Key)
type KeyID [8]byte

func (k KeyID) String() string {
	return fmt.Sprintf("%x", k[:])
}

// MarshalJSON implements json.Marshaler
func (k KeyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (k *KeyID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s) != 16 {
		return fmt.Errorf("invalid KeyID length: %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid KeyID: %w", err)
	}
	copy(k[:], b)
	return nil
}

// computeKeyID generates a unique ID from a public Key
func computeKeyID(pub ed25519.PublicKey) KeyID {
	h := sha256.Sum256(pub)
	var id KeyID
	copy(id[:], h[:8])
	return id
}

// KeyMetadata contains versioning and lifecycle information for a Key
type KeyMetadata struct {
	ID        KeyID     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // Optional expiration
}

// PublicKey wraps a public Key with its Metadata
type PublicKey struct {
	Key      ed25519.PublicKey
	Metadata KeyMetadata
}

// PrivateKey wraps a private Key with its Metadata
type PrivateKey struct {
	Key      ed25519.PrivateKey
	Metadata KeyMetadata
}

func (k PrivateKey) String() string {
	return fmt.Sprintf(
		"ManifestKey[ID=%s, CreatedAt=%s, ExpiresAt=%s]",
		k.Metadata.ID,
		k.Metadata.CreatedAt.Format(time.RFC3339),
		k.Metadata.ExpiresAt.Format(time.RFC3339),
	)
}

// GenerateKey creates a manifest signing key. A zero expiration creates a key that never expires.
// It returns the key with its PEM encoded private and public halves.
func GenerateKey(expiration time.Duration) (*PrivateKey, []byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	now := time.Now().UTC()
	metadata := KeyMetadata{
		ID:        computeKeyID(pub),
		CreatedAt: now,
	}
	if expiration > 0 {
		metadata.ExpiresAt = now.Add(expiration)
	}

	privPEM, err := encodeKey(tagManifestPrivate, priv, metadata)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode private key: %w", err)
	}
	pubPEM, err := encodeKey(tagManifestPublic, pub, metadata)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode public key: %w", err)
	}

	return &PrivateKey{Key: priv, Metadata: metadata}, privPEM, pubPEM, nil
}

func encodeKey(typeTag string, key []byte, meta KeyMetadata) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:    typeTag,
		Headers: map[string]string{"Metadata": string(metaJSON)},
		Bytes:   key,
	}), nil
}

// ParsePrivateKey parses a PEM encoded manifest signing key
func ParsePrivateKey(data []byte) (PrivateKey, error) {
	return parsePrivateKey(data, tagManifestPrivate)
}

// ParsePublicKeys parses a bundle of concatenated PEM encoded public keys
func ParsePublicKeys(bundle []byte) ([]PublicKey, error) {
	return parsePublicKeyBundle(bundle, tagManifestPublic)
}

// LoadPublicKeys reads a public key bundle from file
func LoadPublicKeys(file string) ([]PublicKey, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read public keys: %w", err)
	}
	keys, err := ParsePublicKeys(data)
	if err != nil {
		return nil, fmt.Errorf("parse public keys from %s: %w", file, err)
	}
	return keys, nil
}

func parsePublicKeyBundle(bundle []byte, typeTag string) ([]PublicKey, error) {
	var keys []PublicKey
	for len(bundle) > 0 {
		keyInfo, rest, err := parsePublicKey(bundle, typeTag)
		if err != nil {
			return nil, err
		}
		keys = append(keys, keyInfo)
		bundle = rest
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys found in bundle")
	}
	return keys, nil
}

func parsePublicKey(data []byte, typeTag string) (PublicKey, []byte, error) {
	b, rest := pem.Decode(data)
	if b == nil {
		return PublicKey{}, nil, errors.New("failed to decode PEM data")
	}
	if b.Type != typeTag {
		return PublicKey{}, nil, fmt.Errorf("PEM type is %q, want %q", b.Type, typeTag)
	}
	if len(b.Bytes) != ed25519.PublicKeySize {
		return PublicKey{}, nil, errors.New("incorrect Ed25519 public Key size")
	}

	pub := ed25519.PublicKey(b.Bytes)
	var meta KeyMetadata
	if metaStr, ok := b.Headers["Metadata"]; ok {
		_ = json.Unmarshal([]byte(metaStr), &meta)
	}
	meta.ID = computeKeyID(pub) // Always recompute ID

	return PublicKey{Key: pub, Metadata: meta}, rest, nil
}

// parsePrivateKey parses a PEM-encoded private Key with Metadata
func parsePrivateKey(data []byte, typeTag string) (PrivateKey, error) {
	b, rest := pem.Decode(data)
	if b == nil {
		return PrivateKey{}, errors.New("failed to decode PEM data")
	}
	if len(rest) > 0 {
		return PrivateKey{}, errors.New("trailing PEM data")
	}
	if b.Type != typeTag {
		return PrivateKey{}, fmt.Errorf("PEM type is %q, want %q", b.Type, typeTag)
	}
	if len(b.Bytes) != ed25519.PrivateKeySize {
		return PrivateKey{}, errors.New("incorrect Ed25519 private Key size")
	}

	var meta KeyMetadata
	if metaStr, ok := b.Headers["Metadata"]; ok {
		_ = json.Unmarshal([]byte(metaStr), &meta)
	}
	priv := ed25519.PrivateKey(b.Bytes)
	meta.ID = computeKeyID(priv.Public().(ed25519.PublicKey))

	return PrivateKey{Key: priv, Metadata: meta}, nil
}
