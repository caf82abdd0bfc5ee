package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2s"
)

const (
	maxClockSkew = 5 * time.Minute

	algorithmEd25519 = "ed25519"
	hashBlake2s      = "blake2s"
)

// Signature contains a signature with associated Metadata
type Signature struct {
	Signature []byte    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
	KeyID     KeyID     `json:"key_id"`
	Algorithm string    `json:"algorithm"` // "ed25519"
	HashAlgo  string    `json:"hash_algo"` // "blake2s"
}

// ParseSignature decodes the base64 encoded JSON signature carried by a signed manifest
func ParseSignature(encoded string) (*Signature, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	var signature Signature
	if err := json.Unmarshal(data, &signature); err != nil {
		return nil, fmt.Errorf("unmarshal signature: %w", err)
	}
	return &signature, nil
}

// newManifestHash returns a BLAKE2s hash
func newManifestHash() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err) // Should never happen with nil Key
	}
	return h
}

// signedMessage builds hash || length || timestamp
func signedMessage(data []byte, timestamp time.Time) []byte {
	h := newManifestHash()
	_, _ = h.Write(data)
	sum := h.Sum(nil)

	msg := make([]byte, 0, len(sum)+8+8)
	msg = append(msg, sum...)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(len(data)))
	msg = binary.LittleEndian.AppendUint64(msg, uint64(timestamp.Unix()))
	return msg
}

// SignManifest signs the manifest document and returns the signature in the form expected by
// the manifestString/signature envelope
func SignManifest(key PrivateKey, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("manifest is empty")
	}

	timestamp := time.Now().UTC()
	if !key.Metadata.ExpiresAt.IsZero() && timestamp.After(key.Metadata.ExpiresAt) {
		return "", fmt.Errorf("manifest key expired at %v", key.Metadata.ExpiresAt)
	}

	bundle := Signature{
		Signature: ed25519.Sign(key.Key, signedMessage(data, timestamp)),
		Timestamp: timestamp,
		KeyID:     key.Metadata.ID,
		Algorithm: algorithmEd25519,
		HashAlgo:  hashBlake2s,
	}

	encoded, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal signature: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// Verifier checks manifest signatures against a set of trusted public keys
type Verifier struct {
	keys []PublicKey
}

// NewVerifier returns a Verifier trusting keys
func NewVerifier(keys []PublicKey) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, errors.New("no public keys provided")
	}
	return &Verifier{keys: keys}, nil
}

// NewVerifierFromFile returns a Verifier trusting the PEM bundle stored in file
func NewVerifierFromFile(file string) (*Verifier, error) {
	keys, err := LoadPublicKeys(file)
	if err != nil {
		return nil, err
	}
	return NewVerifier(keys)
}

// Verify validates signature against payload
func (v *Verifier) Verify(payload []byte, signature string) error {
	sig, err := ParseSignature(signature)
	if err != nil {
		return err
	}

	if sig.Algorithm != algorithmEd25519 || sig.HashAlgo != hashBlake2s {
		return fmt.Errorf("unsupported signature scheme %s/%s", sig.Algorithm, sig.HashAlgo)
	}

	now := time.Now().UTC()
	if sig.Timestamp.After(now.Add(maxClockSkew)) {
		err := fmt.Errorf("manifest signature timestamp is in the future: %v", sig.Timestamp)
		log.Debugf("failed to verify signature of manifest: %s", err)
		return err
	}

	msg := signedMessage(payload, sig.Timestamp)

	for _, keyInfo := range v.keys {
		if keyInfo.Metadata.ID != sig.KeyID {
			continue
		}
		if !keyInfo.Metadata.ExpiresAt.IsZero() && sig.Timestamp.After(keyInfo.Metadata.ExpiresAt) {
			return fmt.Errorf("signing Key %s expired at %v, signature from %v",
				sig.KeyID, keyInfo.Metadata.ExpiresAt, sig.Timestamp)
		}
		if ed25519.Verify(keyInfo.Key, msg, sig.Signature) {
			log.Debugf("manifest verified successfully with Key: %s", sig.KeyID)
			return nil
		}
		return fmt.Errorf("signature verification failed for Key %s", sig.KeyID)
	}

	return fmt.Errorf("no signing Key found with ID %s", sig.KeyID)
}
