// Package vault seals and unseals exchange API credentials. Credentials
// only ever cross a process boundary (cache, logs, transit) in sealed
// form.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/bitguard/marginguard/pkg/models"
)

const (
	keyIterations = 100000
	keyLength     = 32
	gcmTagSize    = 16
)

// IntegrityError reports a failed unseal: a tampered payload, the wrong
// key, or a malformed transport string.
type IntegrityError struct {
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential integrity failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential integrity failure: %s", e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// SealedCredential is the at-rest form: hex-encoded nonce, auth tag and
// ciphertext. Transport form is the three parts colon-joined.
type SealedCredential struct {
	IVHex         string `json:"iv_hex"`
	AuthTagHex    string `json:"auth_tag_hex"`
	CiphertextHex string `json:"ciphertext_hex"`
}

// String renders the colon-joined transport form.
func (s SealedCredential) String() string {
	return s.IVHex + ":" + s.AuthTagHex + ":" + s.CiphertextHex
}

// ParseSealed splits a colon-joined transport string. Wrong field count is
// an IntegrityError.
func ParseSealed(transport string) (SealedCredential, error) {
	parts := strings.Split(transport, ":")
	if len(parts) != 3 {
		return SealedCredential{}, &IntegrityError{Reason: fmt.Sprintf("expected 3 parts, got %d", len(parts))}
	}
	return SealedCredential{IVHex: parts[0], AuthTagHex: parts[1], CiphertextHex: parts[2]}, nil
}

// Vault performs authenticated encryption of credential triples with a key
// derived from a server-held secret. The derived key is recomputed per
// call and never cached or logged; the derivation cost is intentional,
// sealing is not a hot path.
type Vault struct {
	secret []byte
	salt   []byte
}

// New creates a Vault from the server secret and a fixed salt.
func New(secret, salt string) *Vault {
	return &Vault{secret: []byte(secret), salt: []byte(salt)}
}

func (v *Vault) deriveKey() []byte {
	return pbkdf2.Key(v.secret, v.salt, keyIterations, keyLength, sha256.New)
}

// Seal encrypts a credential triple with AES-256-GCM under a fresh random
// nonce.
func (v *Vault) Seal(creds models.Credentials) (SealedCredential, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return SealedCredential{}, fmt.Errorf("credential serialization failed: %w", err)
	}

	block, err := aes.NewCipher(v.deriveKey())
	if err != nil {
		return SealedCredential{}, fmt.Errorf("cipher creation failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return SealedCredential{}, fmt.Errorf("GCM creation failed: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedCredential{}, fmt.Errorf("nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// GCM appends the tag to the ciphertext; the wire format keeps them apart
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return SealedCredential{
		IVHex:         hex.EncodeToString(nonce),
		AuthTagHex:    hex.EncodeToString(tag),
		CiphertextHex: hex.EncodeToString(ciphertext),
	}, nil
}

// Unseal decrypts a sealed credential. Any tamper or malformed field
// surfaces as an IntegrityError, never as wrong data.
func (v *Vault) Unseal(sealed SealedCredential) (models.Credentials, error) {
	nonce, err := hex.DecodeString(sealed.IVHex)
	if err != nil {
		return models.Credentials{}, &IntegrityError{Reason: "malformed nonce", Err: err}
	}
	tag, err := hex.DecodeString(sealed.AuthTagHex)
	if err != nil {
		return models.Credentials{}, &IntegrityError{Reason: "malformed auth tag", Err: err}
	}
	ciphertext, err := hex.DecodeString(sealed.CiphertextHex)
	if err != nil {
		return models.Credentials{}, &IntegrityError{Reason: "malformed ciphertext", Err: err}
	}

	block, err := aes.NewCipher(v.deriveKey())
	if err != nil {
		return models.Credentials{}, fmt.Errorf("cipher creation failed: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("GCM creation failed: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return models.Credentials{}, &IntegrityError{Reason: "wrong nonce size"}
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return models.Credentials{}, &IntegrityError{Reason: "authentication failed", Err: err}
	}

	var creds models.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return models.Credentials{}, &IntegrityError{Reason: "malformed payload", Err: err}
	}
	return creds, nil
}

// Validate reports whether a sealed credential unseals cleanly, for
// health-check use.
func (v *Vault) Validate(sealed SealedCredential) bool {
	_, err := v.Unseal(sealed)
	return err == nil
}
