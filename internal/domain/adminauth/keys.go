// Package adminauth verifies admin API keys against configured hashes.
// Plaintext keys are never stored; the config carries scheme-prefixed
// hashes ("argon2id:..." or "sha256:<hex>") and verification happens
// per request.
package adminauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an API key matches no configured hash.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized
// scheme prefix.
var ErrUnknownHashType = errors.New("unknown hash type")

// AdminKey is one configured admin credential.
type AdminKey struct {
	// Name labels the key in logs. Never the key itself.
	Name string
	// Hash is the scheme-prefixed hash the raw key must verify against.
	Hash string
}

// Verifier checks presented API keys against the configured set.
type Verifier struct {
	keys []AdminKey
}

// NewVerifier creates a Verifier over the configured admin keys.
func NewVerifier(keys []AdminKey) *Verifier {
	return &Verifier{keys: append([]AdminKey(nil), keys...)}
}

// Enabled reports whether any admin keys are configured.
func (v *Verifier) Enabled() bool { return len(v.keys) > 0 }

// Verify returns the name of the key the raw value matches.
// Every configured hash is tried; Argon2id hashes are salted, so there
// is no lookup shortcut. Returns ErrInvalidKey when nothing matches.
func (v *Verifier) Verify(rawKey string) (string, error) {
	for _, k := range v.keys {
		match, err := VerifyKey(rawKey, k.Hash)
		if err != nil {
			continue
		}
		if match {
			return k.Name, nil
		}
	}
	return "", ErrInvalidKey
}

// argon2idParams follows the OWASP minimum for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB (OWASP minimum: 46 MiB)
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC
// format with a random salt, prefixed with the "argon2id:" scheme so
// it can go straight into the config file.
func HashKeyArgon2id(rawKey string) (string, error) {
	h, err := argon2id.CreateHash(rawKey, argon2idParams)
	if err != nil {
		return "", err
	}
	return "argon2id:" + h, nil
}

// HashKeySHA256 returns the scheme-prefixed SHA-256 hex hash of the
// raw key. Faster to verify than Argon2id but offers no brute-force
// hardening; prefer Argon2id for anything long-lived.
func HashKeySHA256(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyKey verifies a raw key against a scheme-prefixed stored hash.
// Returns (false, ErrUnknownHashType) for unrecognized schemes.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	if rest, ok := strings.CutPrefix(storedHash, "argon2id:"); ok {
		return safeArgon2idCompare(rawKey, rest)
	}
	if rest, ok := strings.CutPrefix(storedHash, "sha256:"); ok {
		sum := sha256.Sum256([]byte(rawKey))
		computed := hex.EncodeToString(sum[:])
		// Constant-time comparison to prevent timing attacks.
		return subtle.ConstantTimeCompare([]byte(computed), []byte(rest)) == 1, nil
	}
	return false, ErrUnknownHashType
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes
// with invalid parameters (t=0, p=0); convert those to errors so
// verification never panics on bad config.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
