package adminauth

import (
	"errors"
	"strings"
	"testing"
)

func TestVerifyKeySHA256(t *testing.T) {
	stored := HashKeySHA256("secret-key")
	if !strings.HasPrefix(stored, "sha256:") {
		t.Fatalf("hash = %q", stored)
	}

	match, err := VerifyKey("secret-key", stored)
	if err != nil || !match {
		t.Errorf("correct key: match=%v err=%v", match, err)
	}
	match, err = VerifyKey("wrong-key", stored)
	if err != nil || match {
		t.Errorf("wrong key: match=%v err=%v", match, err)
	}
}

func TestVerifyKeyArgon2id(t *testing.T) {
	stored, err := HashKeyArgon2id("secret-key")
	if err != nil {
		t.Fatalf("HashKeyArgon2id: %v", err)
	}
	if !strings.HasPrefix(stored, "argon2id:$argon2id$") {
		t.Fatalf("hash = %q", stored)
	}

	match, err := VerifyKey("secret-key", stored)
	if err != nil || !match {
		t.Errorf("correct key: match=%v err=%v", match, err)
	}
	match, err = VerifyKey("wrong-key", stored)
	if err != nil || match {
		t.Errorf("wrong key: match=%v err=%v", match, err)
	}

	// Salted hashing: two hashes of the same key differ.
	other, err := HashKeyArgon2id("secret-key")
	if err != nil {
		t.Fatalf("HashKeyArgon2id: %v", err)
	}
	if other == stored {
		t.Error("argon2id hashes should be salted")
	}
}

func TestVerifyKeyUnknownScheme(t *testing.T) {
	for _, stored := range []string{"", "md5:abc", "plaintext", "$argon2id$missing-prefix"} {
		if _, err := VerifyKey("k", stored); !errors.Is(err, ErrUnknownHashType) {
			t.Errorf("VerifyKey(%q): err = %v, want ErrUnknownHashType", stored, err)
		}
	}
}

func TestVerifyKeyMalformedArgon2id(t *testing.T) {
	// Zero-parameter hashes make the underlying library panic; that
	// must surface as an error, never a crash.
	malformed := "argon2id:$argon2id$v=19$m=0,t=0,p=0$c2FsdA$aGFzaA"
	match, err := VerifyKey("k", malformed)
	if match {
		t.Error("malformed hash matched")
	}
	if err == nil {
		t.Error("malformed hash should return an error")
	}
}

func TestVerifier(t *testing.T) {
	argonHash, err := HashKeyArgon2id("argon-secret")
	if err != nil {
		t.Fatalf("HashKeyArgon2id: %v", err)
	}
	v := NewVerifier([]AdminKey{
		{Name: "ops", Hash: HashKeySHA256("sha-secret")},
		{Name: "ci", Hash: argonHash},
		{Name: "broken", Hash: "md5:oops"},
	})
	if !v.Enabled() {
		t.Fatal("verifier with keys should be enabled")
	}

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"sha256 match", "sha-secret", "ops", false},
		{"argon2id match", "argon-secret", "ci", false},
		{"no match", "nope", "", true},
		{"empty key", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("err = %v, want ErrInvalidKey", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Verify = (%q, %v), want (%q, nil)", got, err, tt.want)
			}
		})
	}
}

func TestVerifierEmpty(t *testing.T) {
	v := NewVerifier(nil)
	if v.Enabled() {
		t.Error("empty verifier should be disabled")
	}
	if _, err := v.Verify("anything"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}
