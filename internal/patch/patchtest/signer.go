// Package patchtest provides signing helpers for tests of packages that
// verify patches.
package patchtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"sync"
	"testing"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Signer signs patch hashes with a throwaway RSA key shared by the whole
// test binary.
type Signer struct {
	priv *rsa.PrivateKey
}

// NewSigner returns a signer, generating the key on first use.
func NewSigner(t testing.TB) *Signer {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("generate rsa key: %v", keyErr)
	}
	return &Signer{priv: key}
}

// PublicKeyPKIX returns the public key as base64 PKIX DER.
func (s *Signer) PublicKeyPKIX(t testing.TB) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&s.priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

// PublicKeyPKCS1 returns the public key as base64 PKCS#1 DER.
func (s *Signer) PublicKeyPKCS1() string {
	return base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PublicKey(&s.priv.PublicKey))
}

// Sign returns the base64 signature of the hex hash string.
func (s *Signer) Sign(t testing.TB, hash string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(hash))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign hash: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}
