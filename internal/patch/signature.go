package patch

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// PublicKey is the RSA key patch hashes are signed with.
type PublicKey struct {
	key *rsa.PublicKey
}

// ParsePublicKey decodes a base64 DER key, either a PKIX
// SubjectPublicKeyInfo or a PKCS#1 RSAPublicKey.
func ParsePublicKey(encoded string) (*PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}

	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return &PublicKey{key: key}, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("parse public key: not an RSA key")
	}
	return &PublicKey{key: key}, nil
}

// CheckSignature verifies a base64 RSA PKCS#1 v1.5 SHA-256 signature over
// the hex hash string. It has no side effects.
func CheckSignature(hash, signature string, key *PublicKey) error {
	if key == nil || key.key == nil {
		return &VerifyError{Reason: "no public key", Err: ErrBadSignature}
	}
	if strings.TrimSpace(signature) == "" {
		return &VerifyError{Reason: "missing signature", Err: ErrMissingSignature}
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return &VerifyError{Reason: "decode signature", Err: fmt.Errorf("%w: %v", ErrBadSignature, err)}
	}

	digest := sha256.Sum256([]byte(hash))
	if err := rsa.VerifyPKCS1v15(key.key, crypto.SHA256, digest[:], sig); err != nil {
		return &VerifyError{Reason: "signature is invalid", Err: ErrBadSignature}
	}
	return nil
}
