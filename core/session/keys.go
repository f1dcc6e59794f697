package session

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/golang-jwt/jwt/v5"
)

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// LoadRSAPrivateKey reads a PEM encoded RSA private key from path.
// A missing or unreadable key is fatal: nothing can be signed without it.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read signing key: %w", domain.ErrFatal, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signing key: %w", domain.ErrFatal, err)
	}
	return key, nil
}

// publicKeyToJWK converts an RSA public key to a JWK.
func publicKeyToJWK(key *rsa.PublicKey, kid string) JWK {
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())

	// E is base64url of the big-endian exponent without leading zeros (RFC 7518)
	eBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(eBytes, uint32(key.E))
	start := 0
	for start < len(eBytes) && eBytes[start] == 0 {
		start++
	}

	return JWK{
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		Kid: kid,
		N:   n,
		E:   base64.RawURLEncoding.EncodeToString(eBytes[start:]),
	}
}
