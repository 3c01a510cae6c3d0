package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buerokratt/DMR/pkg/models"
)

// SignRS256 mints a participant token: header {alg, kid}, payload claims,
// RSASSA-PKCS1-v1_5 signature. The kid is the participant's directory id.
// Used by the dmr-token CLI and by tests; the relay itself only verifies.
func SignRS256(priv *rsa.PrivateKey, kid string, claims models.JwtClaims) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("private key required")
	}
	if kid == "" {
		return "", fmt.Errorf("kid required")
	}
	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT", "kid": kid})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	h := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// NewClaims builds claims for a participant subject valid for ttl from now.
func NewClaims(sub string, ttl time.Duration) models.JwtClaims {
	now := time.Now().UTC()
	return models.JwtClaims{
		Sub: sub,
		Iat: now.Unix(),
		Exp: now.Add(ttl).Unix(),
	}
}
