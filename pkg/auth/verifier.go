package auth

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/buerokratt/DMR/pkg/models"
)

// ErrorKind classifies why a token was refused.
type ErrorKind string

const (
	KindNoKeyID          ErrorKind = "NO_KEY_ID"
	KindUnknownSigner    ErrorKind = "UNKNOWN_SIGNER"
	KindSignatureInvalid ErrorKind = "SIGNATURE_INVALID"
	KindExpired          ErrorKind = "EXPIRED"
)

// Error is a typed authentication failure. The kind decides logging and
// metrics; the message is never sent to the unauthenticated peer.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth %s: %s", e.Kind, e.Message)
}

func errOf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Directory resolves a signer's public key material by key id. The key id of
// a participant token is the participant's own directory id.
type Directory interface {
	Lookup(id string) (models.ParticipantRecord, bool)
}

// Verifier checks RS256 participant tokens against the live directory.
// Verification results are never cached: key rotation or revocation in the
// directory takes effect on the next connection attempt.
type Verifier struct {
	Directory Directory
	Now       func() time.Time
}

func NewVerifier(dir Directory) *Verifier {
	return &Verifier{Directory: dir, Now: time.Now}
}

// Verify runs the full token check: structural decode, signer resolution via
// the directory, RS256 signature, expiry. Returns the validated claims.
func (v *Verifier) Verify(token string) (models.JwtClaims, error) {
	kid, parts, err := decodeKeyID(token)
	if err != nil {
		return models.JwtClaims{}, err
	}
	rec, ok := v.Directory.Lookup(kid)
	if !ok {
		return models.JwtClaims{}, errOf(KindUnknownSigner, "no directory record for kid %s", kid)
	}
	pub, err := ParsePublicKey(rec.AuthenticationCertificate)
	if err != nil {
		return models.JwtClaims{}, errOf(KindUnknownSigner, "unusable key for kid %s: %v", kid, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return models.JwtClaims{}, errOf(KindSignatureInvalid, "signature not base64url: %v", err)
	}
	h := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
		return models.JwtClaims{}, errOf(KindSignatureInvalid, "signature mismatch")
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return models.JwtClaims{}, errOf(KindSignatureInvalid, "payload not base64url: %v", err)
	}
	var claims models.JwtClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return models.JwtClaims{}, errOf(KindSignatureInvalid, "claims not JSON: %v", err)
	}
	if claims.Sub == "" {
		return models.JwtClaims{}, errOf(KindSignatureInvalid, "subject claim required")
	}
	now := v.Now().UTC()
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return models.JwtClaims{}, errOf(KindExpired, "token expired for %s", claims.Sub)
	}
	return claims, nil
}

// decodeKeyID splits the token and extracts the kid from the unverified
// header. Any structural defect fails fast, before touching the directory.
func decodeKeyID(token string) (string, []string, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return "", nil, errOf(KindNoKeyID, "invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", nil, errOf(KindNoKeyID, "header not base64url: %v", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return "", nil, errOf(KindNoKeyID, "header not JSON: %v", err)
	}
	if strings.ToUpper(header.Alg) != "RS256" {
		return "", nil, errOf(KindNoKeyID, "unsupported alg %q", header.Alg)
	}
	if strings.TrimSpace(header.Kid) == "" {
		return "", nil, errOf(KindNoKeyID, "kid required")
	}
	return header.Kid, parts, nil
}

// ParsePublicKey accepts the two PEM forms the directory serves: a raw
// PKIX public key or a full X.509 certificate.
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return pub, nil
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("certificate key is not RSA")
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
