// Package consent implements the stateless Ed25519 consent token
// verifier: signature check, then payload parse, then claim shape, then
// expiry — in that order, because the order is semantically significant
// (a forged payload must never reach claim inspection).
//
// Grounded on the prior pkg/crypto/verifier.go (Ed25519Verifier) and
// pkg/identity/keyset.go's Ed25519 key handling, trimmed to the bare
// sign/verify primitive — the HELM-specific DecisionRecord/Intent/Receipt
// signing methods those files carried have no place in this domain.
package consent

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Verification failure classes. The handshake engine (C6) maps these
// directly onto CONSENT_FAILED / INVALID_MESSAGE wire errors.
var (
	ErrInvalidSignature = errors.New("consent: invalid signature")
	ErrMalformedToken    = errors.New("consent: malformed token")
	ErrConsentExpired    = errors.New("consent: expired")
)

// Claims is the parsed payload of a consent token.
type Claims struct {
	PatientAgentID   string   `json:"patient_agent_id"`
	ProviderNPI      string   `json:"provider_npi"`
	ConsentedActions []string `json:"consented_actions"`
	IssuedAt         int64    `json:"iat"`
	ExpiresAt        int64    `json:"exp"`
}

// now is overridable in tests; production always uses time.Now.
var now = time.Now

// Verify checks a consent token against the patient's claimed public
// key and returns its claims. The four steps run in this exact order:
//  1. Ed25519 signature check over the raw payload bytes (Ed25519 is
//     used directly — it hashes internally, no external digest).
//  2. JSON parse of the payload.
//  3. Required claims present with the right shapes.
//  4. now() < exp.
//
// Verify caches nothing: every call is independent, safe to re-invoke
// on every connection and every retry.
func Verify(payload []byte, signature []byte, publicKey []byte) (*Claims, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrMalformedToken, ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if err := validateShape(claims); err != nil {
		return nil, err
	}

	if now().Unix() >= claims.ExpiresAt {
		return nil, ErrConsentExpired
	}

	return &claims, nil
}

func validateShape(c Claims) error {
	if c.PatientAgentID == "" {
		return fmt.Errorf("%w: patient_agent_id missing", ErrMalformedToken)
	}
	if c.ProviderNPI == "" {
		return fmt.Errorf("%w: provider_npi missing", ErrMalformedToken)
	}
	if c.ConsentedActions == nil {
		return fmt.Errorf("%w: consented_actions missing", ErrMalformedToken)
	}
	if c.IssuedAt == 0 {
		return fmt.Errorf("%w: iat missing", ErrMalformedToken)
	}
	if c.ExpiresAt == 0 {
		return fmt.Errorf("%w: exp missing", ErrMalformedToken)
	}
	return nil
}

// DecodePublicKey decodes a base64url-encoded 32-byte Ed25519 public key,
// the wire format relationships store it in (patient_public_key).
func DecodePublicKey(b64url string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(b64url)
	if err != nil {
		// Some callers may send standard (padded) base64url.
		key, err = base64.URLEncoding.DecodeString(b64url)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key encoding: %v", ErrMalformedToken, err)
		}
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must decode to %d bytes", ErrMalformedToken, ed25519.PublicKeySize)
	}
	return key, nil
}

// Sign is a convenience used by tests and by any tooling that mints
// consent tokens: it canonicalizes nothing beyond what json.Marshal
// already gives a single well-formed payload, matching how a patient
// agent is expected to construct one.
func Sign(claims Claims, priv ed25519.PrivateKey) (payload []byte, signature []byte, err error) {
	payload, err = json.Marshal(claims)
	if err != nil {
		return nil, nil, err
	}
	signature = ed25519.Sign(priv, payload)
	return payload, signature, nil
}
