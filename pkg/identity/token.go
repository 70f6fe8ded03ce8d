package identity

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims extends standard JWT claims with the fields the admin API
// needs to authorize a request. Unrelated to the Ed25519 consent tokens
// verified in internal/consent — those never pass through a TokenManager.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Type   PrincipalType `json:"type"`
	Scopes []string      `json:"scopes,omitempty"`
}

// TokenManager handles administrative API token generation and validation.
type TokenManager struct {
	keySet KeySet
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{
		keySet: ks,
	}
}

// GenerateToken creates a signed JWT for a Principal.
func (tm *TokenManager) GenerateToken(p Principal, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.ID(),
			Subject:   p.ID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    "neuron/identity",
			Audience:  jwt.ClaimStrings{"neuron-admin-api"},
		},
		Type: p.Type(),
	}

	if op, ok := p.(*Operator); ok {
		claims.Scopes = op.Scopes
	}

	return tm.keySet.Sign(context.Background(), claims)
}

// ValidateToken parses and validates a JWT string.
func (tm *TokenManager) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, tm.keySet.KeyFunc())
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrTokenSignatureInvalid
}
