package integration

import (
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/matterflow/internal/transport"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a shared secret, the way the
// identity provider in front of matterflow does.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{
		secret:   []byte("integration-secret-0123456789abcdef"),
		issuer:   "https://auth.test.matterflow.dev",
		audience: "matterflow-test",
	}
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now, now.Add(1*time.Hour))
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now.Add(-2*time.Hour), now.Add(-1*time.Hour))
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt, expiresAt time.Time) string {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   claims.SubjectID,
		"email": claims.Email,
	}

	if len(claims.Roles) > 0 {
		// Store as []any to match JWT decode behavior.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}

	maps.Copy(mapClaims, claims.Extra)

	signed, err := transport.SignToken(ti.secret, mapClaims)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// Secret returns the shared signing secret.
func (ti *tokenIssuer) Secret() []byte {
	return ti.secret
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
