// internal/pkg/jwt/generator.go
package jwt

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Generator signs tokens for stores and operators. The API process never
// needs one; the ops CLI does.
type Generator struct {
	priv     *rsa.PrivateKey
	issuer   string
	audience string
	kid      string
	Ttl      time.Duration
}

func NewGenerator(priv *rsa.PrivateKey, issuer, audience, kid string, ttl time.Duration) *Generator {
	return &Generator{priv: priv, issuer: issuer, audience: audience, kid: kid, Ttl: ttl}
}

// GenerateStoreToken issues the access token a store's devices use. It
// returns the signed token and its jti.
func (g *Generator) GenerateStoreToken(storeID string) (string, string, error) {
	return g.sign(storeID, &Claims{StoreID: storeID, Roles: []string{RoleStore}})
}

// GenerateAdminToken issues an operator token.
func (g *Generator) GenerateAdminToken(subject string) (string, string, error) {
	return g.sign(subject, &Claims{Roles: []string{RoleAdmin}})
}

func (g *Generator) sign(subject string, claims *Claims) (string, string, error) {
	if g.priv == nil {
		return "", "", errors.New("jwt generator has no private key")
	}

	now := time.Now()
	jti := ulid.Make().String()
	claims.SessionPurpose = PurposeAccess
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    g.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{g.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(g.Ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        jti,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if g.kid != "" {
		tok.Header["kid"] = g.kid
	}
	signed, err := tok.SignedString(g.priv)
	return signed, jti, err
}
