// internal/pkg/jwt/loader.go
package jwt

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Config struct {
	PrivPath string
	PubPath  string
	Issuer   string
	Audience string
	TTL      time.Duration
	KID      string
}

type Manager struct {
	Generator *Generator
	Verifier  *Verifier
}

// LoadAndBuild reads the PEM keys. A missing private key path leaves
// Generator nil; the API only verifies.
func LoadAndBuild(cfg Config) (*Manager, error) {
	pubPEM, err := os.ReadFile(cfg.PubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", cfg.PubPath, err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", cfg.PubPath, err)
	}

	m := &Manager{Verifier: NewVerifier(pub, cfg.Issuer, cfg.Audience)}
	if cfg.PrivPath == "" {
		return m, nil
	}

	privPEM, err := os.ReadFile(cfg.PrivPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", cfg.PrivPath, err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", cfg.PrivPath, err)
	}
	m.Generator = NewGenerator(priv, cfg.Issuer, cfg.Audience, cfg.KID, cfg.TTL)

	return m, nil
}
