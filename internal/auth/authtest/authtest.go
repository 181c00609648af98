// Package authtest mints signed bearer tokens for tests.
package authtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dms/internal/auth"
)

const (
	Issuer   = "https://id.example.test/realms/dms"
	Audience = "dms-api"
	KeyID    = "test-key"
)

// TokenIssuer signs RS256 tokens with a throwaway key.
type TokenIssuer struct {
	Key    *rsa.PrivateKey
	Issuer string
}

// NewIssuer generates a 2048-bit key. It panics on failure, like httptest.NewServer.
func NewIssuer() *TokenIssuer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return &TokenIssuer{Key: key, Issuer: Issuer}
}

// PublicKeys returns the verification keys.
func (i *TokenIssuer) PublicKeys() []crypto.PublicKey {
	return []crypto.PublicKey{i.Key.Public()}
}

// Verifier returns a static-key verifier for this issuer and Audience.
func (i *TokenIssuer) Verifier() *auth.Verifier {
	return auth.NewStaticVerifier(i.Issuer, Audience, i.PublicKeys(), nil)
}

// Token mints a token for subject holding scopes, valid for an hour.
func (i *TokenIssuer) Token(subject string, scopes ...string) string {
	now := time.Now()
	return i.Sign(jwt.MapClaims{
		"iss":   i.Issuer,
		"aud":   Audience,
		"sub":   subject,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
}

// Sign signs arbitrary claims.
func (i *TokenIssuer) Sign(claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = KeyID
	s, err := tok.SignedString(i.Key)
	if err != nil {
		panic(err)
	}
	return s
}

// JWKS returns the public key as a JSON Web Key Set document.
func (i *TokenIssuer) JWKS() map[string]any {
	pub := i.Key.PublicKey
	return map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": KeyID,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}
