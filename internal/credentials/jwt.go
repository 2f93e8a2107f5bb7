package credentials

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// JWTSource mints short-lived RS256 tokens for service-to-service calls
// against a server that verifies bearer tokens with OIDC discovery.
type JWTSource struct {
	Issuer   string
	Subject  string
	Audience string
	KeyID    string
	// TenantID, when set, is sent as the tenant_id claim.
	TenantID string
	TTL      time.Duration

	signer jose.Signer
	now    func() time.Time
}

// NewJWTSource creates a JWTSource signing with key. ttl defaults to 5m.
func NewJWTSource(key *rsa.PrivateKey, keyID, issuer, subject, audience string, ttl time.Duration) (*JWTSource, error) {
	if key == nil {
		return nil, errors.New("credentials: jwt: nil signing key")
	}
	if issuer == "" || audience == "" {
		return nil, errors.New("credentials: jwt: issuer and audience are required")
	}
	opts := (&jose.SignerOptions{}).WithType("JWT")
	if keyID != "" {
		opts = opts.WithHeader("kid", keyID)
	}
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, opts)
	if err != nil {
		return nil, fmt.Errorf("credentials: jwt: signer: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWTSource{
		Issuer:   issuer,
		Subject:  subject,
		Audience: audience,
		KeyID:    keyID,
		TTL:      ttl,
		signer:   sig,
		now:      time.Now,
	}, nil
}

type tenantClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// Token mints a new signed JWT.
func (s *JWTSource) Token(context.Context) (Token, error) {
	now := s.now()
	exp := now.Add(s.TTL)
	claims := jwt.Claims{
		Issuer:   s.Issuer,
		Subject:  s.Subject,
		Audience: jwt.Audience{s.Audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(exp),
	}
	raw, err := jwt.Signed(s.signer).Claims(claims).Claims(tenantClaims{TenantID: s.TenantID}).Serialize()
	if err != nil {
		return Token{}, fmt.Errorf("credentials: jwt: sign: %w", err)
	}
	return Token{AccessToken: raw, ExpiresAt: exp}, nil
}
