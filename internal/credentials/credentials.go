// Package credentials resolves the authentication header sent when opening a
// stream: a bearer token when a TokenSource is configured, otherwise a static
// API key. Exactly one of the two is ever sent.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderAPIKey        = "X-API-Key"
)

// Token is a bearer token and its expiry. A zero ExpiresAt never expires.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenSource yields bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// TokenFunc adapts a function to a TokenSource.
type TokenFunc func(ctx context.Context) (Token, error)

func (f TokenFunc) Token(ctx context.Context) (Token, error) { return f(ctx) }

// Static returns a TokenSource that always yields token.
func Static(token string) TokenSource {
	return TokenFunc(func(context.Context) (Token, error) {
		return Token{AccessToken: token}, nil
	})
}

// Credentials selects how requests authenticate.
type Credentials struct {
	Tokens TokenSource
	APIKey string
}

// Empty reports whether no credential is configured.
func (c Credentials) Empty() bool {
	return c.Tokens == nil && c.APIKey == ""
}

// Apply sets the credential header on h. A TokenSource wins over the API key;
// the other header is removed so a request never carries both.
func (c Credentials) Apply(ctx context.Context, h http.Header) error {
	switch {
	case c.Tokens != nil:
		tok, err := c.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("credentials: token: %w", err)
		}
		if tok.AccessToken == "" {
			return errors.New("credentials: token source returned an empty token")
		}
		h.Del(HeaderAPIKey)
		h.Set(HeaderAuthorization, "Bearer "+tok.AccessToken)
	case c.APIKey != "":
		h.Del(HeaderAuthorization)
		h.Set(HeaderAPIKey, c.APIKey)
	default:
		h.Del(HeaderAuthorization)
		h.Del(HeaderAPIKey)
	}
	return nil
}
