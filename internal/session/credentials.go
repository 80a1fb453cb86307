package session

import (
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"github.com/benvon/dermin/internal/apperr"
	"github.com/benvon/dermin/internal/models"
)

// Credentials holds the bearer token for authenticated requests. The Store
// is its only writer; the API client reads it through oauth2.TokenSource.
type Credentials struct {
	mu     sync.RWMutex
	token  string
	expiry *time.Time
	now    func() time.Time
}

var _ oauth2.TokenSource = (*Credentials)(nil)

// NewCredentials creates an empty holder
func NewCredentials() *Credentials {
	return &Credentials{now: time.Now}
}

// Token implements oauth2.TokenSource
func (c *Credentials) Token() (*oauth2.Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return nil, apperr.Auth("token", "not logged in")
	}
	if c.expiry != nil && !c.now().Before(*c.expiry) {
		return nil, apperr.Auth("token", "session expired")
	}
	t := &oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}
	if c.expiry != nil {
		t.Expiry = *c.expiry
	}
	return t, nil
}

// Present reports whether a token is held
func (c *Credentials) Present() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

func (c *Credentials) set(token string, expiry *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiry = expiry
}

func (c *Credentials) clear() {
	c.set("", nil)
}

// ParseClaims reads subject, email and expiry from an access token without
// verifying its signature; the backend is the verifier. Tokens that are not
// JWTs yield empty claims.
func ParseClaims(token string) models.TokenClaims {
	if strings.Count(token, ".") != 2 {
		return models.TokenClaims{}
	}
	tok, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return models.TokenClaims{}
	}
	claims := models.TokenClaims{Subject: tok.Subject()}
	if v, ok := tok.Get("email"); ok {
		if s, ok := v.(string); ok {
			claims.Email = s
		}
	}
	if exp := tok.Expiration(); !exp.IsZero() {
		claims.Expiry = &exp
	}
	return claims
}
