// Package auth verifies the storefront's bearer tokens. Tokens are issued by
// the account service; checkout only checks them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/toko-checkout/internal/common"
)

// Claims is what checkout reads from a verified token.
type Claims struct {
	UserID string
	Email  string
	Roles  []string
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Now       func() time.Time
}

// NewVerifier returns a Verifier for tokens signed with secret.
func NewVerifier(secret, issuer, audience string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: secret is required")
	}
	return &Verifier{
		secret:    []byte(secret),
		Issuer:    issuer,
		Audience:  audience,
		ClockSkew: 30 * time.Second,
		Now:       time.Now,
	}, nil
}

func unauthorized(err error) error {
	return common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
}

// Parse verifies the signature and registered claims, returning the subject and email.
func (v *Verifier) Parse(token string) (Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "missing token", http.StatusUnauthorized, nil)
	}
	if err := requireHS256(trimmed); err != nil {
		return Claims{}, unauthorized(err)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, v.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(now)),
	}
	if v.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	parsed, err := jwt.ParseString(trimmed, opts...)
	if err != nil {
		return Claims{}, unauthorized(err)
	}
	if parsed.Subject() == "" {
		return Claims{}, unauthorized(errors.New("auth: token has no subject"))
	}
	claims := Claims{UserID: parsed.Subject()}
	if raw, ok := parsed.Get("email"); ok {
		if email, ok := raw.(string); ok {
			claims.Email = email
		}
	}
	if raw, ok := parsed.Get("roles"); ok {
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				if role, ok := item.(string); ok && role != "" {
					claims.Roles = append(claims.Roles, role)
				}
			}
		}
	}
	return claims, nil
}

// Sign issues a token for userID. The API never issues tokens itself; this
// exists for tests and local tooling.
func (v *Verifier) Sign(c Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	builder := jwt.NewBuilder().
		Subject(c.UserID).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl))
	if v.Issuer != "" {
		builder = builder.Issuer(v.Issuer)
	}
	if v.Audience != "" {
		builder = builder.Audience([]string{v.Audience})
	}
	if c.Email != "" {
		builder = builder.Claim("email", c.Email)
	}
	if len(c.Roles) > 0 {
		builder = builder.Claim("roles", c.Roles)
	}
	tok, err := builder.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, v.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func requireHS256(token string) error {
	message, err := jws.ParseString(token)
	if err != nil {
		return err
	}
	signatures := message.Signatures()
	if len(signatures) != 1 {
		return errors.New("auth: expected exactly one signature")
	}
	headers := signatures[0].ProtectedHeaders()
	if headers == nil {
		return errors.New("auth: token missing protected headers")
	}
	if alg := headers.Algorithm(); alg != jwa.HS256 {
		return fmt.Errorf("auth: unexpected token algorithm %q", alg)
	}
	return nil
}
