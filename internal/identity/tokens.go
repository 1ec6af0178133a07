package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload of a session token; the subject is the user name.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies HMAC-signed session tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokens(secret, issuer string) *Tokens {
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue signs a token for user valid for ttl.
func (t *Tokens) Issue(user string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks the signature and expiry of token and returns its subject.
func (t *Tokens) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Authenticator turns handshake credentials into a user.
type Authenticator struct {
	Directory Directory
	Tokens    *Tokens
	// AllowGuests admits clients presenting no credentials at LevelGuest.
	AllowGuests bool
}

// Authenticate resolves the acting user from a token, a password, or neither.
func (a *Authenticator) Authenticate(ctx context.Context, username, token, password string) (*User, error) {
	switch {
	case token != "":
		if a.Tokens == nil {
			return nil, fmt.Errorf("%w: token auth disabled", ErrInvalidToken)
		}
		subject, err := a.Tokens.Verify(token)
		if err != nil {
			return nil, err
		}
		if username != "" && username != subject {
			return nil, fmt.Errorf("%w: token issued to another user", ErrInvalidToken)
		}
		return a.Directory.UserByName(ctx, subject)
	case password != "":
		return a.Directory.Authenticate(ctx, username, password)
	case a.AllowGuests:
		return NewUser(username, -1, LevelGuest, nil), nil
	}
	return nil, ErrBadPassword
}
