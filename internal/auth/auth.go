package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims identify the caller. Subject is the submitter identity the gate
// checks against its authorized submitter.
type Claims struct {
	Subject string
	Issuer  string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// MultiAuthenticator accepts a static dev token or an HS256 JWT.
type MultiAuthenticator struct {
	DevToken   string
	DevSubject string
	JWT        *JWTAuthenticator
}

func (a *MultiAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}

	if a.DevToken != "" && bearer == a.DevToken {
		subject := a.DevSubject
		if subject == "" {
			subject = "dev"
		}
		return Claims{Subject: subject, Issuer: "sentinel-dev", Token: bearer}, nil
	}

	if a.JWT != nil {
		claims, err := a.JWT.AuthenticateBearer(bearer)
		if err == nil {
			claims.Token = bearer
			return claims, nil
		}
	}

	return Claims{}, ErrInvalidToken
}

// JWTAuthenticator validates HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	Secret   []byte
	Audience string
	Issuer   string
}

func NewJWTAuthenticator(secret, audience string) *JWTAuthenticator {
	if secret == "" {
		return nil
	}
	if audience == "" {
		audience = "sentinel"
	}
	return &JWTAuthenticator{Secret: []byte(secret), Audience: audience}
}

func (a *JWTAuthenticator) AuthenticateBearer(token string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}

	registered := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, registered, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(registered.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: registered.Subject, Issuer: registered.Issuer}, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
