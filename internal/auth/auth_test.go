package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestDevToken(t *testing.T) {
	a := &MultiAuthenticator{DevToken: "dev-token", DevSubject: "sentinel-workflow"}
	req := httptest.NewRequest("POST", "/v1/decisions", nil)
	req.Header.Set("Authorization", "Bearer dev-token")

	claims, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if claims.Subject != "sentinel-workflow" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}

func TestMissingAndMalformedBearer(t *testing.T) {
	a := &MultiAuthenticator{DevToken: "dev-token"}

	req := httptest.NewRequest("POST", "/v1/decisions", nil)
	if _, err := a.Authenticate(req); !errors.Is(err, ErrMissingBearer) {
		t.Fatalf("expected ErrMissingBearer, got %v", err)
	}

	req.Header.Set("Authorization", "Basic abc")
	if _, err := a.Authenticate(req); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	req.Header.Set("Authorization", "Bearer wrong")
	if _, err := a.Authenticate(req); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTAuthenticator(t *testing.T) {
	a := &MultiAuthenticator{JWT: NewJWTAuthenticator("s3cret", "")}
	token := signed(t, "s3cret", jwt.RegisteredClaims{
		Subject:   "sentinel-workflow",
		Issuer:    "ci",
		Audience:  jwt.ClaimStrings{"sentinel"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	req := httptest.NewRequest("POST", "/v1/decisions", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	claims, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if claims.Subject != "sentinel-workflow" || claims.Issuer != "ci" || claims.Token != token {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestJWTRejections(t *testing.T) {
	j := NewJWTAuthenticator("s3cret", "sentinel")
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := map[string]string{
		"wrong secret": signed(t, "other", jwt.RegisteredClaims{Subject: "s", Audience: jwt.ClaimStrings{"sentinel"}, ExpiresAt: exp}),
		"wrong aud":    signed(t, "s3cret", jwt.RegisteredClaims{Subject: "s", Audience: jwt.ClaimStrings{"other"}, ExpiresAt: exp}),
		"expired":      signed(t, "s3cret", jwt.RegisteredClaims{Subject: "s", Audience: jwt.ClaimStrings{"sentinel"}, ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}),
		"no exp":       signed(t, "s3cret", jwt.RegisteredClaims{Subject: "s", Audience: jwt.ClaimStrings{"sentinel"}}),
		"no subject":   signed(t, "s3cret", jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"sentinel"}, ExpiresAt: exp}),
	}
	for name, token := range cases {
		if _, err := j.AuthenticateBearer(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	if NewJWTAuthenticator("", "sentinel") != nil {
		t.Fatalf("expected nil authenticator without secret")
	}
}
