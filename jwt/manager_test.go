package jwt

import (
	"bytes"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

var testKey = bytes.Repeat([]byte{0x42}, MinKeySize)

func TestSignParseRoundTrip(t *testing.T) {
	m, err := NewManager(Config{Issuer: "dashauth"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	tok, err := m.Sign("nonce", "SignIn", "/dashboard", testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := m.Parse(tok, testKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.State != "nonce" || claims.Authority != "SignIn" || claims.Referer != "/dashboard" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != 2*time.Hour {
		t.Fatalf("expected 2h lifetime, got %v", got)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	m, _ := NewManager(Config{})
	tok, err := m.Sign("s", "SignIn", "", testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	other := bytes.Repeat([]byte{0x43}, MinKeySize)
	if _, err := m.Parse(tok, other); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParseRejectsWrongAlgorithm(t *testing.T) {
	m, _ := NewManager(Config{})
	claims := StateClaims{State: "s", RegisteredClaims: gjwt.RegisteredClaims{
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok, err := gjwt.NewWithClaims(gjwt.SigningMethodHS512, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Parse(tok, testKey); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected wrong algorithm to be rejected, got %v", err)
	}

	none, err := gjwt.NewWithClaims(gjwt.SigningMethodNone, claims).SignedString(gjwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := m.Parse(none, testKey); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected alg=none to be rejected, got %v", err)
	}
}

func TestParseExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m, _ := NewManager(Config{TTL: time.Minute, Now: clock})

	tok, err := m.Sign("s", "SignIn", "", testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := m.Parse(tok, testKey); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestParseRejectsFutureIAT(t *testing.T) {
	now := time.Now()
	m, _ := NewManager(Config{Now: func() time.Time { return now }})
	future, _ := NewManager(Config{Now: func() time.Time { return now.Add(time.Hour) }})

	tok, err := future.Sign("s", "SignIn", "", testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Parse(tok, testKey); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected future iat to be rejected, got %v", err)
	}
}

func TestShortKeyRejected(t *testing.T) {
	m, _ := NewManager(Config{})
	if _, err := m.Sign("s", "SignIn", "", []byte("short")); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort, got %v", err)
	}
	if _, err := m.Parse("x.y.z", []byte("short")); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort, got %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	cases := []Config{
		{TTL: -time.Second},
		{Leeway: 3 * time.Minute},
		{MaxFutureIAT: -time.Second},
	}
	for _, cfg := range cases {
		if _, err := NewManager(cfg); err == nil {
			t.Fatalf("expected config %+v to be rejected", cfg)
		}
	}
}

func TestParseUnverified(t *testing.T) {
	m, _ := NewManager(Config{})
	tok, _ := m.Sign("s", "PasswordReset", "", testKey)

	var claims StateClaims
	if err := ParseUnverified(tok, &claims); err != nil {
		t.Fatalf("parse unverified: %v", err)
	}
	if claims.Authority != "PasswordReset" {
		t.Fatalf("unexpected authority %q", claims.Authority)
	}
	if err := ParseUnverified("garbage", &claims); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
