package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinKeySize is the shortest HS256 key the manager accepts.
const MinKeySize = 32

var (
	// ErrKeyTooShort is returned when a signing key is under MinKeySize bytes.
	ErrKeyTooShort = errors.New("jwt: signing key too short")
	// ErrExpired is returned by Parse when the token's exp has passed.
	ErrExpired = errors.New("jwt: token expired")
	// ErrInvalid is returned by Parse for any other verification failure.
	ErrInvalid = errors.New("jwt: token invalid")
)

// Config tunes state claim issuance and validation.
type Config struct {
	// TTL is the lifetime embedded as exp. Defaults to two hours.
	TTL          time.Duration
	Issuer       string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	// Now overrides time.Now.
	Now func() time.Time
}

// Manager signs and verifies state claims with HS256. Keys are supplied
// per call because every state token carries its own secret.
type Manager struct {
	config Config
}

// StateClaims is the signed payload of an authorization state token.
type StateClaims struct {
	State     string `json:"state"`
	Authority string `json:"authority"`
	Referer   string `json:"referer,omitempty"`
	jwt.RegisteredClaims
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL == 0 {
		cfg.TTL = 2 * time.Hour
	}
	if cfg.TTL < 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{config: cfg}, nil
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Sign issues an HS256 JWT over state, authority and referer with iat set
// to now and exp to now plus TTL.
func (m *Manager) Sign(state, authority, referer string, key []byte) (string, error) {
	if len(key) < MinKeySize {
		return "", ErrKeyTooShort
	}

	now := m.config.Now()
	claims := StateClaims{
		State:     state,
		Authority: authority,
		Referer:   referer,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
			Issuer:    m.config.Issuer,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Parse verifies tokenStr against key. Expired tokens yield ErrExpired;
// every other failure yields ErrInvalid with the cause attached.
func (m *Manager) Parse(tokenStr string, key []byte) (*StateClaims, error) {
	if len(key) < MinKeySize {
		return nil, ErrKeyTooShort
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.config.Now),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &StateClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalid
	}
	if claims.IssuedAt != nil {
		maxAllowed := m.config.Now().Add(m.config.MaxFutureIAT)
		if claims.IssuedAt.Time.After(maxAllowed) {
			return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalid)
		}
	}

	return claims, nil
}

// ParseUnverified decodes the claims of tokenStr without checking its
// signature. Only use it on tokens received directly from a trusted party
// over TLS.
func ParseUnverified(tokenStr string, claims jwt.Claims) error {
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
