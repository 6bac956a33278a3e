package session

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/groovybytes/dashauth/idp"
)

// KeySize is the length of the sealing key.
const KeySize = 32

// CookieName is the name of the session cookie.
const CookieName = "session"

// DefaultMaxAge is the session lifetime when none is configured.
const DefaultMaxAge = 24 * time.Hour

var (
	// ErrKeySize is returned by NewSealer for a key that is not KeySize bytes.
	ErrKeySize = errors.New("session: sealing key must be 32 bytes")
	// ErrInvalid is returned by Open for a value that does not decrypt to a
	// session.
	ErrInvalid = errors.New("session: invalid")
	// ErrExpired is returned by Open for a session past its expiry.
	ErrExpired = errors.New("session: expired")
)

// Config tunes a Sealer.
type Config struct {
	MaxAge time.Duration
	// Insecure drops the Secure attribute, for plain-HTTP development only.
	Insecure bool
	Now      func() time.Time
}

// sealInfo separates the cookie encryption key from other uses of the
// configured secret.
const sealInfo = "dashauth session cookie v1"

// Sealer encrypts sessions into compact JWE (dir, A256GCM) cookie values
// with a key derived from the server-held secret.
type Sealer struct {
	key []byte
	cfg Config
}

// NewSealer returns a Sealer for key.
func NewSealer(key []byte, cfg Config) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxAge < 0 {
		return nil, errors.New("session: invalid max age")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(sealInfo)), derived); err != nil {
		return nil, fmt.Errorf("session: derive key: %w", err)
	}
	return &Sealer{key: derived, cfg: cfg}, nil
}

// MaxAge returns the configured session lifetime.
func (s *Sealer) MaxAge() time.Duration {
	return s.cfg.MaxAge
}

// New builds a session for account issued now.
func (s *Sealer) New(account idp.Account, idToken string) *Session {
	now := s.cfg.Now()
	account.IDTokenClaims = nil
	return &Session{
		ID:        uuid.NewString(),
		Account:   account,
		IDToken:   idToken,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.cfg.MaxAge).Unix(),
	}
}

// Seal encrypts sess.
func (s *Sealer) Seal(sess *Session) (string, error) {
	if sess == nil {
		return "", errors.New("session: nil session")
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("session: marshal: %w", err)
	}

	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: s.key},
		&jose.EncrypterOptions{Compression: jose.DEFLATE},
	)
	if err != nil {
		return "", fmt.Errorf("session: encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("session: encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// Open decrypts value and rejects expired sessions.
func (s *Sealer) Open(value string) (*Session, error) {
	if value == "" {
		return nil, ErrInvalid
	}
	obj, err := jose.ParseEncrypted(value, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	plain, err := obj.Decrypt(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var sess Session
	if err := json.Unmarshal(plain, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if sess.Expired(s.cfg.Now()) {
		return nil, ErrExpired
	}
	return &sess, nil
}

// Cookie wraps a sealed value in the session cookie.
func (s *Sealer) Cookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Expires:  s.cfg.Now().Add(s.cfg.MaxAge),
		HttpOnly: true,
		Secure:   !s.cfg.Insecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie returns a cookie that deletes the session cookie.
func (s *Sealer) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !s.cfg.Insecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// FromRequest opens the session cookie of r.
func (s *Sealer) FromRequest(r *http.Request) (*Session, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrInvalid
	}
	return s.Open(c.Value)
}
