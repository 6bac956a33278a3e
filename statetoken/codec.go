package statetoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/jwt"
	"github.com/groovybytes/dashauth/kv"
)

const secretSize = 32

// DefaultTTL is the lifetime of a minted token and its stored secret.
const DefaultTTL = 2 * time.Hour

var (
	// ErrSecretNotFound is returned when no unexpired secret is stored for
	// the token, either because it was never minted, has expired or was
	// already consumed.
	ErrSecretNotFound = errors.New("statetoken: secret not found")
	// ErrSignatureInvalid is returned when a secret exists but the token
	// fails decryption or signature verification.
	ErrSignatureInvalid = errors.New("statetoken: signature invalid")
	// ErrExpired is returned when the embedded exp has passed while the
	// secret is still present.
	ErrExpired = errors.New("statetoken: expired")
	// ErrUnrecognizedAuthority is returned when a verified token names an
	// authority this build does not know.
	ErrUnrecognizedAuthority = errors.New("statetoken: unrecognized authority")
)

// Payload is the content bound into a state token.
type Payload struct {
	State     string
	Authority idp.Authority
	Referer   string
}

// Config tunes a Codec.
type Config struct {
	TTL time.Duration
	// Namespace is the first key part of stored secrets.
	Namespace string
	Now       func() time.Time
	Logger    *zap.Logger
}

// Codec mints, verifies and consumes state tokens. A token is a compact
// JWE (dir, A256GCM) wrapping an HS256 JWT; both use a random secret that
// lives in the store under the token for the token's lifetime.
type Codec struct {
	store kv.Store
	jwt   *jwt.Manager
	cfg   Config
	log   *zap.Logger
}

// New returns a Codec storing secrets in store.
func New(store kv.Store, cfg Config) (*Codec, error) {
	if store == nil {
		return nil, errors.New("statetoken: store is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		return nil, errors.New("statetoken: invalid TTL")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "statetoken"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m, err := jwt.NewManager(jwt.Config{TTL: cfg.TTL, Now: cfg.Now})
	if err != nil {
		return nil, fmt.Errorf("statetoken: %w", err)
	}

	return &Codec{store: store, jwt: m, cfg: cfg, log: cfg.Logger}, nil
}

// TTL returns the token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.cfg.TTL
}

// NewNonce returns 32 random bytes as 64 lowercase hex characters.
func NewNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// KeyID is the store identifier of token: the hex SHA-256 of the token
// string. Tokens grow with the referer they carry, so keys are bound to a
// fixed-size digest rather than the token itself.
func KeyID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (c *Codec) secretKey(token string) kv.Key {
	return kv.Key{c.cfg.Namespace, KeyID(token)}
}

// Mint signs and encrypts p under a fresh secret, stores the secret with
// the token's TTL and returns the token.
func (c *Codec) Mint(ctx context.Context, p Payload) (string, error) {
	if !p.Authority.Valid() {
		return "", ErrUnrecognizedAuthority
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("statetoken: %w", err)
	}

	signed, err := c.jwt.Sign(p.State, p.Authority.String(), p.Referer, secret)
	if err != nil {
		return "", fmt.Errorf("statetoken: sign: %w", err)
	}

	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: secret},
		(&jose.EncrypterOptions{}).WithContentType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("statetoken: encrypter: %w", err)
	}
	obj, err := enc.Encrypt([]byte(signed))
	if err != nil {
		return "", fmt.Errorf("statetoken: encrypt: %w", err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("statetoken: serialize: %w", err)
	}

	if _, err := c.store.Set(ctx, c.secretKey(token), []byte(hex.EncodeToString(secret)), kv.WithExpireIn(c.cfg.TTL)); err != nil {
		return "", fmt.Errorf("statetoken: store secret: %w", err)
	}
	return token, nil
}

// Verify checks token without consuming it.
func (c *Codec) Verify(ctx context.Context, token string) (Payload, error) {
	p, _, err := c.verify(ctx, token)
	return p, err
}

// Consume verifies token and deletes its secret in one atomic commit so a
// token verifies successfully at most once. A concurrent consumer that
// loses the race gets ErrSecretNotFound.
func (c *Codec) Consume(ctx context.Context, token string) (Payload, error) {
	p, versionstamp, err := c.verify(ctx, token)
	if err != nil {
		return Payload{}, err
	}

	key := c.secretKey(token)
	res, err := c.store.Atomic().Check(key, versionstamp).Delete(key).Commit(ctx)
	if err != nil {
		return Payload{}, fmt.Errorf("statetoken: consume: %w", err)
	}
	if !res.OK {
		return Payload{}, ErrSecretNotFound
	}
	return p, nil
}

func (c *Codec) verify(ctx context.Context, token string) (Payload, string, error) {
	if token == "" {
		return Payload{}, "", ErrSecretNotFound
	}

	entry, err := c.store.Get(ctx, c.secretKey(token))
	if err != nil {
		if errors.Is(err, kv.ErrInvalidKey) {
			return Payload{}, "", ErrSecretNotFound
		}
		return Payload{}, "", fmt.Errorf("statetoken: load secret: %w", err)
	}
	if !entry.Found() {
		return Payload{}, "", ErrSecretNotFound
	}
	secret, err := hex.DecodeString(string(entry.Value))
	if err != nil || len(secret) != secretSize {
		c.log.Error("stored state secret is malformed")
		return Payload{}, "", ErrSignatureInvalid
	}

	obj, err := jose.ParseEncrypted(token, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return Payload{}, "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	plain, err := obj.Decrypt(secret)
	if err != nil {
		return Payload{}, "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	claims, err := c.jwt.Parse(string(plain), secret)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return Payload{}, "", ErrExpired
		}
		return Payload{}, "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	authority, err := idp.ParseAuthority(claims.Authority)
	if err != nil {
		return Payload{}, "", ErrUnrecognizedAuthority
	}

	return Payload{
		State:     claims.State,
		Authority: authority,
		Referer:   claims.Referer,
	}, entry.Versionstamp, nil
}
