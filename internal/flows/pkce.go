package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/groovybytes/dashauth/kv"
	"github.com/groovybytes/dashauth/statetoken"
)

// ErrPKCENotFound is returned by PKCEStore.Consume when no material is
// stored for the token, or a concurrent consumer took it first.
var ErrPKCENotFound = errors.New("pkce material not found")

// PKCEMaterial is persisted between initiation and callback.
type PKCEMaterial struct {
	Verifier        string `json:"verifier"`
	Challenge       string `json:"challenge"`
	ChallengeMethod string `json:"challengeMethod"`
}

// PKCEStore keeps PKCE material under ["pkce", statetoken.KeyID(token)].
type PKCEStore struct {
	kv kv.Store
}

// NewPKCEStore returns a PKCEStore on db.
func NewPKCEStore(db kv.Store) *PKCEStore {
	return &PKCEStore{kv: db}
}

// PKCEKey is the store key of the material for token.
func PKCEKey(token string) kv.Key {
	return kv.Key{"pkce", statetoken.KeyID(token)}
}

// Save stores m for token until ttl passes.
func (s *PKCEStore) Save(ctx context.Context, token string, m PKCEMaterial, ttl time.Duration) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.kv.Set(ctx, PKCEKey(token), val, kv.WithExpireIn(ttl))
	return err
}

// Consume reads and deletes the material for token in one atomic commit.
func (s *PKCEStore) Consume(ctx context.Context, token string) (PKCEMaterial, error) {
	key := PKCEKey(token)
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrInvalidKey) {
			return PKCEMaterial{}, ErrPKCENotFound
		}
		return PKCEMaterial{}, err
	}
	if !e.Found() {
		return PKCEMaterial{}, ErrPKCENotFound
	}

	var m PKCEMaterial
	if err := e.DecodeJSON(&m); err != nil || m.Verifier == "" {
		return PKCEMaterial{}, fmt.Errorf("%w: unreadable record", ErrPKCENotFound)
	}

	res, err := s.kv.Atomic().Check(key, e.Versionstamp).Delete(key).Commit(ctx)
	if err != nil {
		return PKCEMaterial{}, err
	}
	if !res.OK {
		return PKCEMaterial{}, ErrPKCENotFound
	}
	return m, nil
}

// Discard deletes the material for token without reading it.
func (s *PKCEStore) Discard(ctx context.Context, token string) error {
	err := s.kv.Delete(ctx, PKCEKey(token))
	if errors.Is(err, kv.ErrInvalidKey) {
		return nil
	}
	return err
}
