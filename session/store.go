package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/groovybytes/dashauth/kv"
)

// ErrRevoked is returned by Store.Check for a session that was signed out
// or never registered.
var ErrRevoked = errors.New("session: revoked")

// ErrStoreUnavailable wraps backing store failures.
var ErrStoreUnavailable = errors.New("session: store unavailable")

// Store tracks live sessions so a sign-out invalidates the cookie on the
// server side too. Records expire with the session.
//
//	["session", <sid>]                     -> record JSON
//	["session_by_account", <home>, <sid>]  -> empty marker
type Store struct {
	kv  kv.Store
	now func() time.Time
}

type record struct {
	HomeAccountID string `json:"home"`
	ExpiresAt     int64  `json:"exp"`
}

// NewStore returns a Store on db. now defaults to time.Now.
func NewStore(db kv.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{kv: db, now: now}
}

func sessionKey(id string) kv.Key {
	return kv.Key{"session", id}
}

func accountKey(home, id string) kv.Key {
	return kv.Key{"session_by_account", home, id}
}

// Save registers sess until its expiry.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	ttl := sess.TTL(s.now())
	if ttl <= 0 {
		return ErrExpired
	}
	val, err := json.Marshal(record{HomeAccountID: sess.Account.HomeAccountID, ExpiresAt: sess.ExpiresAt})
	if err != nil {
		return err
	}

	op := s.kv.Atomic().Set(sessionKey(sess.ID), val, kv.WithExpireIn(ttl))
	if sess.Account.HomeAccountID != "" {
		op = op.Set(accountKey(sess.Account.HomeAccountID, sess.ID), nil, kv.WithExpireIn(ttl))
	}
	if _, err := op.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Check returns ErrRevoked unless sess is registered.
func (s *Store) Check(ctx context.Context, sess *Session) error {
	e, err := s.kv.Get(ctx, sessionKey(sess.ID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !e.Found() {
		return ErrRevoked
	}
	return nil
}

// Delete unregisters session id. Deleting an unknown session is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	e, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !e.Found() {
		return nil
	}

	op := s.kv.Atomic().Delete(sessionKey(id))
	var rec record
	if err := e.DecodeJSON(&rec); err == nil && rec.HomeAccountID != "" {
		op = op.Delete(accountKey(rec.HomeAccountID, id))
	}
	if _, err := op.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ActiveSessionIDs lists the live sessions of an account.
func (s *Store) ActiveSessionIDs(ctx context.Context, homeAccountID string) ([]string, error) {
	entries, err := s.kv.List(ctx, kv.Prefix(kv.Key{"session_by_account", homeAccountID}), kv.ListOptions{}).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if id, ok := e.Key[len(e.Key)-1].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteAllForAccount unregisters every session of an account.
func (s *Store) DeleteAllForAccount(ctx context.Context, homeAccountID string) (int, error) {
	ids, err := s.ActiveSessionIDs(ctx, homeAccountID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
