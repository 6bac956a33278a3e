package statetoken

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/kv"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCodec(t *testing.T) (*Codec, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemory(kv.WithClock(clk.Now))
	t.Cleanup(func() { _ = store.Close() })

	c, err := New(store, Config{Now: clk.Now})
	require.NoError(t, err)
	return c, clk
}

func payload(t *testing.T) Payload {
	t.Helper()
	nonce, err := NewNonce()
	require.NoError(t, err)
	return Payload{State: nonce, Authority: idp.PasswordReset, Referer: "/dashboard"}
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestMintVerifyRoundTrip(t *testing.T) {
	c, _ := newCodec(t)
	ctx := context.Background()
	p := payload(t)

	token, err := c.Mint(ctx, p)
	require.NoError(t, err)

	got, err := c.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	again, err := c.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, p, again, "verify does not consume")
}

func TestLongRefererRoundTrips(t *testing.T) {
	c, _ := newCodec(t)
	ctx := context.Background()
	p := payload(t)
	p.Referer = "/reports?q=" + strings.Repeat("x", 1500)

	token, err := c.Mint(ctx, p)
	require.NoError(t, err)
	assert.Greater(t, len(token), kv.MaxKeySize)

	got, err := c.Consume(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, p.Referer, got.Referer)

	_, err = c.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestKeyID(t *testing.T) {
	a := KeyID("token-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, KeyID("token-a"))
	assert.NotEqual(t, a, KeyID("token-b"))
	assert.Len(t, KeyID(strings.Repeat("t", 8000)), 64)
}

func TestMintRejectsUnknownAuthority(t *testing.T) {
	c, _ := newCodec(t)
	_, err := c.Mint(context.Background(), Payload{State: "s"})
	assert.ErrorIs(t, err, ErrUnrecognizedAuthority)
}

func TestEveryTokenHasItsOwnSecret(t *testing.T) {
	c, _ := newCodec(t)
	ctx := context.Background()
	p := payload(t)

	t1, err := c.Mint(ctx, p)
	require.NoError(t, err)
	t2, err := c.Mint(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)

	s1, err := c.store.Get(ctx, c.secretKey(t1))
	require.NoError(t, err)
	s2, err := c.store.Get(ctx, c.secretKey(t2))
	require.NoError(t, err)
	assert.NotEqual(t, s1.Value, s2.Value)
}

func TestFlippedByteIsRejected(t *testing.T) {
	c, _ := newCodec(t)
	ctx := context.Background()

	token, err := c.Mint(ctx, payload(t))
	require.NoError(t, err)

	for i := 0; i < len(token); i++ {
		b := []byte(token)
		b[i] ^= 0x01
		_, err := c.Verify(ctx, string(b))
		require.Error(t, err, "byte %d", i)
		assert.True(t, errors.Is(err, ErrSecretNotFound) || errors.Is(err, ErrSignatureInvalid), "byte %d: %v", i, err)
	}
}

func TestSwappedSecretFailsSignature(t *testing.T) {
	c, _ := newCodec(t)
	ctx := context.Background()

	t1, err := c.Mint(ctx, payload(t))
	require.NoError(t, err)
	t2, err := c.Mint(ctx, payload(t))
	require.NoError(t, err)

	other, err := c.store.Get(ctx, c.secretKey(t2))
	require.NoError(t, err)
	_, err = c.store.Set(ctx, c.secretKey(t1), other.Value)
	require.NoError(t, err)

	_, err = c.Verify(ctx, t1)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyAfterTTLFails(t *testing.T) {
	c, clk := newCodec(t)
	ctx := context.Background()

	token, err := c.Mint(ctx, payload(t))
	require.NoError(t, err)

	clk.Advance(DefaultTTL - time.Second)
	_, err = c.Verify(ctx, token)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	_, err = c.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestVerifyReportsEmbeddedExpiry(t *testing.T) {
	storeClock := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codecClock := &clock{now: storeClock.now}
	store := kv.NewMemory(kv.WithClock(storeClock.Now))
	t.Cleanup(func() { _ = store.Close() })

	c, err := New(store, Config{Now: codecClock.Now})
	require.NoError(t, err)

	token, err := c.Mint(context.Background(), payload(t))
	require.NoError(t, err)

	codecClock.Advance(3 * time.Hour)
	_, err = c.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestConsumeIsSingleUse(t *testing.T) {
	c, _ := newCodec(t)
	ctx := context.Background()
	p := payload(t)

	token, err := c.Mint(ctx, p)
	require.NoError(t, err)

	got, err := c.Consume(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = c.Consume(ctx, token)
	assert.ErrorIs(t, err, ErrSecretNotFound)
	_, err = c.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	c, _ := newCodec(t)
	ctx := context.Background()

	token, err := c.Mint(ctx, payload(t))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Consume(ctx, token); err == nil {
				winners.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrSecretNotFound)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestGarbageTokens(t *testing.T) {
	c, _ := newCodec(t)
	ctx := context.Background()

	for _, tok := range []string{"", "garbage", string(make([]byte, 4096))} {
		_, err := c.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrSecretNotFound, "%q", tok)
	}
}
